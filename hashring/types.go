package hashring

import "slices"

// Node is a physical member of the ring.
type Node struct {
	ID           uint64
	Name         string
	Weight       uint32
	Capacity     uint64
	Load         uint64
	ItemsOwned   uint64
	Alive        bool
	VirtualNodes int
	AddedAtNs    uint64
}

// LoadFactor is load over declared capacity; a node without capacity reports 0.
func (n Node) LoadFactor() float64 {
	if n.Capacity == 0 {
		return 0
	}
	return float64(n.Load) / float64(n.Capacity)
}

// VirtualNode is one ring position owned by a physical node.
type VirtualNode struct {
	Hash    uint64
	NodeID  uint64
	Replica uint32
}

// Placement records where an item lives.
type Placement struct {
	Key         uint64
	KeyHash     uint64
	Primary     uint64
	Replicas    []uint64 // non-primary copies
	PlacedAtNs  uint64
	UpdatedAtNs uint64
}

func (p *Placement) clone() Placement {
	var out = *p
	out.Replicas = slices.Clone(p.Replicas)
	return out
}

// RebalanceReason explains a placement change.
type RebalanceReason uint8

const (
	NodeRemoved RebalanceReason = iota
	ReplicaRepair
	OrphanRepair
)

func (r RebalanceReason) String() string {
	switch r {
	case NodeRemoved:
		return "node_removed"
	case ReplicaRepair:
		return "replica_repair"
	case OrphanRepair:
		return "orphan_repair"
	default:
		return "unknown"
	}
}

// RebalanceEvent records one item moving between nodes. To is zero when no
// alive node could take the item.
type RebalanceEvent struct {
	Key    uint64
	From   uint64
	To     uint64
	Reason RebalanceReason
	AtNs   uint64
}

// LoadStats summarizes load factors across the ring.
type LoadStats struct {
	MaxLoadFactor float64
	MinLoadFactor float64
	AvgLoadFactor float64
	StdDev        float64
	AvgLoad       float64
	Overloaded    []uint64
}

// Stats counts ring activity.
type Stats struct {
	Nodes           int
	AliveNodes      int
	VirtualNodes    int
	Items           int
	Lookups         uint64
	FailedLookups   uint64
	Rebalances      uint64
	Orphaned        uint64
	VNodeCollisions uint64
	EventsDropped   uint64
}
