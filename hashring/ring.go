// Package hashring places items on physical nodes with a consistent hash
// ring of weighted virtual nodes.
//
// Liveness is supplied by the caller through SetAlive; dead nodes keep their
// ring positions but are skipped by lookups. A Ring is not safe for
// concurrent use.
package hashring

import (
	"maps"
	"math"
	"slices"
	"sort"
)

const (
	defaultReplicationFactor = 3
	defaultVNodesPerWeight   = 100
	defaultLoadBound         = 1.25
	defaultMaxEvents         = 1024
)

// Config tunes the ring.
type Config struct {
	ReplicationFactor int
	VNodesPerWeight   int
	LoadBound         float64 // overload bound relative to average load, > 1.0
	BoundLoads        bool    // skip nodes above the bound when placing new items
	MaxEvents         int
}

// DefaultConfig returns the default ring configuration.
func DefaultConfig() Config {
	return Config{
		ReplicationFactor: defaultReplicationFactor,
		VNodesPerWeight:   defaultVNodesPerWeight,
		LoadBound:         defaultLoadBound,
		MaxEvents:         defaultMaxEvents,
	}
}

func (c Config) normalize() Config {
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = defaultReplicationFactor
	}
	if c.VNodesPerWeight <= 0 {
		c.VNodesPerWeight = defaultVNodesPerWeight
	}
	if !(c.LoadBound > 1.0) {
		c.LoadBound = defaultLoadBound
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = defaultMaxEvents
	}
	return c
}

// Ring is the consistent hashing ring state.
type Ring struct {
	cfg        Config
	nodes      map[uint64]*Node
	vnodes     []VirtualNode     // sorted by Hash
	positions  map[uint64]uint64 // hash -> owning node, for collision checks
	placements map[uint64]*Placement
	events     []RebalanceEvent
	stats      Stats
}

// New creates an empty ring.
func New(cfg Config) *Ring {
	return &Ring{
		cfg:        cfg.normalize(),
		nodes:      make(map[uint64]*Node),
		positions:  make(map[uint64]uint64),
		placements: make(map[uint64]*Placement),
	}
}

// AddNode inserts a node with weight*VNodesPerWeight virtual nodes. Positions
// already taken by another node are skipped and counted as collisions.
// Node id 0 is reserved to mark orphaned placements.
func (r *Ring) AddNode(id uint64, name string, weight uint32, capacity uint64, ts uint64) bool {
	if _, ok := r.nodes[id]; ok || id == 0 || weight == 0 {
		return false
	}

	var (
		count = int(weight) * r.cfg.VNodesPerWeight
		node  = &Node{ID: id, Name: name, Weight: weight, Capacity: capacity, Alive: true, AddedAtNs: ts}
	)
	for i := 0; i < count; i++ {
		var h = hashVNode(id, uint32(i))
		if _, taken := r.positions[h]; taken {
			r.stats.VNodeCollisions++
			continue
		}
		r.positions[h] = id
		r.vnodes = append(r.vnodes, VirtualNode{Hash: h, NodeID: id, Replica: uint32(i)})
		node.VirtualNodes++
	}
	slices.SortFunc(r.vnodes, func(a, b VirtualNode) int {
		switch {
		case a.Hash < b.Hash:
			return -1
		case a.Hash > b.Hash:
			return 1
		default:
			return 0
		}
	})

	r.nodes[id] = node
	return true
}

// RemoveNode drops a node and its virtual nodes, then re-homes every item
// whose primary was on it. Replicas that pointed at the node are left as they
// are until RepairReplicas runs.
func (r *Ring) RemoveNode(id uint64, ts uint64) bool {
	if _, ok := r.nodes[id]; !ok {
		return false
	}

	var kept = r.vnodes[:0]
	for _, v := range r.vnodes {
		if v.NodeID == id {
			delete(r.positions, v.Hash)
			continue
		}
		kept = append(kept, v)
	}
	r.vnodes = kept
	delete(r.nodes, id)

	for _, key := range slices.Sorted(maps.Keys(r.placements)) {
		var p = r.placements[key]
		if p.Primary != id {
			continue
		}
		r.rehome(p, id, NodeRemoved, ts)
	}
	return true
}

// rehome moves p's primary to the node the ring now resolves for its key.
func (r *Ring) rehome(p *Placement, from uint64, reason RebalanceReason, ts uint64) {
	var to, ok = r.resolve(p.KeyHash)
	if ok {
		var n = r.nodes[to]
		n.Load++
		n.ItemsOwned++
		p.Replicas = slices.DeleteFunc(p.Replicas, func(id uint64) bool { return id == to })
	} else {
		to = 0
		r.stats.Orphaned++
	}
	p.Primary = to
	p.UpdatedAtNs = ts
	r.stats.Rebalances++
	r.record(RebalanceEvent{Key: p.Key, From: from, To: to, Reason: reason, AtNs: ts})
}

func (r *Ring) record(ev RebalanceEvent) {
	if len(r.events) >= r.cfg.MaxEvents {
		r.events = r.events[1:]
		r.stats.EventsDropped++
	}
	r.events = append(r.events, ev)
}

// SetAlive updates a node's liveness as observed by the caller.
func (r *Ring) SetAlive(id uint64, alive bool) bool {
	var n, ok = r.nodes[id]
	if !ok {
		return false
	}
	n.Alive = alive
	return true
}

// start returns the index of the first virtual node at or after h, wrapping.
func (r *Ring) start(h uint64) int {
	var idx = sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i].Hash >= h
	})
	if idx == len(r.vnodes) {
		return 0
	}
	return idx
}

func (r *Ring) lookup(h uint64) (uint64, bool) {
	if len(r.vnodes) == 0 {
		return 0, false
	}
	var idx = r.start(h)
	for i := 0; i < len(r.vnodes); i++ {
		var v = r.vnodes[(idx+i)%len(r.vnodes)]
		if r.nodes[v.NodeID].Alive {
			return v.NodeID, true
		}
	}
	return 0, false
}

// FindNode returns the first alive node clockwise from the key's position.
func (r *Ring) FindNode(key uint64) (uint64, bool) {
	r.stats.Lookups++
	var id, ok = r.lookup(hashKey(key))
	if !ok {
		r.stats.FailedLookups++
	}
	return id, ok
}

// FindReplicas returns up to ReplicationFactor distinct alive nodes walking
// clockwise from the key's position. The first entry is the key's primary.
func (r *Ring) FindReplicas(key uint64) []uint64 {
	r.stats.Lookups++
	return r.walk(hashKey(key), r.cfg.ReplicationFactor)
}

func (r *Ring) walk(h uint64, n int) []uint64 {
	if len(r.vnodes) == 0 || n <= 0 {
		return nil
	}
	var (
		idx  = r.start(h)
		seen = make(map[uint64]struct{}, n)
		out  = make([]uint64, 0, n)
	)
	for i := 0; i < len(r.vnodes) && len(out) < n; i++ {
		var v = r.vnodes[(idx+i)%len(r.vnodes)]
		if _, ok := seen[v.NodeID]; ok {
			continue
		}
		seen[v.NodeID] = struct{}{}
		if r.nodes[v.NodeID].Alive {
			out = append(out, v.NodeID)
		}
	}
	return out
}

// boundedLookup walks clockwise for the first alive node whose load stays
// within LoadBound of the average once the new item is counted.
func (r *Ring) boundedLookup(h uint64) (uint64, bool) {
	var alive, total uint64
	for _, n := range r.nodes {
		if n.Alive {
			alive++
			total += n.Load
		}
	}
	if alive == 0 || len(r.vnodes) == 0 {
		return 0, false
	}

	var (
		limit = uint64(math.Ceil(float64(total+1) / float64(alive) * r.cfg.LoadBound))
		idx   = r.start(h)
	)
	for i := 0; i < len(r.vnodes); i++ {
		var n = r.nodes[r.vnodes[(idx+i)%len(r.vnodes)].NodeID]
		if n.Alive && n.Load+1 <= limit {
			return n.ID, true
		}
	}
	return r.lookup(h)
}

// resolve picks the primary for a new or re-homed item, honoring the load
// bound when BoundLoads is set.
func (r *Ring) resolve(h uint64) (uint64, bool) {
	if r.cfg.BoundLoads {
		return r.boundedLookup(h)
	}
	return r.lookup(h)
}

// PlaceItem resolves and stores the primary and replicas for key. Placing an
// already placed key returns the stored placement unchanged, except for an
// orphan, which is re-homed if a node is alive and reported as unplaced
// (false) otherwise.
func (r *Ring) PlaceItem(key uint64, ts uint64) (Placement, bool) {
	if p, ok := r.placements[key]; ok {
		if p.Primary == 0 {
			if _, alive := r.resolve(p.KeyHash); !alive {
				return p.clone(), false
			}
			r.rehome(p, 0, OrphanRepair, ts)
		}
		return p.clone(), true
	}

	r.stats.Lookups++
	var (
		h           = hashKey(key)
		primary, ok = r.resolve(h)
	)
	if !ok {
		r.stats.FailedLookups++
		return Placement{}, false
	}

	var p = &Placement{
		Key:         key,
		KeyHash:     h,
		Primary:     primary,
		Replicas:    r.replicasFor(h, primary),
		PlacedAtNs:  ts,
		UpdatedAtNs: ts,
	}
	r.placements[key] = p

	var n = r.nodes[primary]
	n.Load++
	n.ItemsOwned++
	return p.clone(), true
}

func (r *Ring) replicasFor(h uint64, primary uint64) []uint64 {
	var out = r.walk(h, r.cfg.ReplicationFactor+1)
	out = slices.DeleteFunc(out, func(id uint64) bool { return id == primary })
	if len(out) > r.cfg.ReplicationFactor-1 {
		out = out[:r.cfg.ReplicationFactor-1]
	}
	return out
}

// RemoveItem forgets a placement and releases its primary's load.
func (r *Ring) RemoveItem(key uint64) bool {
	var p, ok = r.placements[key]
	if !ok {
		return false
	}
	if n, found := r.nodes[p.Primary]; found {
		if n.Load > 0 {
			n.Load--
		}
		if n.ItemsOwned > 0 {
			n.ItemsOwned--
		}
	}
	delete(r.placements, key)
	return true
}

// RepairReplicas recomputes replica sets that reference removed or dead
// nodes or fall short of the replication factor, and re-homes orphaned
// items. It returns the number of placements changed.
func (r *Ring) RepairReplicas(ts uint64) int {
	var repaired int
	for _, key := range slices.Sorted(maps.Keys(r.placements)) {
		var (
			p       = r.placements[key]
			changed bool
		)

		if p.Primary == 0 {
			if _, ok := r.resolve(p.KeyHash); !ok {
				continue
			}
			r.rehome(p, 0, OrphanRepair, ts)
			changed = true
		}

		var fresh = r.replicasFor(p.KeyHash, p.Primary)
		if !slices.Equal(fresh, p.Replicas) {
			var (
				removed = without(p.Replicas, fresh)
				added   = without(fresh, p.Replicas)
			)
			for i := 0; i < max(len(removed), len(added)); i++ {
				var ev = RebalanceEvent{Key: key, Reason: ReplicaRepair, AtNs: ts}
				if i < len(removed) {
					ev.From = removed[i]
				}
				if i < len(added) {
					ev.To = added[i]
				}
				r.record(ev)
			}
			p.Replicas = fresh
			p.UpdatedAtNs = ts
			changed = true
		}

		if changed {
			repaired++
		}
	}
	return repaired
}

func without(a, b []uint64) []uint64 {
	var out []uint64
	for _, v := range a {
		if !slices.Contains(b, v) {
			out = append(out, v)
		}
	}
	return out
}

// LoadStats recomputes load statistics over all nodes.
func (r *Ring) LoadStats() LoadStats {
	if len(r.nodes) == 0 {
		return LoadStats{}
	}

	var (
		st      = LoadStats{MinLoadFactor: math.MaxFloat64}
		sum     float64
		sumLoad float64
		n       = float64(len(r.nodes))
	)
	for _, node := range r.nodes {
		var lf = node.LoadFactor()
		sum += lf
		sumLoad += float64(node.Load)
		st.MaxLoadFactor = max(st.MaxLoadFactor, lf)
		st.MinLoadFactor = min(st.MinLoadFactor, lf)
	}
	st.AvgLoadFactor = sum / n
	st.AvgLoad = sumLoad / n

	var sq float64
	for _, node := range r.nodes {
		var d = node.LoadFactor() - st.AvgLoadFactor
		sq += d * d
	}
	st.StdDev = math.Sqrt(sq / n)

	for _, id := range slices.Sorted(maps.Keys(r.nodes)) {
		if float64(r.nodes[id].Load) > st.AvgLoad*r.cfg.LoadBound {
			st.Overloaded = append(st.Overloaded, id)
		}
	}
	return st
}

// IsOverloaded reports whether the node's load exceeds LoadBound times the
// ring's average load.
func (r *Ring) IsOverloaded(id uint64) bool {
	var n, ok = r.nodes[id]
	if !ok {
		return false
	}
	return float64(n.Load) > r.LoadStats().AvgLoad*r.cfg.LoadBound
}

// Node returns a copy of the node.
func (r *Ring) Node(id uint64) (Node, bool) {
	var n, ok = r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns copies of all nodes ordered by id.
func (r *Ring) Nodes() []Node {
	var out = make([]Node, 0, len(r.nodes))
	for _, id := range slices.Sorted(maps.Keys(r.nodes)) {
		out = append(out, *r.nodes[id])
	}
	return out
}

// VirtualNodes returns the ring positions in ascending hash order.
func (r *Ring) VirtualNodes() []VirtualNode {
	return slices.Clone(r.vnodes)
}

// Placement returns the stored placement for key.
func (r *Ring) Placement(key uint64) (Placement, bool) {
	var p, ok = r.placements[key]
	if !ok {
		return Placement{}, false
	}
	return p.clone(), true
}

// DrainEvents returns and clears recorded rebalance events.
func (r *Ring) DrainEvents() []RebalanceEvent {
	var out = r.events
	r.events = nil
	return out
}

// Stats returns a snapshot of the counters.
func (r *Ring) Stats() Stats {
	var st = r.stats
	st.Nodes = len(r.nodes)
	st.VirtualNodes = len(r.vnodes)
	st.Items = len(r.placements)
	for _, n := range r.nodes {
		if n.Alive {
			st.AliveNodes++
		}
	}
	return st
}
