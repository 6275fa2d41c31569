package coopcore

import (
	"sync"

	"go-coopcore/clock"
	"go-coopcore/consensus"
	"go-coopcore/detector"
	"go-coopcore/hashring"
	"go-coopcore/lease"

	"github.com/google/uuid"
)

// Node is one member of the cooperative core. It owns a clock, failure
// detector, consensus manager, hash ring and lease table and serializes
// access to them.
type Node struct {
	mu          sync.Mutex
	id          uint64
	runID       uuid.UUID
	options     options
	clock       *clock.Sync
	detector    *detector.Detector
	consensus   *consensus.Manager
	ring        *hashring.Ring
	leases      *lease.Manager
	peers       map[uint64]*peer
	events      []Event // undrained, bounded by options.maxEvents
	unjournaled []Event // waiting for the next journal flush
	seq         uint64
	stats       counters
	journal     *journal     // nil unless WithJournal
	coordinator *coordinator // set by Start
}

// peer is a remote member known to the node.
type peer struct {
	ID       uint64
	Name     string
	Weight   uint32
	Capacity uint64
	JoinedNs uint64
}

// PeerInfo is a snapshot of a peer as seen by the node.
type PeerInfo struct {
	ID              uint64
	Name            string
	Weight          uint32
	Status          detector.Status
	Phi             float64
	LastHeartbeatNs uint64
	Load            uint64
	VirtualNodes    int
}

// EventKind classifies an Event.
type EventKind string

const (
	EventPeerJoined       EventKind = "peer_joined"
	EventPeerLeft         EventKind = "peer_left"
	EventPeerStatus       EventKind = "peer_status"
	EventSkewAlert        EventKind = "skew_alert"
	EventProposalResolved EventKind = "proposal_resolved"
	EventLeaseGranted     EventKind = "lease_granted"
	EventLeaseRenewed     EventKind = "lease_renewed"
	EventLeaseExpired     EventKind = "lease_expired"
	EventLeaseReleased    EventKind = "lease_released"
	EventLeaseRevoked     EventKind = "lease_revoked"
	EventRebalance        EventKind = "rebalance"
)

// Event is an observable change in the node's state. Subject is the id of
// the peer, proposal, lease or item the event is about.
type Event struct {
	Seq     uint64
	Kind    EventKind
	Subject uint64
	AtNs    uint64
	Detail  string
}

// Report summarizes one Maintain pass.
type Report struct {
	AtNs          uint64
	Transitions   []detector.Transition
	TimedOut      []uint64
	ExpiredLeases []uint64
	RenewedLeases []uint64
	SkewAlerts    []clock.SkewAlert
	Rebalances    []hashring.RebalanceEvent
}

// Empty reports whether the pass observed no change.
func (r Report) Empty() bool {
	return len(r.Transitions) == 0 && len(r.TimedOut) == 0 && len(r.ExpiredLeases) == 0 &&
		len(r.RenewedLeases) == 0 && len(r.SkewAlerts) == 0 && len(r.Rebalances) == 0
}

type counters struct {
	maintenance   uint64
	eventsDropped uint64
	journalWrites uint64
	journalErrors uint64
}

// Stats aggregates the statistics of every component.
type Stats struct {
	Clock     clock.Stats
	Detector  detector.Stats
	Consensus consensus.Stats
	Ring      hashring.Stats
	Load      hashring.LoadStats
	Leases    lease.Stats

	Peers         int
	AlivePeers    int
	Maintenance   uint64
	EventsDropped uint64
	JournalWrites uint64
	JournalErrors uint64
}
