package coopcore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"go-coopcore/clock"
	"go-coopcore/consensus"
	"go-coopcore/detector"
	"go-coopcore/hashring"
	"go-coopcore/lease"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTableName is returned when the journal table prefix contains invalid characters
	ErrInvalidTableName = errors.New("table name must contain only lowercase letters, numbers, and underscores, and start with a letter")

	// ErrReservedID is returned for node or peer id 0, which marks orphaned placements.
	ErrReservedID = errors.New("id 0 is reserved")

	// ErrSelfPeer is returned when adding the local node as its own peer.
	ErrSelfPeer = errors.New("peer id equals the local node id")

	// ErrPeerExists is returned when adding a peer twice.
	ErrPeerExists = errors.New("peer already registered")

	// ErrInvalidWeight is returned for peers with zero ring weight.
	ErrInvalidWeight = errors.New("weight must be positive")

	// ErrAlreadyStarted is returned by Start on a running node.
	ErrAlreadyStarted = errors.New("node already started")

	// ErrNotStarted is returned by Stop on a node that is not running.
	ErrNotStarted = errors.New("node not started")

	// validTableNamePattern validates PostgreSQL-safe identifiers
	validTableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// NewNode creates a node with the given id and adds it to its own ring.
func NewNode(id uint64, opts ...Option) (*Node, error) {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	if id == 0 {
		return nil, ErrReservedID
	}
	if !(options.suspectThreshold > 0 && options.suspectThreshold < options.failThreshold) {
		return nil, fmt.Errorf("invalid thresholds: %w", detector.ErrInvalidThresholds)
	}
	if options.selfWeight == 0 {
		return nil, fmt.Errorf("invalid self weight: %w", ErrInvalidWeight)
	}
	if options.name == "" {
		options.name = fmt.Sprintf("node-%d", id)
	}
	if options.maxEvents <= 0 {
		options.maxEvents = defaultOptions().maxEvents
	}
	if options.maintenanceInterval <= 0 {
		options.maintenanceInterval = defaultOptions().maintenanceInterval
		options.flushInterval = defaultOptions().flushInterval
	}

	var clockCfg = clock.DefaultConfig(id)
	clockCfg.WindowSize = options.sampleWindow
	clockCfg.SkewThresholdNs = options.skewThresholdNs

	var ringCfg = hashring.DefaultConfig()
	ringCfg.ReplicationFactor = options.replicationFactor
	ringCfg.LoadBound = options.loadBound
	ringCfg.BoundLoads = options.boundedLoads

	var leaseCfg = lease.DefaultConfig()
	leaseCfg.MaxShared = options.maxShared
	leaseCfg.MaxRenewals = options.maxRenewals
	leaseCfg.AutoRenew = options.autoRenew

	var n = &Node{
		id:        id,
		runID:     uuid.New(),
		options:   options,
		clock:     clock.New(clockCfg),
		detector:  detector.New(detector.Config{WindowSize: options.heartbeatWindow}),
		consensus: consensus.NewManager(),
		ring:      hashring.New(ringCfg),
		leases:    lease.NewManager(leaseCfg),
		peers:     make(map[uint64]*peer),
	}

	if options.db != nil {
		if err := ValidateTableName(options.table); err != nil {
			return nil, fmt.Errorf("invalid journal table: %w", err)
		}
		n.journal = newJournal(options.db, options.table, n.runID.String())
	}

	n.ring.AddNode(id, options.name, options.selfWeight, options.selfCapacity, options.now())
	return n, nil
}

// ValidateTableName checks if the table prefix is valid for use as a PostgreSQL identifier.
func ValidateTableName(table string) error {
	if table == "" {
		return errors.New("table name cannot be empty")
	}

	// Leave room for the longest suffix, "_stat_samples".
	if len(table) > 50 {
		return errors.New("table name must be 50 characters or less")
	}

	if !validTableNamePattern.MatchString(table) {
		return ErrInvalidTableName
	}

	return nil
}

// ID returns the node's id.
func (n *Node) ID() uint64 {
	return n.id
}

// RunID identifies this process's journal rows.
func (n *Node) RunID() uuid.UUID {
	return n.runID
}

// Start runs the coordinator's maintenance and journal workers until Stop.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.coordinator != nil {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	var c = newCoordinator(n, n.options)
	n.coordinator = c
	n.mu.Unlock()

	if err := c.start(ctx); err != nil {
		n.mu.Lock()
		n.coordinator = nil
		n.mu.Unlock()
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	return nil
}

// Stop halts the background workers and flushes the journal one last time.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	var c = n.coordinator
	n.coordinator = nil
	n.mu.Unlock()

	if c == nil {
		return ErrNotStarted
	}
	return c.stop(ctx)
}

func (n *Node) emit(kind EventKind, subject uint64, at uint64, detail string) {
	n.seq++
	var ev = Event{Seq: n.seq, Kind: kind, Subject: subject, AtNs: at, Detail: detail}

	if len(n.events) >= n.options.maxEvents {
		n.events = n.events[1:]
		n.stats.eventsDropped++
	}
	n.events = append(n.events, ev)

	if n.journal != nil {
		if len(n.unjournaled) >= n.options.maxEvents {
			n.unjournaled = n.unjournaled[1:]
			n.stats.eventsDropped++
		}
		n.unjournaled = append(n.unjournaled, ev)
	}
}

// DrainEvents returns and clears the undrained events, oldest first.
func (n *Node) DrainEvents() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out = n.events
	n.events = nil
	return out
}

// Timestamp advances the local hybrid logical clock for a local event.
func (n *Node) Timestamp(now uint64) clock.Timestamp {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clock.Tick(now)
}

// Merge folds a timestamp received from a peer into the local clock.
func (n *Node) Merge(remote clock.Timestamp, now uint64) clock.Timestamp {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clock.Receive(remote, now)
}

// RecordClockSample adds a round-trip sample for a known peer.
func (n *Node) RecordClockSample(peerID uint64, t1, t2, t3, t4 uint64) (clock.Sample, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.peers[peerID]; !ok {
		return clock.Sample{}, false
	}
	return n.clock.RecordSample(peerID, t1, t2, t3, t4)
}

// EstimatedOffset extrapolates a peer's clock offset to now.
func (n *Node) EstimatedOffset(peerID uint64, now uint64) (int64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clock.EstimatedOffset(peerID, now)
}

// Voters returns the node itself and every peer currently Alive, ascending.
func (n *Node) Voters() []uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.voters()
}

func (n *Node) voters() []uint64 {
	var out = append([]uint64{n.id}, n.detector.Alive()...)
	slices.Sort(out)
	return out
}

// Propose opens a proposal voted on by the current voters.
func (n *Node) Propose(algorithm consensus.Algorithm, timeoutNs uint64, now uint64) (uint64, error) {
	return n.submit(consensus.Request{Algorithm: algorithm, TimeoutNs: timeoutNs}, now)
}

// ProposeWeighted opens a Weighted proposal that is accepted once the
// accepting voters' weight reaches threshold.
func (n *Node) ProposeWeighted(threshold uint64, timeoutNs uint64, now uint64) (uint64, error) {
	return n.submit(consensus.Request{Algorithm: consensus.Weighted, WeightThreshold: threshold, TimeoutNs: timeoutNs}, now)
}

func (n *Node) submit(req consensus.Request, now uint64) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	req.Proposer = n.id
	req.Voters = n.voters()
	var id, err = n.consensus.Submit(req, now)
	if err != nil {
		return 0, fmt.Errorf("failed to submit proposal: %w", err)
	}
	n.consensus.Open(id)

	n.options.logger.Debug("proposal opened",
		"proposal_id", id,
		"algorithm", req.Algorithm.String(),
		"voters", len(req.Voters))
	return id, nil
}

// Vote casts voter's ballot on a proposal.
func (n *Node) Vote(proposalID, voter uint64, vote consensus.Vote, weight uint64, now uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.consensus.CastVote(proposalID, voter, vote, weight, now) {
		return false
	}
	if p, ok := n.consensus.Get(proposalID); ok && p.State.Resolved() {
		n.resolved(p, now)
	}
	return true
}

func (n *Node) resolved(p consensus.Proposal, now uint64) {
	n.emit(EventProposalResolved, p.ID, now, p.State.String())
	n.options.logger.Info("proposal resolved",
		"proposal_id", p.ID,
		"algorithm", p.Algorithm.String(),
		"state", p.State.String(),
		"accepts", p.AcceptCount,
		"rejects", p.RejectCount)
}

// Proposal returns a copy of a proposal.
func (n *Node) Proposal(id uint64) (consensus.Proposal, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.consensus.Get(id)
}

// Place stores the placement of an item key.
func (n *Node) Place(key uint64, now uint64) (hashring.Placement, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ring.PlaceItem(key, now)
}

// Locate returns the node the ring currently resolves for key.
func (n *Node) Locate(key uint64) (uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ring.FindNode(key)
}

// Replicas returns the distinct alive nodes for key, primary first.
func (n *Node) Replicas(key uint64) []uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ring.FindReplicas(key)
}

// Placement returns the stored placement of key.
func (n *Node) Placement(key uint64) (hashring.Placement, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ring.Placement(key)
}

// Unplace forgets an item's placement.
func (n *Node) Unplace(key uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ring.RemoveItem(key)
}

// LoadStats returns the ring's load statistics.
func (n *Node) LoadStats() hashring.LoadStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ring.LoadStats()
}

// RepairReplicas recomputes stale replica sets. The resulting rebalance
// events are reported by the next Maintain.
func (n *Node) RepairReplicas(now uint64) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ring.RepairReplicas(now)
}

// AcquireLease requests a lease on resource. Denied requests are queued for
// RetryPendingLeases.
func (n *Node) AcquireLease(holder lease.Holder, resource uint64, typ lease.Type, durationNs uint64, now uint64) (uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var id, ok = n.leases.RequestLease(holder, resource, typ, durationNs, now)
	if ok {
		n.emit(EventLeaseGranted, id, now, fmt.Sprintf("%s resource=%d holder=%s", typ, resource, holder))
	}
	return id, ok
}

// ReleaseLease ends a lease at the holder's request.
func (n *Node) ReleaseLease(id uint64, now uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	var l, _ = n.leases.Get(id)
	if !n.leases.Release(id) {
		return false
	}
	n.emit(EventLeaseReleased, id, now, fmt.Sprintf("resource=%d holder=%s", l.ResourceID, l.Holder))
	return true
}

// RevokeLease forcibly ends a lease.
func (n *Node) RevokeLease(id uint64, now uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.leases.Revoke(id) {
		return false
	}
	var l, _ = n.leases.Get(id)
	n.emit(EventLeaseRevoked, id, now, fmt.Sprintf("resource=%d holder=%s", l.ResourceID, l.Holder))
	n.options.logger.Info("lease revoked",
		"lease_id", id,
		"resource_id", l.ResourceID,
		"holder", l.Holder.String())
	return true
}

// RenewLease extends a lease to now plus its duration.
func (n *Node) RenewLease(id uint64, now uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leases.Renew(id, now)
}

// RetryPendingLeases grants whichever queued lease requests now fit.
func (n *Node) RetryPendingLeases(now uint64) []uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	var granted = n.leases.RetryPending(now)
	for _, id := range granted {
		var l, _ = n.leases.Get(id)
		n.emit(EventLeaseGranted, id, now, fmt.Sprintf("%s resource=%d holder=%s", l.Type, l.ResourceID, l.Holder))
	}
	return granted
}

// Lease returns a copy of a lease.
func (n *Node) Lease(id uint64) (lease.Lease, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leases.Get(id)
}

// LeaseHolders returns the leases currently holding resource.
func (n *Node) LeaseHolders(resource uint64) []lease.Lease {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leases.Holders(resource)
}

// Maintain runs one pass of periodic work at now: failure detection with
// liveness propagated into the ring, proposal timeouts, lease expiry, skew
// alerts and rebalance reporting. Every change is also recorded as an Event.
func (n *Node) Maintain(now uint64) Report {
	n.mu.Lock()
	defer n.mu.Unlock()

	var report = Report{AtNs: now}

	report.Transitions = n.detector.Tick(now)
	for _, tr := range report.Transitions {
		n.observe(tr)
	}

	report.TimedOut = n.consensus.Tick(now)
	for _, id := range report.TimedOut {
		var p, _ = n.consensus.Get(id)
		n.resolved(p, now)
	}

	report.ExpiredLeases, report.RenewedLeases = n.leases.Sweep(now)
	for _, id := range report.ExpiredLeases {
		var l, _ = n.leases.Get(id)
		n.emit(EventLeaseExpired, id, now, fmt.Sprintf("resource=%d renewals=%d", l.ResourceID, l.Renewals))
		n.options.logger.Debug("lease expired",
			"lease_id", id,
			"resource_id", l.ResourceID,
			"renewals", l.Renewals)
	}
	for _, id := range report.RenewedLeases {
		var l, _ = n.leases.Get(id)
		n.emit(EventLeaseRenewed, id, now, fmt.Sprintf("resource=%d renewals=%d", l.ResourceID, l.Renewals))
	}

	report.SkewAlerts = n.clock.DrainAlerts()
	for _, a := range report.SkewAlerts {
		n.emit(EventSkewAlert, a.PeerID, a.DetectedAtNs, fmt.Sprintf("offset=%dns threshold=%dns", a.OffsetNs, a.ThresholdNs))
		n.options.logger.Warn("clock skew detected",
			"peer_id", a.PeerID,
			"offset_ns", a.OffsetNs,
			"threshold_ns", a.ThresholdNs)
	}

	report.Rebalances = n.ring.DrainEvents()
	for _, ev := range report.Rebalances {
		n.emit(EventRebalance, ev.Key, ev.AtNs, fmt.Sprintf("%s %d->%d", ev.Reason, ev.From, ev.To))
	}
	if len(report.Rebalances) > 0 {
		n.options.logger.Info("items rebalanced", "moves", len(report.Rebalances))
	}

	n.stats.maintenance++
	return report
}

// Stats aggregates the statistics of every component.
func (n *Node) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()

	return Stats{
		Clock:         n.clock.Stats(),
		Detector:      n.detector.Stats(),
		Consensus:     n.consensus.Stats(),
		Ring:          n.ring.Stats(),
		Load:          n.ring.LoadStats(),
		Leases:        n.leases.Stats(),
		Peers:         len(n.peers),
		AlivePeers:    len(n.detector.Alive()),
		Maintenance:   n.stats.maintenance,
		EventsDropped: n.stats.eventsDropped,
		JournalWrites: n.stats.journalWrites,
		JournalErrors: n.stats.journalErrors,
	}
}

// String returns a visual representation of the node state.
func (n *Node) String() string {
	n.mu.Lock()
	defer n.mu.Unlock()

	var (
		b      strings.Builder
		ring   = n.ring.Stats()
		load   = n.ring.LoadStats()
		cons   = n.consensus.Stats()
		leases = n.leases.Stats()
		hlc    = n.clock.Now()
	)

	b.WriteString(fmt.Sprintf("Node: %s (id %d, run %s)\n", n.options.name, n.id, n.runID.String()[0:8]))
	b.WriteString(fmt.Sprintf("Peers: %d | Alive: %d | VNodes: %d | Items: %d\n",
		len(n.peers), len(n.detector.Alive()), ring.VirtualNodes, ring.Items))
	b.WriteString(fmt.Sprintf("HLC: %s\n", hlc))

	b.WriteString("\nMembers:\n")
	b.WriteString("┌─────────────────────────────────────────────────────────────┐\n")

	var self, _ = n.ring.Node(n.id)
	b.WriteString(fmt.Sprintf("│ ● %-15s  %-10s  phi:%6.2f  load:%-5d  vnodes:%d\n",
		n.options.name, "self", 0.0, self.Load, self.VirtualNodes))
	for _, id := range slices.Sorted(maps.Keys(n.peers)) {
		var (
			info   = n.peerInfo(id)
			marker = " "
		)
		if info.Status == detector.StatusSuspected || info.Status == detector.StatusFailed {
			marker = "✗"
		}
		b.WriteString(fmt.Sprintf("│ %s %-15s  %-10s  phi:%6.2f  load:%-5d  vnodes:%d\n",
			marker, info.Name, info.Status, info.Phi, info.Load, info.VirtualNodes))
	}

	b.WriteString("└─────────────────────────────────────────────────────────────┘\n")

	b.WriteString(fmt.Sprintf("\nConsensus: active %d | accepted %d | rejected %d | timed out %d\n",
		cons.Active, cons.Accepted, cons.Rejected, cons.TimedOut))
	b.WriteString(fmt.Sprintf("Leases: active %d | pending %d | denied %d | expired %d\n",
		leases.Active, leases.Pending, leases.Denied, leases.Expired))
	b.WriteString(fmt.Sprintf("Load: avg %.1f | max factor %.2f | overloaded %v\n",
		load.AvgLoad, load.MaxLoadFactor, load.Overloaded))

	return b.String()
}
