// Package consensus runs quorum voting rounds over proposals.
//
// The manager is a plain state machine: callers supply the voter list
// (typically pre-filtered by a failure detector), deliver votes, and drive
// timeouts by calling Tick. All algorithms are resolved in one switch so the
// rules stay auditable side by side.
package consensus

import (
	"errors"
	"maps"
	"slices"
)

var (
	// ErrNoVoters is returned when a proposal would need zero voters.
	ErrNoVoters = errors.New("consensus: proposal requires at least one voter")

	// ErrWeightThresholdRequired is returned for Weighted proposals without a threshold.
	ErrWeightThresholdRequired = errors.New("consensus: weighted proposal requires a weight threshold")

	// ErrUnknownAlgorithm is returned for an algorithm outside the known set.
	ErrUnknownAlgorithm = errors.New("consensus: unknown algorithm")
)

// Manager owns all proposals of one node.
type Manager struct {
	proposals map[uint64]*Proposal
	nextID    uint64
	stats     Stats
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		proposals: make(map[uint64]*Proposal),
		nextID:    1,
	}
}

// Threshold returns the accept threshold an algorithm derives from the
// required voter count. Weighted has no derived threshold.
func Threshold(algorithm Algorithm, required uint32) uint64 {
	switch algorithm {
	case Majority, Raft:
		return uint64(required/2 + 1)
	case Unanimous, TwoPhaseCommit:
		return uint64(required)
	default:
		return 0
	}
}

// Propose creates a Pending proposal. Weighted proposals must go through
// Submit with a WeightThreshold.
func (m *Manager) Propose(proposer uint64, algorithm Algorithm, requiredVoters uint32, timeoutNs uint64, now uint64) (uint64, error) {
	return m.Submit(Request{
		Proposer:       proposer,
		Algorithm:      algorithm,
		RequiredVoters: requiredVoters,
		TimeoutNs:      timeoutNs,
	}, now)
}

// Submit creates a Pending proposal from a full request.
func (m *Manager) Submit(req Request, now uint64) (uint64, error) {
	if req.Algorithm > TwoPhaseCommit {
		return 0, ErrUnknownAlgorithm
	}

	var required = req.RequiredVoters
	if required == 0 {
		required = uint32(len(req.Voters))
	}
	if required == 0 {
		return 0, ErrNoVoters
	}

	var threshold = Threshold(req.Algorithm, required)
	if req.Algorithm == Weighted {
		if req.WeightThreshold == 0 {
			return 0, ErrWeightThresholdRequired
		}
		threshold = req.WeightThreshold
	}

	var id = m.nextID
	m.nextID++
	m.proposals[id] = &Proposal{
		ID:              id,
		Proposer:        req.Proposer,
		Algorithm:       req.Algorithm,
		State:           Pending,
		RequiredVoters:  required,
		AcceptThreshold: threshold,
		TimeoutNs:       req.TimeoutNs,
		CreatedAtNs:     now,
		Eligible:        slices.Clone(req.Voters),
	}
	m.stats.Proposed++
	return id, nil
}

// Open moves a Pending proposal into Voting.
func (m *Manager) Open(id uint64) bool {
	var p, ok = m.proposals[id]
	if !ok || p.State != Pending {
		return false
	}
	p.State = Voting
	return true
}

// CastVote records a ballot and attempts resolution. It returns false when
// the vote did not count: unknown or not-yet-open proposal, duplicate or
// ineligible voter, or a proposal that is already resolved. Ballots on a
// resolved proposal are kept in LateVotes.
func (m *Manager) CastVote(id, voter uint64, vote Vote, weight uint64, now uint64) bool {
	var p, ok = m.proposals[id]
	if !ok || p.State == Pending {
		return false
	}
	if p.hasVoted(voter) {
		m.stats.DuplicateVotes++
		return false
	}
	if !p.eligible(voter) {
		m.stats.IneligibleVotes++
		return false
	}

	var record = VoterRecord{VoterID: voter, Vote: vote, Weight: weight, TimestampNs: now}
	if p.State.Resolved() {
		p.LateVotes = append(p.LateVotes, record)
		m.stats.LateVotes++
		return false
	}

	p.Voters = append(p.Voters, record)
	p.TotalWeight += weight
	switch vote {
	case Accept:
		p.AcceptCount++
		p.AcceptWeight += weight
	case Reject:
		p.RejectCount++
	default:
		p.AbstainCount++
	}
	m.stats.VotesCast++

	m.TryResolve(id, now)
	return true
}

// TryResolve resolves a Voting proposal if its votes decide it and reports
// whether a resolution happened.
func (m *Manager) TryResolve(id uint64, now uint64) bool {
	var p, ok = m.proposals[id]
	if !ok || p.State != Voting {
		return false
	}

	var next = Voting
	switch p.Algorithm {
	case Majority, Raft:
		var margin = uint64(p.RequiredVoters) - min(p.AcceptThreshold, uint64(p.RequiredVoters))
		switch {
		case uint64(p.AcceptCount) >= p.AcceptThreshold:
			next = Accepted
		case uint64(p.RejectCount) > margin:
			next = Rejected
		}
	case Unanimous, TwoPhaseCommit:
		switch {
		case p.RejectCount > 0:
			next = Rejected
		case p.AcceptCount >= p.RequiredVoters:
			next = Accepted
		}
	case Weighted:
		switch {
		case p.AcceptWeight >= p.AcceptThreshold:
			next = Accepted
		case uint32(len(p.Voters)) >= p.RequiredVoters:
			next = Rejected
		}
	}

	if next == Voting {
		return false
	}
	m.resolve(p, next, now)
	return true
}

func (m *Manager) resolve(p *Proposal, state State, now uint64) {
	p.State = state
	p.ResolvedAtNs = now
	switch state {
	case Accepted:
		m.stats.Accepted++
	case Rejected:
		m.stats.Rejected++
	case TimedOut:
		m.stats.TimedOut++
	}
}

// CheckTimeout times out a Voting proposal whose deadline has passed.
func (m *Manager) CheckTimeout(id uint64, now uint64) bool {
	var p, ok = m.proposals[id]
	if !ok || p.State != Voting || p.TimeoutNs == 0 {
		return false
	}
	if now < p.CreatedAtNs || now-p.CreatedAtNs < p.TimeoutNs {
		return false
	}
	m.resolve(p, TimedOut, now)
	return true
}

// Tick checks every proposal for timeout and returns the ids that timed out,
// ascending.
func (m *Manager) Tick(now uint64) []uint64 {
	var expired []uint64
	for _, id := range slices.Sorted(maps.Keys(m.proposals)) {
		if m.CheckTimeout(id, now) {
			expired = append(expired, id)
		}
	}
	return expired
}

// Get returns a copy of the proposal.
func (m *Manager) Get(id uint64) (Proposal, bool) {
	var p, ok = m.proposals[id]
	if !ok {
		return Proposal{}, false
	}
	return p.clone(), true
}

// Forget drops a resolved proposal.
func (m *Manager) Forget(id uint64) bool {
	var p, ok = m.proposals[id]
	if !ok || !p.State.Resolved() {
		return false
	}
	delete(m.proposals, id)
	return true
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	var st = m.stats
	for _, p := range m.proposals {
		if !p.State.Resolved() {
			st.Active++
		}
	}
	return st
}
