package consensus

import "slices"

// Algorithm selects how a proposal's votes are resolved.
type Algorithm uint8

const (
	Majority Algorithm = iota
	Unanimous
	Weighted
	Raft
	TwoPhaseCommit
)

func (a Algorithm) String() string {
	switch a {
	case Majority:
		return "majority"
	case Unanimous:
		return "unanimous"
	case Weighted:
		return "weighted"
	case Raft:
		return "raft"
	case TwoPhaseCommit:
		return "2pc"
	default:
		return "unknown"
	}
}

// State is the lifecycle position of a proposal.
type State uint8

const (
	Pending State = iota
	Voting
	Accepted
	Rejected
	TimedOut
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Voting:
		return "voting"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Resolved reports whether s is terminal.
func (s State) Resolved() bool {
	return s == Accepted || s == Rejected || s == TimedOut
}

// Vote is a single voter's ballot.
type Vote uint8

const (
	Accept Vote = iota
	Reject
	Abstain
)

func (v Vote) String() string {
	switch v {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	default:
		return "abstain"
	}
}

// VoterRecord is one ballot cast on a proposal.
type VoterRecord struct {
	VoterID     uint64
	Vote        Vote
	Weight      uint64
	TimestampNs uint64
}

// Proposal is a decision put to a set of voters.
type Proposal struct {
	ID              uint64
	Proposer        uint64
	Algorithm       Algorithm
	State           State
	RequiredVoters  uint32
	AcceptThreshold uint64 // votes for count-based algorithms, weight for Weighted
	TimeoutNs       uint64 // zero disables the timeout
	CreatedAtNs     uint64
	ResolvedAtNs    uint64

	Eligible  []uint64 // empty means anyone may vote
	Voters    []VoterRecord
	LateVotes []VoterRecord // cast after resolution; never counted

	AcceptCount  uint32
	RejectCount  uint32
	AbstainCount uint32
	TotalWeight  uint64
	AcceptWeight uint64
}

func (p *Proposal) hasVoted(voter uint64) bool {
	for _, v := range p.Voters {
		if v.VoterID == voter {
			return true
		}
	}
	for _, v := range p.LateVotes {
		if v.VoterID == voter {
			return true
		}
	}
	return false
}

func (p *Proposal) eligible(voter uint64) bool {
	return len(p.Eligible) == 0 || slices.Contains(p.Eligible, voter)
}

func (p *Proposal) clone() Proposal {
	var out = *p
	out.Eligible = slices.Clone(p.Eligible)
	out.Voters = slices.Clone(p.Voters)
	out.LateVotes = slices.Clone(p.LateVotes)
	return out
}

// Request describes a proposal to submit.
type Request struct {
	Proposer        uint64
	Algorithm       Algorithm
	RequiredVoters  uint32   // defaults to len(Voters)
	Voters          []uint64 // pre-filtered eligible voters, optional
	WeightThreshold uint64   // required for Weighted
	TimeoutNs       uint64
}

// Stats counts consensus activity.
type Stats struct {
	Proposed        uint64
	Accepted        uint64
	Rejected        uint64
	TimedOut        uint64
	VotesCast       uint64
	DuplicateVotes  uint64
	IneligibleVotes uint64
	LateVotes       uint64
	Active          int
}
