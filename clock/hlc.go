package clock

import (
	"fmt"
	"math"
)

// Timestamp is a hybrid logical clock value.
// Ordering uses (WallTimeNs, Logical) only; NodeID identifies the issuer.
type Timestamp struct {
	WallTimeNs uint64
	Logical    uint32
	NodeID     uint64
}

// Compare returns -1, 0 or +1 comparing t and o on (WallTimeNs, Logical).
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.WallTimeNs < o.WallTimeNs:
		return -1
	case t.WallTimeNs > o.WallTimeNs:
		return 1
	case t.Logical < o.Logical:
		return -1
	case t.Logical > o.Logical:
		return 1
	default:
		return 0
	}
}

// IsZero reports whether t has never been advanced.
func (t Timestamp) IsZero() bool {
	return t.WallTimeNs == 0 && t.Logical == 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d@%d", t.WallTimeNs, t.Logical, t.NodeID)
}

// HappensBefore reports whether a is ordered strictly before b.
func HappensBefore(a, b Timestamp) bool {
	return a.Compare(b) < 0
}

// bump increments the logical counter, carrying into wall time on overflow.
func bump(wall uint64, logical uint32) (uint64, uint32) {
	if logical == math.MaxUint32 {
		return wall + 1, 0
	}
	return wall, logical + 1
}

// Tick advances the local clock for a local or send event.
func (s *Sync) Tick(physicalNow uint64) Timestamp {
	s.stats.Ticks++

	if physicalNow > s.local.WallTimeNs {
		s.local.WallTimeNs = physicalNow
		s.local.Logical = 0
	} else {
		s.local.WallTimeNs, s.local.Logical = bump(s.local.WallTimeNs, s.local.Logical)
	}
	return s.local
}

// Receive merges a remote timestamp into the local clock.
func (s *Sync) Receive(remote Timestamp, physicalNow uint64) Timestamp {
	s.stats.Receives++

	var (
		local   = s.local
		maxWall = max(local.WallTimeNs, remote.WallTimeNs, physicalNow)
		wall    uint64
		logical uint32
	)

	switch {
	case maxWall == local.WallTimeNs && maxWall == remote.WallTimeNs:
		wall, logical = bump(maxWall, max(local.Logical, remote.Logical))
	case maxWall == local.WallTimeNs:
		wall, logical = bump(maxWall, local.Logical)
	case maxWall == remote.WallTimeNs:
		wall, logical = bump(maxWall, remote.Logical)
	default:
		wall, logical = physicalNow, 0
	}

	s.local.WallTimeNs = wall
	s.local.Logical = logical
	return s.local
}

// Now returns the last issued timestamp without advancing it.
func (s *Sync) Now() Timestamp {
	return s.local
}
