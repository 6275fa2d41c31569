// Package clock maintains a hybrid logical clock for the local node and
// estimates the offset, uncertainty and drift of peer clocks from NTP-style
// round-trip samples.
//
// Nothing in this package reads the system clock: every time-sensitive call
// takes the caller's notion of "now" in nanoseconds. A Sync is not safe for
// concurrent use; callers serialize access.
package clock

import (
	"maps"
	"slices"
)

const (
	defaultWindowSize      = 8
	defaultSkewThresholdNs = 10_000_000 // 10ms
	defaultMaxAlerts       = 256
)

// Config tunes peer sampling.
type Config struct {
	NodeID          uint64
	WindowSize      int   // samples retained per peer
	SkewThresholdNs int64 // |avg offset| above this raises a SkewAlert
	MaxAlerts       int   // undrained alerts kept before the oldest are dropped
}

// DefaultConfig returns a Config for the given node.
func DefaultConfig(nodeID uint64) Config {
	return Config{
		NodeID:          nodeID,
		WindowSize:      defaultWindowSize,
		SkewThresholdNs: defaultSkewThresholdNs,
		MaxAlerts:       defaultMaxAlerts,
	}
}

func (c Config) normalize() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = defaultWindowSize
	}
	if c.SkewThresholdNs <= 0 {
		c.SkewThresholdNs = defaultSkewThresholdNs
	}
	if c.MaxAlerts <= 0 {
		c.MaxAlerts = defaultMaxAlerts
	}
	return c
}

// SkewAlert reports a peer whose averaged offset exceeds the configured threshold.
type SkewAlert struct {
	PeerID       uint64
	OffsetNs     int64
	ThresholdNs  int64
	DetectedAtNs uint64
}

// Stats counts clock activity.
type Stats struct {
	Ticks           uint64
	Receives        uint64
	SamplesRecorded uint64
	InvalidSamples  uint64
	SkewAlerts      uint64
	AlertsDropped   uint64
	Peers           int
	MaxAbsOffsetNs  int64
}

// Sync is the clock synchronization state of one node.
type Sync struct {
	cfg    Config
	local  Timestamp
	peers  map[uint64]*PeerState
	alerts []SkewAlert
	stats  Stats
}

// New creates a Sync whose HLC starts at zero.
func New(cfg Config) *Sync {
	cfg = cfg.normalize()
	return &Sync{
		cfg:   cfg,
		local: Timestamp{NodeID: cfg.NodeID},
		peers: make(map[uint64]*PeerState),
	}
}

// RecordSample folds one round-trip exchange with peer into its estimate.
// Exchanges with a negative round-trip time are rejected.
func (s *Sync) RecordSample(peer uint64, t1, t2, t3, t4 uint64) (Sample, bool) {
	var sample = NewSample(t1, t2, t3, t4)
	if sample.RTTNs < 0 {
		s.stats.InvalidSamples++
		return sample, false
	}

	var p, ok = s.peers[peer]
	if !ok {
		p = &PeerState{PeerID: peer}
		s.peers[peer] = p
	}

	p.add(sample, s.cfg.WindowSize)
	s.stats.SamplesRecorded++

	if abs(p.AvgOffsetNs) > s.stats.MaxAbsOffsetNs {
		s.stats.MaxAbsOffsetNs = abs(p.AvgOffsetNs)
	}
	if abs(p.AvgOffsetNs) > s.cfg.SkewThresholdNs {
		s.raise(SkewAlert{
			PeerID:       peer,
			OffsetNs:     p.AvgOffsetNs,
			ThresholdNs:  s.cfg.SkewThresholdNs,
			DetectedAtNs: t4,
		})
	}

	return sample, true
}

func (s *Sync) raise(alert SkewAlert) {
	s.stats.SkewAlerts++
	if len(s.alerts) >= s.cfg.MaxAlerts {
		s.alerts = s.alerts[1:]
		s.stats.AlertsDropped++
	}
	s.alerts = append(s.alerts, alert)
}

// EstimatedOffset dead-reckons the peer's offset forward to now using the
// measured drift rate.
func (s *Sync) EstimatedOffset(peer uint64, now uint64) (int64, bool) {
	var p, ok = s.peers[peer]
	if !ok {
		return 0, false
	}
	return p.estimate(now), true
}

// Peer returns a copy of the peer's estimate.
func (s *Sync) Peer(peer uint64) (PeerState, bool) {
	var p, ok = s.peers[peer]
	if !ok {
		return PeerState{}, false
	}
	var out = *p
	out.Samples = slices.Clone(p.Samples)
	return out, true
}

// Peers returns the ids of all sampled peers in ascending order.
func (s *Sync) Peers() []uint64 {
	return slices.Sorted(maps.Keys(s.peers))
}

// RemovePeer forgets all samples for peer.
func (s *Sync) RemovePeer(peer uint64) bool {
	if _, ok := s.peers[peer]; !ok {
		return false
	}
	delete(s.peers, peer)
	return true
}

// DrainAlerts returns and clears pending skew alerts.
func (s *Sync) DrainAlerts() []SkewAlert {
	var out = s.alerts
	s.alerts = nil
	return out
}

// Stats returns a snapshot of the counters.
func (s *Sync) Stats() Stats {
	var st = s.stats
	st.Peers = len(s.peers)
	return st
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
