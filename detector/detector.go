// Package detector implements a phi-accrual failure detector.
//
// The detector never probes peers. It only records heartbeat arrivals handed
// to it by the caller and, on demand, converts the time since the last
// heartbeat into a continuous suspicion level (phi) using the distribution of
// past inter-arrival intervals.
package detector

import (
	"errors"
	"maps"
	"math"
	"slices"
)

const (
	defaultWindowSize = 100

	// phiCeiling caps suspicion so that extreme silences compare equal.
	phiCeiling = 16.0

	// minStdDevNs keeps a perfectly regular history from producing infinite phi.
	minStdDevNs = 1.0
)

var (
	// ErrInvalidThresholds is returned when thresholds are not 0 < suspect < fail.
	ErrInvalidThresholds = errors.New("detector: thresholds must satisfy 0 < suspect < fail")

	// ErrPeerExists is returned when registering an already known peer.
	ErrPeerExists = errors.New("detector: peer already registered")
)

// Status is the detector's verdict about a peer.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusAlive
	StatusSuspected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusSuspected:
		return "suspected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config tunes the detector.
type Config struct {
	WindowSize int // inter-arrival intervals retained per peer
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() Config {
	return Config{WindowSize: defaultWindowSize}
}

// Transition records a status change observed during Tick.
type Transition struct {
	PeerID uint64
	From   Status
	To     Status
	Phi    float64
	AtNs   uint64
}

// Stats counts detector activity.
type Stats struct {
	Peers              int
	HeartbeatsReceived uint64
	UnknownHeartbeats  uint64
	StaleHeartbeats    uint64
	PhiComputations    uint64
	Suspicions         uint64
	Failures           uint64
	Recoveries         uint64
	MaxPhi             float64
}

// Detector tracks heartbeat histories for a set of peers.
type Detector struct {
	cfg   Config
	peers map[uint64]*PeerState
	stats Stats
}

// New creates an empty Detector.
func New(cfg Config) *Detector {
	if cfg.WindowSize < 2 {
		cfg.WindowSize = defaultWindowSize
	}
	return &Detector{
		cfg:   cfg,
		peers: make(map[uint64]*PeerState),
	}
}

// Register starts tracking peer with its own suspicion thresholds.
func (d *Detector) Register(peer uint64, suspect, fail float64) error {
	if !(suspect > 0 && suspect < fail) {
		return ErrInvalidThresholds
	}
	if _, ok := d.peers[peer]; ok {
		return ErrPeerExists
	}
	d.peers[peer] = &PeerState{
		PeerID:           peer,
		SuspectThreshold: suspect,
		FailThreshold:    fail,
		intervals:        newWindow(d.cfg.WindowSize),
	}
	return nil
}

// Unregister stops tracking peer.
func (d *Detector) Unregister(peer uint64) bool {
	if _, ok := d.peers[peer]; !ok {
		return false
	}
	delete(d.peers, peer)
	return true
}

// ReceiveHeartbeat records a heartbeat from peer at ts. Heartbeats from
// unregistered peers or older than the last one seen are ignored.
func (d *Detector) ReceiveHeartbeat(peer uint64, ts uint64, payloadVersion uint64) bool {
	var p, ok = d.peers[peer]
	if !ok {
		d.stats.UnknownHeartbeats++
		return false
	}
	if p.HeartbeatCount > 0 && ts < p.LastHeartbeatNs {
		d.stats.StaleHeartbeats++
		return false
	}

	if p.HeartbeatCount > 0 {
		p.intervals.push(ts - p.LastHeartbeatNs)
	}
	p.LastHeartbeatNs = ts
	p.HeartbeatCount++
	p.MissCount = 0
	p.PayloadVersion = payloadVersion
	p.Phi = 0
	d.apply(p, StatusAlive)
	d.stats.HeartbeatsReceived++
	return true
}

// ComputePhi returns the current suspicion level for peer and remembers it
// for UpdateStatus. Peers with fewer than two intervals have phi 0.
func (d *Detector) ComputePhi(peer uint64, now uint64) float64 {
	var p, ok = d.peers[peer]
	if !ok {
		return 0
	}
	d.stats.PhiComputations++

	p.Phi = phiOf(p, now)
	if p.Phi > d.stats.MaxPhi {
		d.stats.MaxPhi = p.Phi
	}
	return p.Phi
}

func phiOf(p *PeerState, now uint64) float64 {
	if p.intervals.len() < 2 {
		return 0
	}

	var (
		mean, stddev = p.intervals.meanStdDev()
		elapsed      float64
	)
	if now > p.LastHeartbeatNs {
		elapsed = float64(now - p.LastHeartbeatNs)
	}
	stddev = math.Max(stddev, minStdDevNs)

	var y = (elapsed - mean) / stddev
	if y <= 0 {
		return 0
	}

	var v = -math.Log10(math.Exp(-0.5 * math.Exp(0.5*y)))
	if math.IsNaN(v) || v > phiCeiling {
		return phiCeiling
	}
	return v
}

// UpdateStatus derives the peer's status from its last computed phi.
func (d *Detector) UpdateStatus(peer uint64, suspect, fail float64) Status {
	var p, ok = d.peers[peer]
	if !ok {
		return StatusUnknown
	}
	d.apply(p, classify(p, suspect, fail))
	return p.Status
}

func classify(p *PeerState, suspect, fail float64) Status {
	switch {
	case p.Phi >= fail:
		return StatusFailed
	case p.Phi >= suspect:
		return StatusSuspected
	case p.HeartbeatCount > 0:
		return StatusAlive
	default:
		return p.Status
	}
}

func (d *Detector) apply(p *PeerState, next Status) {
	if next == p.Status {
		return
	}
	switch next {
	case StatusSuspected:
		d.stats.Suspicions++
	case StatusFailed:
		d.stats.Failures++
	case StatusAlive:
		if p.Status == StatusSuspected || p.Status == StatusFailed {
			d.stats.Recoveries++
		}
	}
	p.Status = next
}

// Tick recomputes phi and status for every peer against its registered
// thresholds and returns the transitions in ascending peer order.
func (d *Detector) Tick(now uint64) []Transition {
	var transitions []Transition
	for _, id := range slices.Sorted(maps.Keys(d.peers)) {
		var (
			p    = d.peers[id]
			from = p.Status
			phi  = d.ComputePhi(id, now)
		)
		if phi >= p.SuspectThreshold {
			p.MissCount++
		}
		var to = d.UpdateStatus(id, p.SuspectThreshold, p.FailThreshold)
		if to != from {
			transitions = append(transitions, Transition{PeerID: id, From: from, To: to, Phi: phi, AtNs: now})
		}
	}
	return transitions
}

// Status returns the peer's current status.
func (d *Detector) Status(peer uint64) Status {
	if p, ok := d.peers[peer]; ok {
		return p.Status
	}
	return StatusUnknown
}

// Peer returns a snapshot of the peer's state.
func (d *Detector) Peer(peer uint64) (PeerState, bool) {
	var p, ok = d.peers[peer]
	if !ok {
		return PeerState{}, false
	}
	var out = *p
	out.intervals = p.intervals.clone()
	return out, true
}

// Alive returns the ids of peers currently considered alive, ascending.
func (d *Detector) Alive() []uint64 {
	var out []uint64
	for _, id := range slices.Sorted(maps.Keys(d.peers)) {
		if d.peers[id].Status == StatusAlive {
			out = append(out, id)
		}
	}
	return out
}

// Peers returns all registered peer ids, ascending.
func (d *Detector) Peers() []uint64 {
	return slices.Sorted(maps.Keys(d.peers))
}

// Stats returns a snapshot of the counters.
func (d *Detector) Stats() Stats {
	var st = d.stats
	st.Peers = len(d.peers)
	return st
}
