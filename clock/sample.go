package clock

import "math"

// Sample is one four-timestamp exchange with a peer:
// T1 local send, T2 remote receive, T3 remote send, T4 local receive.
type Sample struct {
	T1, T2, T3, T4 uint64
	RTTNs          int64
	OffsetNs       int64
}

// NewSample derives round-trip time and offset from the four timestamps.
func NewSample(t1, t2, t3, t4 uint64) Sample {
	var (
		rtt    = (int64(t4) - int64(t1)) - (int64(t3) - int64(t2))
		offset = ((int64(t2) - int64(t1)) + (int64(t3) - int64(t4))) / 2
	)
	return Sample{T1: t1, T2: t2, T3: t3, T4: t4, RTTNs: rtt, OffsetNs: offset}
}

// PeerState is the rolling clock estimate for one peer.
type PeerState struct {
	PeerID        uint64
	Samples       []Sample
	AvgOffsetNs   int64
	UncertaintyNs int64 // average RTT, used as +/- bound on the offset
	DriftPPB      int64
	LastSyncNs    uint64
	SampleCount   uint64
}

func (p *PeerState) add(sample Sample, window int) {
	if len(p.Samples) >= window {
		p.Samples = append(p.Samples[:0], p.Samples[len(p.Samples)-window+1:]...)
	}
	p.Samples = append(p.Samples, sample)
	p.SampleCount++
	p.LastSyncNs = sample.T4

	var offsetSum, rttSum int64
	for _, s := range p.Samples {
		offsetSum += s.OffsetNs
		rttSum += s.RTTNs
	}
	var n = int64(len(p.Samples))
	p.AvgOffsetNs = offsetSum / n
	p.UncertaintyNs = rttSum / n
	p.DriftPPB = p.drift()
}

// drift is the slope of offset over local time between the oldest and newest
// retained sample, in parts per billion.
func (p *PeerState) drift() int64 {
	if len(p.Samples) < 2 {
		return 0
	}
	var (
		oldest = p.Samples[0]
		newest = p.Samples[len(p.Samples)-1]
	)
	if newest.T4 <= oldest.T4 {
		return 0
	}
	var (
		dOffset = float64(newest.OffsetNs - oldest.OffsetNs)
		dTime   = float64(newest.T4 - oldest.T4)
	)
	return saturate(dOffset * 1e9 / dTime)
}

func (p *PeerState) estimate(now uint64) int64 {
	if now <= p.LastSyncNs {
		return p.AvgOffsetNs
	}
	var (
		elapsed    = float64(now - p.LastSyncNs)
		correction = saturate(float64(p.DriftPPB) * elapsed / 1e9)
	)
	switch {
	case correction > 0 && p.AvgOffsetNs > math.MaxInt64-correction:
		return math.MaxInt64
	case correction < 0 && p.AvgOffsetNs < math.MinInt64-correction:
		return math.MinInt64
	}
	return p.AvgOffsetNs + correction
}

// saturate converts v to int64, clamping values outside its range.
func saturate(v float64) int64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt64:
		return math.MaxInt64
	case v <= math.MinInt64:
		return math.MinInt64
	}
	return int64(v)
}
