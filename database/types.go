package database

import "time"

// EventRecord represents one journaled coordination event.
// Subject holds the uint64 id bit-cast to int64.
type EventRecord struct {
	RunID      string
	Seq        int64
	Kind       string
	Subject    int64
	AtNs       int64
	Detail     string
	RecordedAt time.Time
}

// StatSampleRecord represents a periodic snapshot of node counters.
type StatSampleRecord struct {
	RunID           string
	AtNs            int64
	Peers           int
	AlivePeers      int
	ActiveProposals int
	ActiveLeases    int
	Items           int
	MaxPhi          float64
	MaxLoadFactor   float64
}
