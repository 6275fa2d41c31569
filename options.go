package coopcore

import (
	"database/sql"
	"io"
	"log/slog"
	"time"
)

// options configures the Node behavior (internal only).
type options struct {
	name                string
	suspectThreshold    float64
	failThreshold       float64
	replicationFactor   int
	sampleWindow        int
	heartbeatWindow     int
	skewThresholdNs     int64
	loadBound           float64
	boundedLoads        bool
	maxShared           uint32
	maxRenewals         uint32
	autoRenew           bool
	selfWeight          uint32
	selfCapacity        uint64
	maxEvents           int
	maintenanceInterval time.Duration
	flushInterval       time.Duration
	now                 func() uint64
	db                  *sql.DB
	table               string
	logger              *slog.Logger
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	var maintenanceInterval = 100 * time.Millisecond
	return options{
		suspectThreshold:    5.0,
		failThreshold:       8.0,
		replicationFactor:   3,
		sampleWindow:        8,
		heartbeatWindow:     100,
		skewThresholdNs:     int64(10 * time.Millisecond),
		loadBound:           1.25,
		maxShared:           8,
		maxRenewals:         3,
		selfWeight:          1,
		maxEvents:           4096,
		maintenanceInterval: maintenanceInterval,
		flushInterval:       10 * maintenanceInterval,
		now:                 wallClock,
		logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func wallClock() uint64 {
	return uint64(time.Now().UnixNano())
}

// Option is a functional option for configuring a Node.
type Option func(*options)

// WithName sets the node's display name.
// DEFAULT: "node-<id>"
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithThresholds sets the phi suspicion and failure thresholds applied to
// every peer. suspect must be positive and below fail.
// DEFAULT: 5.0 and 8.0
func WithThresholds(suspect, fail float64) Option {
	return func(o *options) {
		o.suspectThreshold = suspect
		o.failThreshold = fail
	}
}

// WithReplicationFactor sets how many distinct nodes hold each placed item,
// the primary included.
func WithReplicationFactor(n int) Option {
	return func(o *options) {
		o.replicationFactor = n
	}
}

// WithSampleWindow sets how many clock samples are kept per peer.
func WithSampleWindow(n int) Option {
	return func(o *options) {
		o.sampleWindow = n
	}
}

// WithHeartbeatWindow sets how many heartbeat intervals are kept per peer.
func WithHeartbeatWindow(n int) Option {
	return func(o *options) {
		o.heartbeatWindow = n
	}
}

// WithSkewThreshold sets the peer clock offset that raises a skew alert.
func WithSkewThreshold(d time.Duration) Option {
	return func(o *options) {
		o.skewThresholdNs = int64(d)
	}
}

// WithLoadBound sets the overload bound relative to the average node load.
// Values at or below 1.0 fall back to the default.
func WithLoadBound(bound float64) Option {
	return func(o *options) {
		o.loadBound = bound
	}
}

// WithBoundedLoads makes placement skip nodes that would exceed the load bound.
func WithBoundedLoads(enabled bool) Option {
	return func(o *options) {
		o.boundedLoads = enabled
	}
}

// WithMaxShared sets the default number of shared leases per resource.
func WithMaxShared(n uint32) Option {
	return func(o *options) {
		o.maxShared = n
	}
}

// WithMaxRenewals sets how many times a lease may be renewed.
func WithMaxRenewals(n uint32) Option {
	return func(o *options) {
		o.maxRenewals = n
	}
}

// WithAutoRenew renews expiring leases during maintenance until their
// renewals run out.
func WithAutoRenew(enabled bool) Option {
	return func(o *options) {
		o.autoRenew = enabled
	}
}

// WithSelfWeight sets the local node's ring weight.
func WithSelfWeight(weight uint32) Option {
	return func(o *options) {
		o.selfWeight = weight
	}
}

// WithSelfCapacity sets the local node's declared capacity.
func WithSelfCapacity(capacity uint64) Option {
	return func(o *options) {
		o.selfCapacity = capacity
	}
}

// WithMaxEvents bounds the undrained event buffer.
func WithMaxEvents(n int) Option {
	return func(o *options) {
		o.maxEvents = n
	}
}

// WithMaintenanceInterval sets how often the coordinator runs Maintain.
// The journal is flushed every ten maintenance intervals.
func WithMaintenanceInterval(d time.Duration) Option {
	return func(o *options) {
		o.maintenanceInterval = d
		o.flushInterval = 10 * d
	}
}

// WithTimeSource sets the clock the coordinator passes to Maintain, in
// nanoseconds.
// DEFAULT: time.Now().UnixNano()
func WithTimeSource(now func() uint64) Option {
	return func(o *options) {
		if now == nil {
			o.now = wallClock
			return
		}
		o.now = now
	}
}

// WithJournal records every event and periodic stat samples into
// <table>_events and <table>_stat_samples. The table prefix must be a valid
// PostgreSQL identifier.
func WithJournal(db *sql.DB, table string) Option {
	return func(o *options) {
		o.db = db
		o.table = table
	}
}

// WithLogger sets the logger for the node.
// If the logger is nil, the node will use a no-op logger.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}
