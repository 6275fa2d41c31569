package telemetry

import (
	"go-coopcore"

	"github.com/prometheus/client_golang/prometheus"
)

type metric struct {
	desc  *prometheus.Desc
	value func(st coopcore.Stats) float64
}

func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
}

var (
	gauges = []metric{
		{desc("peers", "Registered peers."), func(st coopcore.Stats) float64 { return float64(st.Peers) }},
		{desc("alive_peers", "Peers the failure detector considers alive."), func(st coopcore.Stats) float64 { return float64(st.AlivePeers) }},
		{desc("max_phi", "Highest phi computed for any peer."), func(st coopcore.Stats) float64 { return st.Detector.MaxPhi }},
		{desc("clock_max_abs_offset_seconds", "Largest averaged peer clock offset seen."), func(st coopcore.Stats) float64 { return float64(st.Clock.MaxAbsOffsetNs) / 1e9 }},
		{desc("active_proposals", "Proposals pending or voting."), func(st coopcore.Stats) float64 { return float64(st.Consensus.Active) }},
		{desc("ring_nodes", "Nodes on the hash ring."), func(st coopcore.Stats) float64 { return float64(st.Ring.Nodes) }},
		{desc("ring_alive_nodes", "Ring nodes accepting placements."), func(st coopcore.Stats) float64 { return float64(st.Ring.AliveNodes) }},
		{desc("ring_items", "Items with a stored placement."), func(st coopcore.Stats) float64 { return float64(st.Ring.Items) }},
		{desc("ring_max_load_factor", "Highest load over capacity across ring nodes."), func(st coopcore.Stats) float64 { return st.Load.MaxLoadFactor }},
		{desc("ring_overloaded_nodes", "Ring nodes above the load bound."), func(st coopcore.Stats) float64 { return float64(len(st.Load.Overloaded)) }},
		{desc("active_leases", "Leases holding a resource."), func(st coopcore.Stats) float64 { return float64(st.Leases.Active) }},
		{desc("pending_leases", "Queued lease requests."), func(st coopcore.Stats) float64 { return float64(st.Leases.Pending) }},
	}

	counters = []metric{
		{desc("heartbeats_received_total", "Heartbeats accepted from peers."), func(st coopcore.Stats) float64 { return float64(st.Detector.HeartbeatsReceived) }},
		{desc("peer_suspicions_total", "Transitions into Suspected."), func(st coopcore.Stats) float64 { return float64(st.Detector.Suspicions) }},
		{desc("peer_failures_total", "Transitions into Failed."), func(st coopcore.Stats) float64 { return float64(st.Detector.Failures) }},
		{desc("peer_recoveries_total", "Peers heard from again after suspicion."), func(st coopcore.Stats) float64 { return float64(st.Detector.Recoveries) }},
		{desc("clock_skew_alerts_total", "Skew alerts raised."), func(st coopcore.Stats) float64 { return float64(st.Clock.SkewAlerts) }},
		{desc("proposals_total", "Proposals submitted."), func(st coopcore.Stats) float64 { return float64(st.Consensus.Proposed) }},
		{desc("votes_total", "Votes counted."), func(st coopcore.Stats) float64 { return float64(st.Consensus.VotesCast) }},
		{desc("ring_rebalances_total", "Items moved between ring nodes."), func(st coopcore.Stats) float64 { return float64(st.Ring.Rebalances) }},
		{desc("ring_orphaned_total", "Items left without an alive owner."), func(st coopcore.Stats) float64 { return float64(st.Ring.Orphaned) }},
		{desc("maintenance_passes_total", "Completed maintenance passes."), func(st coopcore.Stats) float64 { return float64(st.Maintenance) }},
		{desc("events_dropped_total", "Events dropped from full buffers."), func(st coopcore.Stats) float64 { return float64(st.EventsDropped) }},
		{desc("journal_writes_total", "Events written to the journal."), func(st coopcore.Stats) float64 { return float64(st.JournalWrites) }},
		{desc("journal_errors_total", "Failed journal flushes."), func(st coopcore.Stats) float64 { return float64(st.JournalErrors) }},
	}
)

// Collector reads one Stats snapshot per scrape and reports it as constant
// metrics.
type Collector struct {
	source    Source
	proposals *prometheus.Desc
	leases    *prometheus.Desc
}

// NewCollector creates a collector for source.
func NewCollector(source Source) *Collector {
	return &Collector{
		source:    source,
		proposals: desc("proposals_resolved_total", "Resolved proposals by outcome.", "outcome"),
		leases:    desc("lease_operations_total", "Lease table operations by kind.", "op"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.proposals
	ch <- c.leases
	for _, m := range gauges {
		ch <- m.desc
	}
	for _, m := range counters {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var st = c.source.Stats()

	for _, m := range gauges {
		ch <- prometheus.MustNewConstMetric(m.desc, prometheus.GaugeValue, m.value(st))
	}
	for _, m := range counters {
		ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, m.value(st))
	}

	for outcome, v := range map[string]uint64{
		"accepted":  st.Consensus.Accepted,
		"rejected":  st.Consensus.Rejected,
		"timed_out": st.Consensus.TimedOut,
	} {
		ch <- prometheus.MustNewConstMetric(c.proposals, prometheus.CounterValue, float64(v), outcome)
	}
	for op, v := range map[string]uint64{
		"granted":       st.Leases.Granted,
		"denied":        st.Leases.Denied,
		"released":      st.Leases.Released,
		"revoked":       st.Leases.Revoked,
		"expired":       st.Leases.Expired,
		"renewed":       st.Leases.Renewals,
		"auto_renewed":  st.Leases.AutoRenewals,
		"renew_refused": st.Leases.RenewalsRefused,
	} {
		ch <- prometheus.MustNewConstMetric(c.leases, prometheus.CounterValue, float64(v), op)
	}
}
