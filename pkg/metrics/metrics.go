package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Write-combine metrics
	CombineHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "faststore_combine_hits_total",
			Help: "Total number of writes absorbed into an in-flight slice",
		},
	)

	CombineMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "faststore_combine_misses_total",
			Help: "Total number of writes that started a new slice",
		},
	)

	CombineFlushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faststore_combine_flush_duration_seconds",
			Help:    "Time taken by the flush call that closes out a slice, by flush reason",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"reason"}, // size, timeout, non_contiguous, explicit
	)

	CombineWaitersWoken = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "faststore_combine_waiters_woken_total",
			Help: "Total number of waiting tasks woken by a slice completion",
		},
	)

	OPIDSuccessiveCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "faststore_opid_successive_count",
			Help:    "successive_count reported by the OPID table's insert on each write",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
		},
	)

	// Index metrics
	IndexSlicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "faststore_index_slices_total",
			Help: "Total number of live OBSliceEntry records across all blocks",
		},
	)

	IndexOverlapSplitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "faststore_index_overlap_splits_total",
			Help: "Total number of overlapping slices truncated or released by add_slice",
		},
	)

	IndexInsertDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "faststore_index_insert_duration_seconds",
			Help:    "Time taken to insert a slice into the per-block index",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Trunk reclaim metrics
	ReclaimBytesCopiedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "faststore_reclaim_bytes_copied_total",
			Help: "Total number of live bytes migrated out of reclaimed trunks",
		},
	)

	ReclaimDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faststore_reclaim_duration_seconds",
			Help:    "Time taken to reclaim one trunk",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"trunk_id"},
	)

	ReclaimFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "faststore_reclaim_failures_total",
			Help: "Total number of trunk reclaims aborted by a reclaim-lock failure",
		},
	)

	// Replication metrics
	ReplicationFanoutSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "faststore_replication_fanout_size",
			Help:    "Number of slaves an RPC was fanned out to",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 8},
		},
	)

	ReplicationAckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faststore_replication_ack_duration_seconds",
			Help:    "Time from fan-out to last slave ack",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"data_group_id"},
	)

	ReplicationPeerInactiveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faststore_replication_peer_inactive_total",
			Help: "Total number of slave skips due to inactive or offline status",
		},
		[]string{"data_group_id"},
	)

	ReplicationTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "faststore_replication_timeouts_total",
			Help: "Total number of failed slave sends plus fan-outs whose ack wait timed out",
		},
	)

	// Recovery metrics
	RecoveryStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faststore_recovery_stage_duration_seconds",
			Help:    "Time spent in each recovery stage",
			Buckets: []float64{0.1, 1, 5, 10, 30, 60, 300, 600},
		},
		[]string{"stage"},
	)

	RecoveryReplayedRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faststore_recovery_replayed_records_total",
			Help: "Total number of binlog records replayed, by op type",
		},
		[]string{"op_type"},
	)

	RecoveryDataVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "faststore_recovery_data_version",
			Help: "Last data_version observed during recovery, by data group",
		},
		[]string{"data_group_id"},
	)

	RecoveryFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faststore_recovery_failures_total",
			Help: "Total number of recovery stage failures, by stage",
		},
		[]string{"stage"},
	)

	// Topology metrics
	TopologyQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "faststore_topology_queue_depth",
			Help: "Number of undrained change events queued per peer",
		},
		[]string{"peer_server_id"},
	)

	TopologyEventsCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "faststore_topology_events_coalesced_total",
			Help: "Total number of change events dropped because in_queue was already latched",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CombineHitsTotal,
		CombineMissesTotal,
		CombineFlushDuration,
		CombineWaitersWoken,
		OPIDSuccessiveCount,
		IndexSlicesTotal,
		IndexOverlapSplitsTotal,
		IndexInsertDuration,
		ReclaimBytesCopiedTotal,
		ReclaimDuration,
		ReclaimFailuresTotal,
		ReplicationFanoutSize,
		ReplicationAckDuration,
		ReplicationPeerInactiveTotal,
		ReplicationTimeoutsTotal,
		RecoveryStageDuration,
		RecoveryReplayedRecordsTotal,
		RecoveryDataVersion,
		RecoveryFailuresTotal,
		TopologyQueueDepth,
		TopologyEventsCoalescedTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
