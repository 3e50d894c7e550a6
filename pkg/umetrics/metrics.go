package umetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AmSyncSite reports whether this process currently holds sync-site
	// status (1) or not (0); mirrors the teacher's warren_raft_is_leader
	// gauge for the vote/beacon protocol.
	AmSyncSite = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ubik_am_sync_site",
			Help: "Whether this server currently holds sync-site status (1) or not (0)",
		},
	)

	QuorumPeersUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ubik_quorum_peers_up",
			Help: "Number of configured peers currently marked up",
		},
	)

	DBVersionEpoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ubik_db_version_epoch",
			Help: "Current database version epoch",
		},
	)

	DBVersionCounter = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ubik_db_version_counter",
			Help: "Current database version counter",
		},
	)

	BeaconRoundTrip = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ubik_beacon_round_trip_seconds",
			Help:    "Round-trip time of a beacon request to a peer",
			Buckets: prometheus.DefBuckets,
		},
	)

	QuorumCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ubik_quorum_commit_duration_seconds",
			Help:    "Time to reach quorum acknowledgement of a commit",
			Buckets: prometheus.DefBuckets,
		},
	)

	QuorumCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ubik_quorum_calls_total",
			Help: "Total remote quorum RPCs issued, by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	RecoveryCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ubik_recovery_cycle_duration_seconds",
			Help:    "Time taken for one recovery loop iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	BufferCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ubik_buffer_cache_hits_total",
			Help: "Buffer cache lookups satisfied without a physical read",
		},
	)

	BufferCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ubik_buffer_cache_misses_total",
			Help: "Buffer cache lookups requiring a physical read",
		},
	)

	FreezeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ubik_freeze_duration_seconds",
			Help:    "Duration of a freeze from FreezeBegin to FreezeEnd/Abort",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	FreezesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ubik_freezes_total",
			Help: "Total freezes, by outcome (started, installed, aborted, force_aborted, timed_out)",
		},
		[]string{"outcome"},
	)

	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ubik_transactions_total",
			Help: "Total transactions, by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	VLDBLookupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ubik_vldb_lookup_duration_seconds",
			Help:    "Time taken to resolve a VLDB FindById/FindByName lookup",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		AmSyncSite,
		QuorumPeersUp,
		DBVersionEpoch,
		DBVersionCounter,
		BeaconRoundTrip,
		QuorumCommitDuration,
		QuorumCallsTotal,
		RecoveryCycleDuration,
		BufferCacheHits,
		BufferCacheMisses,
		FreezeDuration,
		FreezesTotal,
		TransactionsTotal,
		VLDBLookupDuration,
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
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
