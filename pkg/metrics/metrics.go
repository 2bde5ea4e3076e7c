// Package metrics exposes Prometheus collectors for the replication
// and election engines and the HTTP handler that serves them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LSNHighWaterMark = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kv_lsn_high_water_mark",
			Help: "Highest log sequence number applied to the local store",
		},
	)

	QuorumAckLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kv_quorum_ack_latency_seconds",
			Help:    "Time a leader write waited for quorum acknowledgement",
			Buckets: prometheus.DefBuckets,
		},
	)

	ElectionsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kv_elections_started_total",
			Help: "Total number of elections this node has initiated as candidate",
		},
	)

	ElectionsWonTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kv_elections_won_total",
			Help: "Total number of elections this node has won",
		},
	)

	HeartbeatAgeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kv_heartbeat_age_seconds",
			Help: "Seconds since the last heartbeat was seen from the effective leader",
		},
	)

	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kv_is_leader",
			Help: "Whether this node currently believes itself leader (1) or not (0)",
		},
	)

	FollowerAckedLSN = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kv_follower_acked_lsn",
			Help: "Highest LSN acknowledged by each follower, as seen by the leader",
		},
		[]string{"follower_id"},
	)

	WriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kv_write_failures_total",
			Help: "Total number of client writes rejected with ERR_WRITE_FAILED",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LSNHighWaterMark,
		QuorumAckLatency,
		ElectionsStartedTotal,
		ElectionsWonTotal,
		HeartbeatAgeSeconds,
		IsLeader,
		FollowerAckedLSN,
		WriteFailuresTotal,
	)
}

// Handler returns the Prometheus HTTP handler for a /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and records its duration to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
