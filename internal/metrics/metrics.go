// Package metrics exposes node counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mintCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metachain_mint_total",
			Help: "Mint requests served through the bridge, by result.",
		},
		[]string{"result"},
	)
	connectCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metachain_connect_total",
			Help: "Connect requests, by import outcome.",
		},
		[]string{"outcome"},
	)
	authorshipErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metachain_authorship_errors_total",
			Help: "Seal commands that ended in an error.",
		},
	)
	buildLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metachain_block_build_seconds",
			Help:    "Time from receiving a seal command to import of the built block.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)
	bestNumber = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metachain_best_block_number",
			Help: "Number of the current best block.",
		},
	)
	finalizedNumber = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metachain_finalized_block_number",
			Help: "Number of the last finalized block.",
		},
	)
	mempoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metachain_mempool_size",
			Help: "Extrinsics waiting in the backlog.",
		},
	)
	peerCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metachain_peer_count",
			Help: "Connected p2p peers.",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordMint counts a mint by result label ("ok" or an error class).
func RecordMint(result string) {
	mintCount.WithLabelValues(result).Inc()
}

// RecordConnect counts a connect by import outcome.
func RecordConnect(outcome string) {
	connectCount.WithLabelValues(outcome).Inc()
}

// IncAuthorshipErrors counts a failed seal command.
func IncAuthorshipErrors() {
	authorshipErrors.Inc()
}

// ObserveBuild records the latency of one build.
func ObserveBuild(d time.Duration) {
	buildLatency.Observe(d.Seconds())
}

// SetBestNumber updates the best block gauge.
func SetBestNumber(n uint32) {
	bestNumber.Set(float64(n))
}

// SetFinalizedNumber updates the finalized block gauge.
func SetFinalizedNumber(n uint32) {
	finalizedNumber.Set(float64(n))
}

// SetMempoolSize updates the backlog gauge.
func SetMempoolSize(n int) {
	mempoolSize.Set(float64(n))
}

// SetPeerCount updates the peer gauge.
func SetPeerCount(n int) {
	peerCount.Set(float64(n))
}
