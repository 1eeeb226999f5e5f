// ABOUTME: Prometheus collectors for the offline engine.
// ABOUTME: Cache hit rates, fallbacks, replay outcomes, outbox depth and triggers.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the engine exports.
type Metrics struct {
	CacheHits          *prometheus.CounterVec
	CacheMisses        *prometheus.CounterVec
	Fallbacks          *prometheus.CounterVec
	WriteResults       *prometheus.CounterVec
	ReplayOutcomes     *prometheus.CounterVec
	BatchSyncs         *prometheus.CounterVec
	NotificationsFired *prometheus.CounterVec
	OutboxDepth        prometheus.Gauge
	RequestDuration    *prometheus.HistogramVec
}

// New registers all collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_cache_hits_total",
			Help: "Requests answered from a cache partition, by strategy.",
		}, []string{"strategy"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_cache_misses_total",
			Help: "Requests that went to the network, by strategy.",
		}, []string{"strategy"}),
		Fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_fallbacks_total",
			Help: "Synthetic fallback responses served, by kind.",
		}, []string{"kind"}),
		WriteResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_writes_total",
			Help: "Write-path outcomes: delivered, queued or failed.",
		}, []string{"outcome"}),
		ReplayOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_replay_outcomes_total",
			Help: "Outbox replay attempt outcomes.",
		}, []string{"outcome"}),
		BatchSyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_batch_syncs_total",
			Help: "Batch sync channel submissions, by channel and result.",
		}, []string{"channel", "result"}),
		NotificationsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_notifications_fired_total",
			Help: "Notifications emitted by the periodic triggers.",
		}, []string{"trigger"}),
		OutboxDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "harbor_outbox_depth",
			Help: "Write requests currently queued for replay.",
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harbor_request_duration_seconds",
			Help:    "Time to resolve intercepted requests, by strategy.",
			Buckets: prometheus.DefBuckets,
		}, []string{"strategy"}),
	}
}
