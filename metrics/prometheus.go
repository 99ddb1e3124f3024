// Package metrics exports the sync layer's MetricsCollector hooks to
// Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukafiti/dukasync/synckit"
)

const namespace = "dukasync"

// Prometheus implements synckit.MetricsCollector.
type Prometheus struct {
	gatherer prometheus.Gatherer

	syncDuration *prometheus.HistogramVec
	pushed       prometheus.Counter
	pulled       prometheus.Counter
	syncErrors   *prometheus.CounterVec
	conflicts    prometheus.Counter
	queueDepth   *prometheus.GaugeVec
	cacheResults *prometheus.CounterVec
	evictions    *prometheus.CounterVec
}

var _ synckit.MetricsCollector = (*Prometheus)(nil)

// New registers the collectors on reg. A nil reg uses a fresh registry so
// that several instances can coexist in tests.
func New(reg *prometheus.Registry) *Prometheus {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Prometheus{
		gatherer: reg,
		syncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of drains and refreshes",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"operation"}),
		pushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_confirmed_total",
			Help:      "Queued operations confirmed by the server",
		}),
		pulled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_pulled_total",
			Help:      "Server records merged into the local store",
		}),
		syncErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_errors_total",
			Help:      "Sync failures by operation and error kind",
		}, []string{"operation", "kind"}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_conflicts_total",
			Help:      "Divergent copies of one record resolved in favour of the synced copy",
		}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending operations per priority tier",
		}, []string{"priority"}),
		cacheResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by partition and result",
		}, []string{"partition", "result"}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Cached entities evicted to free storage",
		}, []string{"resource"}),
	}
}

func (p *Prometheus) RecordSyncDuration(operation string, duration time.Duration) {
	p.syncDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (p *Prometheus) RecordSyncEvents(pushed, pulled int) {
	p.pushed.Add(float64(pushed))
	p.pulled.Add(float64(pulled))
}

func (p *Prometheus) RecordSyncErrors(operation string, errorType string) {
	if errorType == "" {
		errorType = "other"
	}
	p.syncErrors.WithLabelValues(operation, errorType).Inc()
}

func (p *Prometheus) RecordConflicts(resolved int) {
	p.conflicts.Add(float64(resolved))
}

func (p *Prometheus) RecordQueueDepth(priority string, depth int) {
	p.queueDepth.WithLabelValues(priority).Set(float64(depth))
}

func (p *Prometheus) RecordCacheResult(partition string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cacheResults.WithLabelValues(partition, result).Inc()
}

func (p *Prometheus) RecordEviction(resource string) {
	p.evictions.WithLabelValues(resource).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
