package task

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the executor's Prometheus instruments. A nil *Metrics records
// nothing.
type Metrics struct {
	attempts  *prometheus.CounterVec
	outcomes  *prometheus.CounterVec
	cacheHits *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewMetrics registers the executor instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "healthreport",
			Subsystem: "task",
			Name:      "attempts_total",
			Help:      "Task attempts, including cache hits and retries.",
		}, []string{"task"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "healthreport",
			Subsystem: "task",
			Name:      "outcomes_total",
			Help:      "Terminal task outcomes by status and error kind.",
		}, []string{"task", "status", "kind"}),
		cacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "healthreport",
			Subsystem: "task",
			Name:      "cache_hits_total",
			Help:      "Tasks served from the fingerprint cache.",
		}, []string{"task"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "healthreport",
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Wall time from task start to terminal outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 9),
		}, []string{"task"}),
	}
}

func (m *Metrics) attempt(task string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(task).Inc()
}

func (m *Metrics) observe(task string, status Status, kind string, fromCache bool, d time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(task, status.String(), kind).Inc()
	if fromCache {
		m.cacheHits.WithLabelValues(task).Inc()
	}
	m.duration.WithLabelValues(task).Observe(d.Seconds())
}
