package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/health-report/internal/model"
)

// Metrics are the run-level Prometheus instruments. A nil *Metrics records
// nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	branches *prometheus.CounterVec
	duration prometheus.Histogram
	items    *prometheus.CounterVec
	lastRun  prometheus.Gauge
}

// NewMetrics registers the run instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "healthreport",
			Subsystem: "run",
			Name:      "total",
			Help:      "Finished runs by status.",
		}, []string{"status"}),
		branches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "healthreport",
			Subsystem: "branch",
			Name:      "outcomes_total",
			Help:      "Branch outcomes as seen by the join.",
		}, []string{"branch", "outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "healthreport",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall time of a run from start to report.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		items: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "healthreport",
			Subsystem: "news",
			Name:      "items_total",
			Help:      "Curated news items by verdict.",
		}, []string{"verdict"}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "healthreport",
			Subsystem: "run",
			Name:      "last_completed_timestamp_seconds",
			Help:      "Unix time of the last run that produced a report.",
		}),
	}
}

func (m *Metrics) observe(r *model.RunReport, merged Merged) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(r.Status)).Inc()
	m.duration.Observe(r.Duration.Seconds())
	m.branches.WithLabelValues(model.BranchDataset, slotOutcome(merged.Dataset != nil)).Inc()
	m.branches.WithLabelValues(model.BranchNews, slotOutcome(merged.News != nil)).Inc()
	if r.News != nil {
		m.items.WithLabelValues(string(model.VerdictRelevant)).Add(float64(r.News.Relevant))
		m.items.WithLabelValues(string(model.VerdictRejected)).Add(float64(r.News.Rejected))
		m.items.WithLabelValues(string(model.VerdictUnevaluated)).Add(float64(r.News.Unevaluated))
	}
	if r.Artifact != "" {
		m.lastRun.Set(float64(time.Now().Unix()))
	}
}

func slotOutcome(present bool) string {
	if present {
		return "delivered"
	}
	return "missing"
}
