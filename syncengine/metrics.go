package syncengine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gridware/telecore/metric"
)

// Metrics holds the sync engine's Prometheus metrics.
type Metrics struct {
	SyncsTotal   *prometheus.CounterVec
	PassDuration prometheus.Histogram
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		SyncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telecore",
				Subsystem: "sync",
				Name:      "rules_total",
				Help:      "Sync rule applications by rule and result",
			},
			[]string{"rule_id", "result"},
		),
		PassDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "telecore",
				Subsystem: "sync",
				Name:      "pass_duration_seconds",
				Help:      "Duration of a full sync pass",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	_ = registry.Register("syncengine", "rules_total", m.SyncsTotal)
	_ = registry.Register("syncengine", "pass_duration_seconds", m.PassDuration)
	return m
}

func (m *Metrics) recordSync(ruleID, result string) {
	m.SyncsTotal.WithLabelValues(ruleID, result).Inc()
}

func (m *Metrics) recordPass(d time.Duration) {
	m.PassDuration.Observe(d.Seconds())
}
