package dispatch

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gridware/telecore/metric"
)

// Metrics holds the dispatcher's Prometheus metrics.
type Metrics struct {
	CommandsTotal *prometheus.CounterVec
	ExecDuration  prometheus.Histogram
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telecore",
				Subsystem: "dispatch",
				Name:      "commands_total",
				Help:      "Dispatched commands by queue and result",
			},
			[]string{"channel", "type", "result"},
		),
		ExecDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "telecore",
				Subsystem: "dispatch",
				Name:      "exec_duration_seconds",
				Help:      "Adapter execution duration",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	_ = registry.Register("dispatch", "commands_total", m.CommandsTotal)
	_ = registry.Register("dispatch", "exec_duration_seconds", m.ExecDuration)
	return m
}

func (m *Metrics) recordDispatch(q Queue, result string) {
	m.CommandsTotal.WithLabelValues(strconv.Itoa(q.ChannelID), string(q.Type), result).Inc()
}

func (m *Metrics) recordExec(d time.Duration) {
	m.ExecDuration.Observe(d.Seconds())
}
