package broker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gridware/telecore/metric"
)

// Metrics holds the broker's Prometheus metrics.
type Metrics struct {
	ClientsConnected prometheus.Gauge
	MessagesReceived *prometheus.CounterVec
	MessagesPushed   *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		ClientsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "telecore",
				Subsystem: "broker",
				Name:      "clients_connected",
				Help:      "Currently connected websocket clients",
			},
		),
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telecore",
				Subsystem: "broker",
				Name:      "messages_received_total",
				Help:      "Inbound client messages by type",
			},
			[]string{"type"},
		),
		MessagesPushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telecore",
				Subsystem: "broker",
				Name:      "messages_pushed_total",
				Help:      "Outbound pushes by type",
			},
			[]string{"type"},
		),
	}

	_ = registry.Register("broker", "clients_connected", m.ClientsConnected)
	_ = registry.Register("broker", "messages_received_total", m.MessagesReceived)
	_ = registry.Register("broker", "messages_pushed_total", m.MessagesPushed)
	return m
}

func (m *Metrics) connected(count int) {
	m.ClientsConnected.Set(float64(count))
}

func (m *Metrics) received(msgType string) {
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) pushed(msgType string) {
	m.MessagesPushed.WithLabelValues(msgType).Inc()
}
