package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shuttlechat/cmd/internal/chat"
)

// Metrics owns the process-wide Prometheus registry and the messaging
// collectors exposed on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	MessagesSent      prometheus.Counter
	MessagesDelivered prometheus.Counter
	MessagesRead      prometheus.Counter
	WSConnections     prometheus.Gauge
	OnlineUsers       prometheus.Gauge
}

// NewMetrics constructs and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shuttlechat",
			Subsystem: "chat",
			Name:      "messages_sent_total",
			Help:      "Messages accepted and persisted by the pipeline.",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shuttlechat",
			Subsystem: "chat",
			Name:      "messages_delivered_total",
			Help:      "Delivered-state transitions (stamps, not pushes).",
		}),
		MessagesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shuttlechat",
			Subsystem: "chat",
			Name:      "messages_read_total",
			Help:      "Read-state transitions.",
		}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shuttlechat",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Currently open websocket sessions.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shuttlechat",
			Subsystem: "presence",
			Name:      "online_users",
			Help:      "Users with at least one registered connection on this node.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MessagesSent,
		m.MessagesDelivered,
		m.MessagesRead,
		m.WSConnections,
		m.OnlineUsers,
	)
	return m
}

// Handler serves the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ChatMetrics exposes the pipeline counters in the chat package's shape.
func (m *Metrics) ChatMetrics() *chat.Metrics {
	return &chat.Metrics{
		Sent:      m.MessagesSent,
		Delivered: m.MessagesDelivered,
		Read:      m.MessagesRead,
	}
}
