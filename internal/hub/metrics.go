package hub

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the hub's Prometheus collectors. A nil *Metrics is valid
// and turns every observation into a no-op.
type Metrics struct {
	clients        prometheus.Gauge
	messagesSent   *prometheus.CounterVec
	broadcastDrops prometheus.Counter
	storeErrors    prometheus.Counter
}

// NewMetrics registers the hub collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexus",
			Name:      "ws_clients",
			Help:      "Current connected WebSocket clients",
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "messages_sent_total",
			Help:      "Broadcast payloads delivered to client send queues",
		}, []string{"tag"}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "broadcast_drops_total",
			Help:      "Broadcast payloads dropped due to slow clients",
		}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "store_errors_total",
			Help:      "Persistent store operations that failed",
		}),
	}
	reg.MustRegister(m.clients, m.messagesSent, m.broadcastDrops, m.storeErrors)
	return m
}

func (m *Metrics) IncClients(delta float64) {
	if m == nil {
		return
	}
	m.clients.Add(delta)
}

func (m *Metrics) IncSent(tag string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(tag).Inc()
}

func (m *Metrics) IncDrops() {
	if m == nil {
		return
	}
	m.broadcastDrops.Inc()
}

func (m *Metrics) IncStoreErrors() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}
