package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveConnections  prometheus.Gauge
	ConnectionEvents   *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	Operations         *prometheus.CounterVec
	OperationLatency   *prometheus.HistogramVec
	Deliveries         *prometheus.CounterVec
	DroppedDeliveries  prometheus.Counter
	DigestsSent        prometheus.Counter
	RateLimitedClients prometheus.Counter

	window *OpWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of live client connections.",
		}),
		ConnectionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Connection lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and task.",
		}, []string{"direction", "task"}),
		Operations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Dispatched operations by name and outcome.",
		}, []string{"op", "outcome"}),
		OperationLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_ms",
			Help:      "Operation handling latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"op"}),
		Deliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Message deliveries by decided mode.",
		}, []string{"mode"}),
		DroppedDeliveries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_deliveries_total",
			Help:      "Deliveries dropped because a connection mailbox was full.",
		}),
		DigestsSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "digests_sent_total",
			Help:      "Digest entries handed to the sender.",
		}),
		RateLimitedClients: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_operations_total",
			Help:      "Client operations rejected by the per-connection limiter.",
		}),
		window: NewOpWindow(256),
	}
}

func (m *Metrics) ObserveOperation(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.Operations.WithLabelValues(op, outcome).Inc()
	m.OperationLatency.WithLabelValues(op).Observe(ms)
	m.window.Observe(op, ms)
	m.window.ObserveOutcome(outcome)
}

func (m *Metrics) ObserveDelivery(mode string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(mode).Inc()
}

func (m *Metrics) ObserveDroppedDelivery() {
	if m == nil {
		return
	}
	m.DroppedDeliveries.Inc()
}

func (m *Metrics) SetActiveConnections(n int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(n))
}

func (m *Metrics) ObserveConnectionEvent(event string) {
	if m == nil {
		return
	}
	m.ConnectionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, task string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, task).Inc()
}

func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedClients.Inc()
}

func (m *Metrics) ObserveDigestSent() {
	if m == nil {
		return
	}
	m.DigestsSent.Inc()
}

// OperationSnapshot returns recent per-operation latency statistics.
func (m *Metrics) OperationSnapshot() OpSnapshot {
	if m == nil {
		return OpSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.window.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
