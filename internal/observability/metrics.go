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
	ActiveSessions  prometheus.Gauge
	Operations      *prometheus.CounterVec
	Retries         *prometheus.CounterVec
	Refreshes       *prometheus.CounterVec
	Notifications   *prometheus.CounterVec
	SearchOverfetch prometheus.Histogram
	WSMessages      *prometheus.CounterVec

	latency *operationWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "1 while the local player is in a lobby session.",
		}),
		Operations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lobby_operations_total",
			Help:      "Coordinator operations by operation and status.",
		}, []string{"op", "status"}),
		Retries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lobby_retries_total",
			Help:      "Internal retries by reason.",
		}, []string{"reason"}),
		Refreshes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lobby_refreshes_total",
			Help:      "Notification-driven refreshes by outcome.",
		}, []string{"outcome"}),
		Notifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lobby_notifications_total",
			Help:      "Backend notifications routed to the coordinator by kind.",
		}, []string{"kind"}),
		SearchOverfetch: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lobby_search_overfetch_ratio",
			Help:      "Raw results requested from the backend per result asked for.",
			Buckets:   []float64{1, 2, 3, 5, 10, 25, 50},
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		latency: newOperationWindow(256),
	}
}

// ObserveOperation counts op with its status and records its latency.
func (m *Metrics) ObserveOperation(op, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, status).Inc()
	m.latency.Observe(op, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveRetry(reason string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(reason).Inc()
	m.latency.ObserveIndicator("retry_" + reason)
}

func (m *Metrics) ObserveRefresh(outcome string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveNotification(kind string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveSearch(requested, raw int) {
	if m == nil || requested <= 0 {
		return
	}
	m.SearchOverfetch.Observe(float64(raw) / float64(requested))
}

func (m *Metrics) SetInSession(in bool) {
	if m == nil {
		return
	}
	if in {
		m.ActiveSessions.Set(1)
		return
	}
	m.ActiveSessions.Set(0)
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return newOperationWindow(1).Snapshot()
	}
	return m.latency.Snapshot()
}

func (m *Metrics) ResetLatency() {
	if m == nil {
		return
	}
	m.latency.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
