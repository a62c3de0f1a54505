package realtime

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus collectors.
// All methods are safe on a nil receiver so components work without metrics in tests.
type Metrics struct {
	Connections      prometheus.Gauge
	OnlineUsers      prometheus.Gauge
	MessagesCreated  prometheus.Counter
	Transitions      *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	Signals          *prometheus.CounterVec
	RateLimitHits    prometheus.Counter
	HTTPRequests     *prometheus.CounterVec
	HTTPRequestTimes *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg. A nil reg uses a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "parley_ws_connections",
			Help: "Open websocket connections",
		}),
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "parley_online_users",
			Help: "Users with a bound connection",
		}),
		MessagesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "parley_messages_created_total",
			Help: "Total messages stored",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_message_transitions_total",
			Help: "Message status transitions by target status",
		}, []string{"status"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_deliveries_total",
			Help: "Envelope push attempts by result",
		}, []string{"result"}), // "local", "remote", "offline"
		Signals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_signals_total",
			Help: "Call signaling forwards by kind and result",
		}, []string{"kind", "result"}),
		RateLimitHits: f.NewCounter(prometheus.CounterOpts{
			Name: "parley_ws_rate_limit_hits_total",
			Help: "Websocket events rejected by the rate limiter",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestTimes: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parley_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) setOnline(n int) {
	if m != nil {
		m.OnlineUsers.Set(float64(n))
	}
}

func (m *Metrics) messageCreated() {
	if m != nil {
		m.MessagesCreated.Inc()
	}
}

func (m *Metrics) transition(to Status) {
	if m != nil {
		m.Transitions.WithLabelValues(string(to)).Inc()
	}
}

func (m *Metrics) transitions(to Status, n int64) {
	if m != nil && n > 0 {
		m.Transitions.WithLabelValues(string(to)).Add(float64(n))
	}
}

func (m *Metrics) delivery(result string) {
	if m != nil {
		m.Deliveries.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) signal(kind string, delivered bool) {
	if m == nil {
		return
	}
	result := "dropped"
	if delivered {
		result = "delivered"
	}
	m.Signals.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) rateLimited() {
	if m != nil {
		m.RateLimitHits.Inc()
	}
}

// ObserveHTTP records one finished HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestTimes.WithLabelValues(method, route).Observe(d.Seconds())
}
