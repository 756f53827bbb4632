package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors exported by the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ActiveSubscriptions prometheus.Gauge
	Snapshots           prometheus.Counter
	SubscriptionErrors  prometheus.Counter
	StaleDropped        prometheus.Counter
	RequestCounter      *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
}

// New builds the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "leaderboard_active_subscriptions",
			Help: "Number of live leaderboard subscriptions that have delivered data and not yet ended",
		}),
		Snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leaderboard_snapshots_total",
			Help: "Total number of snapshots applied to leaderboard views",
		}),
		SubscriptionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leaderboard_subscription_errors_total",
			Help: "Total number of errors reported by live subscriptions",
		}),
		StaleDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leaderboard_stale_deliveries_total",
			Help: "Deliveries ignored because their subscription was already replaced",
		}),
		RequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"method", "endpoint"},
		),
	}
	reg.MustRegister(
		m.ActiveSubscriptions,
		m.Snapshots,
		m.SubscriptionErrors,
		m.StaleDropped,
		m.RequestCounter,
		m.RequestDuration,
	)
	return m
}

func (m *Metrics) SubscriptionAttached() {
	if m != nil {
		m.ActiveSubscriptions.Inc()
	}
}

func (m *Metrics) SubscriptionDetached() {
	if m != nil {
		m.ActiveSubscriptions.Dec()
	}
}

func (m *Metrics) SnapshotApplied() {
	if m != nil {
		m.Snapshots.Inc()
	}
}

func (m *Metrics) SubscriptionFailed() {
	if m != nil {
		m.SubscriptionErrors.Inc()
	}
}

func (m *Metrics) StaleDelivery() {
	if m != nil {
		m.StaleDropped.Inc()
	}
}

// Middleware records request counts and latencies per route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.RequestCounter.WithLabelValues(
			c.Request.Method,
			endpoint,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
		m.RequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}
