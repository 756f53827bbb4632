package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSubscriptionGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SubscriptionAttached()
	m.SubscriptionAttached()
	m.SubscriptionDetached()
	m.SnapshotApplied()

	if got := testutil.ToFloat64(m.ActiveSubscriptions); got != 1 {
		t.Fatalf("expected 1 active subscription, got %v", got)
	}
	if got := testutil.ToFloat64(m.Snapshots); got != 1 {
		t.Fatalf("expected 1 snapshot, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SubscriptionAttached()
	m.SubscriptionFailed()
	m.StaleDelivery()
}

func TestMiddlewareCountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New(prometheus.NewRegistry())

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if got := testutil.ToFloat64(m.RequestCounter.WithLabelValues("GET", "/ping", "200")); got != 1 {
		t.Fatalf("expected request counted once, got %v", got)
	}
}
