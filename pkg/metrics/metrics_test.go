package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.OversellFaults.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.OversellFaults))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.OversellFaults))
}

func TestMetrics_HandlerExposesCounters(t *testing.T) {
	m := New()
	m.ObserveHTTP(http.MethodPost, "/api/payment/webhook", http.StatusOK, 12*time.Millisecond)
	m.CheckoutOutcomes.WithLabelValues("created").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `storefront_http_requests_total{method="POST",route="/api/payment/webhook",status="200"} 1`)
	assert.Contains(t, body, `storefront_checkout_intents_total{outcome="created"} 1`)
}
