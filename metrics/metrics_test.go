package metrics_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/registration-engine/engine"
	"github.com/warp/registration-engine/metrics"
)

func TestMetrics_CountsEvents(t *testing.T) {
	m := metrics.New()
	ctx := context.Background()

	require.NoError(t, m.Notify(ctx, engine.Event{Type: engine.EventHoldExpired}))
	require.NoError(t, m.Notify(ctx, engine.Event{Type: engine.EventHoldExpired}))
	require.NoError(t, m.Notify(ctx, engine.Event{Type: engine.EventInvoiceRefunded, Amount: "12.50"}))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("hold.expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("invoice.refunded")))
	assert.Equal(t, 12.5, testutil.ToFloat64(m.RefundedAmount))
}

func TestMetrics_MiddlewareUsesRoutePattern(t *testing.T) {
	// GIVEN: A chi route with a path parameter
	// WHEN: Two different holds are fetched
	// THEN: Both are counted under the pattern, not the raw path

	m := metrics.New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/holds/{id}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) })
	r.Handle("/metrics", m.Handler())

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/holds/"+id, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/holds/{id}", "404")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "registration_http_requests_total")
}
