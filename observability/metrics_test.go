package observability

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAPIMetricsObserve(t *testing.T) {
	m := API()
	m.Observe("/api/v1/status", http.MethodGet, http.StatusOK, 5*time.Millisecond)
	m.Observe("/api/v1/evidence", http.MethodPost, http.StatusUnprocessableEntity, time.Millisecond)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("/api/v1/status", http.MethodGet, "success")); got != 1 {
		t.Fatalf("expected one successful request, got %v", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("/api/v1/evidence", http.MethodPost, "422")); got != 1 {
		t.Fatalf("expected one error, got %v", got)
	}

	var nilMetrics *APIMetrics
	nilMetrics.Observe("x", "GET", 500, 0)
}
