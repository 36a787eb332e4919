package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistered(t *testing.T) {
	PipelineTotal.WithLabelValues("query", "hashing", "ok").Inc()
	StageDuration.WithLabelValues("embed").Observe(0.01)
	RetrievedHits.Observe(3)
	RequestsTotal.WithLabelValues("GET", "GET /healthz", "2xx").Inc()
	RequestDuration.WithLabelValues("GET", "GET /healthz").Observe(0.001)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("unexpected gather error: %v", err)
	}
	expected := map[string]bool{
		"rag_http_requests_total":           false,
		"rag_http_request_duration_seconds": false,
		"rag_pipeline_total":                false,
		"rag_stage_duration_seconds":        false,
		"rag_retrieved_hits":                false,
	}
	for _, mf := range families {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("metric %s not found", name)
		}
	}
}

func TestMetricsMiddlewareRecordsRouteAndStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := MetricsMiddleware(mux)

	counter := RequestsTotal.WithLabelValues("GET", "GET /items/{id}", "4xx")
	before := testutil.ToFloat64(counter)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/7", nil))
		if rec.Code != http.StatusTeapot {
			t.Fatalf("status = %d", rec.Code)
		}
	}
	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Fatalf("counter delta = %v", got)
	}

	unmatched := RequestsTotal.WithLabelValues("GET", "unmatched", "4xx")
	before = testutil.ToFloat64(unmatched)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	if got := testutil.ToFloat64(unmatched) - before; got != 1 {
		t.Fatalf("unmatched delta = %v", got)
	}
}
