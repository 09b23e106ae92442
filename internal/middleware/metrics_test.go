package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/watertrack/internal/metrics"
)

type recordedRequest struct {
	method string
	route  string
	status int
}

type recordingCollector struct {
	metrics.NopCollector
	mu       sync.Mutex
	requests []recordedRequest
}

func (c *recordingCollector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, recordedRequest{method, route, status})
}

func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	collector := &recordingCollector{}
	r := chi.NewRouter()
	r.Use(NewMetricsMiddleware(collector))
	r.Delete("/track/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/track/3f1c2a8e-0000-4000-8000-000000000001", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	if len(collector.requests) != 2 {
		t.Fatalf("recorded %d requests, want 2", len(collector.requests))
	}
	want := recordedRequest{http.MethodDelete, "/track/{id}", http.StatusNotFound}
	if collector.requests[0] != want {
		t.Errorf("requests[0] = %+v, want %+v", collector.requests[0], want)
	}
	if collector.requests[1].route != unmatchedRoute || collector.requests[1].status != http.StatusNotFound {
		t.Errorf("requests[1] = %+v, want unmatched 404", collector.requests[1])
	}
}

func TestMetricsMiddleware_NilCollector(t *testing.T) {
	handler := NewMetricsMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}
