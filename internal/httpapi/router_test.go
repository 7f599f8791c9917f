package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	r := New(&Config{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestMetricsEndpointMounts(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("metric_total 1"))
	})
	r := New(&Config{MetricsHandler: handler})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "metric_total") {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimitRejectsBeyondBurst(t *testing.T) {
	r := New(&Config{RateLimitPerSecond: 0.001, RateLimitBurst: 2})

	get := func() int {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Real-Ip", "203.0.113.9")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := get(); got != http.StatusOK {
		t.Fatalf("first request: %d", got)
	}
	if got := get(); got != http.StatusOK {
		t.Fatalf("second request: %d", got)
	}
	if got := get(); got != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", got)
	}
}

func TestRateLimiterCloseStopsEviction(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	limiter.Close()
	select {
	case <-limiter.stop:
	default:
		t.Fatal("stop channel still open after Close")
	}
	if !limiter.Allow("10.0.0.3") {
		t.Fatal("closed limiter should still admit requests")
	}
}

func TestRateLimitIsolatesClients(t *testing.T) {
	limiter := NewRateLimiter(0.001, 1)
	if !limiter.Allow("10.0.0.1") {
		t.Fatal("first request from first client should pass")
	}
	if limiter.Allow("10.0.0.1") {
		t.Fatal("second request from first client should be limited")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Fatal("other clients have their own budget")
	}
}
