package ratelimit

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dkrall/relaycore/internal/config"
	"github.com/dkrall/relaycore/internal/metrics"
)

func init() {
	metrics.Init()
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func newTestLimiter(t *testing.T, rps float64, burst int, trusted []string) *Limiter {
	t.Helper()
	l := New(config.RateLimitConfig{RequestsPerSecond: rps, BurstSize: burst}, trusted, slog.Default())
	t.Cleanup(l.Stop)
	return l
}

func TestLimiter_AllowsUpToBurst(t *testing.T) {
	limiter := newTestLimiter(t, 10, 5, nil)
	handler := limiter.Middleware()(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/relay/orders/items", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestLimiter_BlocksAfterBurst(t *testing.T) {
	limiter := newTestLimiter(t, 1, 2, nil)
	handler := limiter.Middleware()(okHandler())

	var lastCode int
	var lastRec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/relay/orders/items", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		lastRec = httptest.NewRecorder()
		handler.ServeHTTP(lastRec, req)
		lastCode = lastRec.Code
	}

	if lastCode != http.StatusTooManyRequests {
		t.Errorf("third request: expected 429, got %d", lastCode)
	}
	if lastRec.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
}

func TestLimiter_SeparateBucketsPerIP(t *testing.T) {
	limiter := newTestLimiter(t, 1, 1, nil)
	handler := limiter.Middleware()(okHandler())

	// Exhaust the first client's bucket.
	req := httptest.NewRequest("GET", "/relay/orders/x", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("first client: expected 429, got %d", rec.Code)
	}

	// A different client is unaffected.
	req2 := httptest.NewRequest("GET", "/relay/orders/x", nil)
	req2.RemoteAddr = "10.0.0.2:12345"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Errorf("second client: expected 200, got %d", rec2.Code)
	}
}

func TestLimiter_XFFOnlyTrustedFromProxies(t *testing.T) {
	limiter := newTestLimiter(t, 1, 1, []string{"10.0.0.0/8"})
	handler := limiter.Middleware()(okHandler())

	// Trusted peer: XFF client IP is used, so two different forwarded
	// clients get separate buckets.
	req := httptest.NewRequest("GET", "/relay/orders/x", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	req2 := httptest.NewRequest("GET", "/relay/orders/x", nil)
	req2.RemoteAddr = "10.0.0.1:12345"
	req2.Header.Set("X-Forwarded-For", "203.0.113.8")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Errorf("different forwarded client: expected 200, got %d", rec2.Code)
	}

	// Untrusted peer: XFF is ignored, both requests share the peer bucket.
	req3 := httptest.NewRequest("GET", "/relay/orders/x", nil)
	req3.RemoteAddr = "198.51.100.1:12345"
	req3.Header.Set("X-Forwarded-For", "203.0.113.9")
	handler.ServeHTTP(httptest.NewRecorder(), req3)

	req4 := httptest.NewRequest("GET", "/relay/orders/x", nil)
	req4.RemoteAddr = "198.51.100.1:12345"
	req4.Header.Set("X-Forwarded-For", "203.0.113.10")
	rec4 := httptest.NewRecorder()
	handler.ServeHTTP(rec4, req4)
	if rec4.Code != http.StatusTooManyRequests {
		t.Errorf("untrusted XFF: expected shared bucket 429, got %d", rec4.Code)
	}
}

func TestLimiter_UpdateConfigResetsBuckets(t *testing.T) {
	limiter := newTestLimiter(t, 1, 1, nil)
	handler := limiter.Middleware()(okHandler())

	req := httptest.NewRequest("GET", "/relay/orders/x", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 before update, got %d", rec.Code)
	}

	limiter.UpdateConfig(config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 50})

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 after limit increase, got %d", rec.Code)
	}
}

func TestUpstreamLabel(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/relay/orders/items", "orders"},
		{"/relay/orders", "orders"},
		{"/relay/", "none"},
		{"/healthz", "none"},
		{"/", "none"},
	}
	for _, tc := range cases {
		if got := upstreamLabel(tc.path); got != tc.want {
			t.Errorf("upstreamLabel(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}
