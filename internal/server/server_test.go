package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vidgate/internal/api"
	"vidgate/internal/observability/metrics"
)

func newTestServer(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	handler := api.NewHandler(nil, nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	srv, err := New(handler, nil, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv.httpServer.Handler
}

func TestNewRequiresHandler(t *testing.T) {
	if _, err := New(nil, nil, Config{}); err == nil {
		t.Fatal("expected an error without an api handler")
	}
}

func TestHealthRoute(t *testing.T) {
	chain := newTestServer(t, Config{})
	recorder := httptest.NewRecorder()
	chain.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestMetricsRoute(t *testing.T) {
	chain := newTestServer(t, Config{})
	recorder := httptest.NewRecorder()
	chain.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "vidgate_") {
		t.Fatal("expected vidgate metric families in the exposition")
	}
}

func TestUploadsRootRejectsGet(t *testing.T) {
	chain := newTestServer(t, Config{})
	recorder := httptest.NewRecorder()
	chain.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/uploads", nil))

	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", recorder.Code)
	}
	if recorder.Header().Get("Allow") != "POST" {
		t.Fatalf("expected Allow: POST, got %q", recorder.Header().Get("Allow"))
	}
}

func TestRequestIDIsIssuedAndEchoed(t *testing.T) {
	chain := newTestServer(t, Config{})

	recorder := httptest.NewRecorder()
	chain.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a generated request id")
	}

	recorder = httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	request.Header.Set("X-Request-Id", "req-supplied")
	chain.ServeHTTP(recorder, request)
	if recorder.Header().Get("X-Request-Id") != "req-supplied" {
		t.Fatalf("expected the supplied request id echoed, got %q", recorder.Header().Get("X-Request-Id"))
	}
}

func TestGlobalRateLimitReturns429(t *testing.T) {
	chain := newTestServer(t, Config{
		RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1},
	})

	first := httptest.NewRecorder()
	chain.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	chain.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After: 1, got %q", second.Header().Get("Retry-After"))
	}
	var body map[string]interface{}
	if err := json.Unmarshal(second.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "rate_limited" || body["retryAfter"] != float64(1) {
		t.Fatalf("unexpected limit body: %v", body)
	}
}

func TestRateLimitDisabledByDefault(t *testing.T) {
	chain := newTestServer(t, Config{})
	for i := 0; i < 20; i++ {
		recorder := httptest.NewRecorder()
		chain.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if recorder.Code != http.StatusOK {
			t.Fatalf("request %d unexpectedly limited: %d", i, recorder.Code)
		}
	}
}

func TestTokenBucketRefills(t *testing.T) {
	bucket := newTokenBucket(100, 1)
	if !bucket.Allow() {
		t.Fatal("first request should pass")
	}
	if bucket.Allow() {
		t.Fatal("burst of one should exhaust the bucket")
	}
	time.Sleep(25 * time.Millisecond)
	if !bucket.Allow() {
		t.Fatal("bucket should refill at 100 rps")
	}
}

func TestRequestIDGeneratorFallback(t *testing.T) {
	var handlerSawID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerSawID = w.Header().Get("X-Request-Id")
	})
	chain := requestIDMiddlewareWithGenerator(slog.New(slog.NewTextHandler(io.Discard, nil)), func() string { return "generated-1" }, next)

	recorder := httptest.NewRecorder()
	chain.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/videos", nil))
	if handlerSawID != "generated-1" {
		t.Fatalf("expected the injected generator to supply the id, got %q", handlerSawID)
	}
}
