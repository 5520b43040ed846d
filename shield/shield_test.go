package shield

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/abdom/kit"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func ok(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(DefaultHeaders())(http.HandlerFunc(ok))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Cache-Control":           "no-store",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}

	rec = httptest.NewRecorder()
	SecurityHeaders(HeaderConfig{XFrameOptions: "SAMEORIGIN"})(http.HandlerFunc(ok)).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("Content-Security-Policy") != "" {
		t.Error("empty CSP still set")
	}
}

func TestHeadToGet(t *testing.T) {
	var method string
	h := HeadToGet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { method = r.Method }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodHead, "/healthz", nil))
	if method != http.MethodGet {
		t.Errorf("method = %s", method)
	}
}

func TestMaxBody(t *testing.T) {
	var readErr error
	h := MaxBody(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("12345")))
	if readErr == nil {
		t.Error("body over limit read without error")
	}

	h = MaxBody(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("12345")))
	if readErr != nil {
		t.Errorf("unlimited read: %v", readErr)
	}
}

func TestRequestID(t *testing.T) {
	var ctxID string
	var logger *slog.Logger
	h := RequestID(quiet)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = kit.GetRequestID(r.Context())
		logger = GetLogger(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "req_abc")
	h.ServeHTTP(rec, req)
	if ctxID != "req_abc" || rec.Header().Get("X-Request-Id") != "req_abc" {
		t.Errorf("kept id: ctx %q header %q", ctxID, rec.Header().Get("X-Request-Id"))
	}
	if logger == nil || logger == slog.Default() {
		t.Error("per-request logger not set")
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "bad id\n")
	h.ServeHTTP(rec, req)
	if !strings.HasPrefix(ctxID, "req_") || ctxID == "bad id\n" || rec.Header().Get("X-Request-Id") != ctxID {
		t.Errorf("replaced id: ctx %q header %q", ctxID, rec.Header().Get("X-Request-Id"))
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(Rate{Requests: 2, Window: time.Minute}, quiet, "/healthz")
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }
	h := rl.Middleware(http.HandlerFunc(ok))

	do := func(path, ip string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = ip + ":5000"
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do("/v1/preview", "1.2.3.4"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i+1, rec.Code)
		}
	}
	rec := do("/v1/preview", "1.2.3.4")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over limit: %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "30" || !strings.Contains(rec.Body.String(), "rate limit exceeded") {
		t.Errorf("429 response: %v %s", rec.Header(), rec.Body.String())
	}
	if rec := do("/v1/preview", "5.6.7.8"); rec.Code != http.StatusOK {
		t.Errorf("other client limited: %d", rec.Code)
	}
	if rec := do("/healthz", "1.2.3.4"); rec.Code != http.StatusOK {
		t.Errorf("exempt path limited: %d", rec.Code)
	}

	now = now.Add(time.Minute + time.Second)
	if rec := do("/v1/preview", "1.2.3.4"); rec.Code != http.StatusOK {
		t.Errorf("after window: %d", rec.Code)
	}
	now = now.Add(2 * time.Minute)
	rl.gc()
	if rl.Len() != 0 {
		t.Errorf("buckets after gc = %d", rl.Len())
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if got := ExtractIP(req); got != "10.0.0.1" {
		t.Errorf("RemoteAddr: %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := ExtractIP(req); got != "203.0.113.7" {
		t.Errorf("X-Forwarded-For: %q", got)
	}
}

func TestStack(t *testing.T) {
	stack, rl := Stack(Config{})
	if len(stack) != 4 || rl != nil {
		t.Errorf("no rate: %d middleware, limiter %v", len(stack), rl)
	}
	stack, rl = Stack(Config{Rate: Rate{Requests: 1, Window: time.Second}, Logger: quiet})
	if len(stack) != 5 || rl == nil {
		t.Errorf("with rate: %d middleware, limiter %v", len(stack), rl)
	}
}
