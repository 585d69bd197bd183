package security

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_SecurityHeaders(t *testing.T) {
	rl := NewRateLimiter(10, time.Minute)
	defer rl.Stop()
	handler := Middleware(rl, nil, false)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.RemoteAddr = "192.168.1.1:12345"
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	expectedHeaders := map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	}

	for header, expected := range expectedHeaders {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestMiddleware_RateLimit(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()
	handler := Middleware(rl, nil, false)(okHandler())

	for i := range 2 {
		req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("request %d: expected status 200, got %d", i+1, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.RemoteAddr = "192.168.1.1:12345"
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", w.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("rate limit body is not JSON: %v", err)
	}
	if body["message"] != "rate limit exceeded" {
		t.Errorf("message = %q", body["message"])
	}
}

func TestMiddleware_RateLimitBehindProxy(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()
	handler := Middleware(rl, nil, true)(okHandler())

	post := func(forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
		req.RemoteAddr = "127.0.0.1:12345"
		req.Header.Set("X-Forwarded-For", forwarded)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	if code := post("203.0.113.1"); code != http.StatusOK {
		t.Fatalf("first sender: status = %d", code)
	}
	if code := post("203.0.113.2"); code != http.StatusOK {
		t.Errorf("second sender behind the same proxy: status = %d, want 200", code)
	}
	if code := post("203.0.113.1"); code != http.StatusTooManyRequests {
		t.Errorf("first sender again: status = %d, want 429", code)
	}
}

func TestMiddleware_SourceFilter(t *testing.T) {
	sources, err := NewSourceValidator([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("NewSourceValidator() error = %v", err)
	}
	handler := Middleware(nil, sources, false)(okHandler())

	tests := []struct {
		remote string
		want   int
	}{
		{remote: "10.1.2.3:4000", want: http.StatusOK},
		{remote: "192.168.1.1:4000", want: http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
		req.RemoteAddr = tt.remote
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.remote, w.Code, tt.want)
		}
	}
}

func TestMiddleware_PanicRecovery(t *testing.T) {
	handler := Middleware(nil, nil, false)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.RemoteAddr = "192.168.1.1:12345"
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}
