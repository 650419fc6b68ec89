package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/guildpoints/pointsd/pkg/logger"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAPIKeyAuth(t *testing.T) {
	auth := NewAPIKeyAuth("secret", []string{"/health"}, logger.Nop())
	h := auth.Handler(okHandler())

	cases := []struct {
		name   string
		path   string
		header string
		query  string
		want   int
	}{
		{"valid header", "/points", "secret", "", http.StatusOK},
		{"valid query", "/points", "", "secret", http.StatusOK},
		{"missing key", "/points", "", "", http.StatusUnauthorized},
		{"wrong key", "/points", "nope", "", http.StatusUnauthorized},
		{"header wins over query", "/points", "secret", "ignored", http.StatusOK},
		{"skip path", "/health", "", "", http.StatusOK},
		{"skip path prefix", "/health/live", "", "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := tc.path
			if tc.query != "" {
				target += "?api_key=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.header != "" {
				req.Header.Set("X-API-Key", tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2, logger.Nop())
	h := rl.Handler(okHandler())

	send := func() int {
		req := httptest.NewRequest(http.MethodGet, "/points", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	if got := send(); got != http.StatusOK {
		t.Fatalf("first request: status = %d", got)
	}
	if got := send(); got != http.StatusOK {
		t.Fatalf("second request within burst: status = %d", got)
	}
	if got := send(); got != http.StatusTooManyRequests {
		t.Fatalf("over burst: status = %d, want 429", got)
	}

	// A different client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/points", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("other client: status = %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	cors := NewCORSMiddleware([]string{"https://app.example.com"})
	h := cors.Handler(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/points", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow-origin = %q", got)
	}

	// Unlisted origins get no CORS headers.
	req = httptest.NewRequest(http.MethodGet, "/points", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("allow-origin = %q, want empty", got)
	}
}
