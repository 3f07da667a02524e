package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimit_Disabled(t *testing.T) {
	t.Parallel()
	mw := RateLimit(context.Background(), 0)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/upload", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	t.Parallel()
	mw := RateLimit(t.Context(), 10)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	// First request should always be allowed (burst=rps=10).
	req := httptest.NewRequest(http.MethodPost, "/upload", nil)
	req.RemoteAddr = "1.2.3.4:5678"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestRateLimit_BlocksOverLimit(t *testing.T) {
	t.Parallel()
	// rps=1, burst=1: second request from same IP should be blocked.
	mw := RateLimit(t.Context(), 1)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/transcribe/a.wav", nil)
		req.RemoteAddr = "5.6.7.8:1234"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	// First request: allowed (consumes the burst token).
	if rr := send(); rr.Code != http.StatusOK {
		t.Errorf("first request: status = %d, want 200", rr.Code)
	}
	// Second request immediately after: blocked.
	rr := send()
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
}

func TestRateLimit_OnlyAppliesTo_Submissions(t *testing.T) {
	t.Parallel()
	// rps=1, but reads and deletes are never rate limited.
	mw := RateLimit(t.Context(), 1)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		method, path := http.MethodGet, "/files"
		if i%2 == 1 {
			method, path = http.MethodDelete, "/files/a.wav"
		}
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = "9.9.9.9:9999"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("%s request %d: status = %d, want 200", method, i+1, rr.Code)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote, forwarded, want string
	}{
		{"1.2.3.4:5678", "", "1.2.3.4"},
		{"[::1]:8000", "", "::1"},
		{"1.2.3.4:5678", "9.8.7.6, 10.0.0.1", "9.8.7.6"},
		{"unix", "", "unix"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if tt.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tt.forwarded)
		}
		if got := clientIP(req); got != tt.want {
			t.Errorf("clientIP(%q, %q) = %q, want %q", tt.remote, tt.forwarded, got, tt.want)
		}
	}
}
