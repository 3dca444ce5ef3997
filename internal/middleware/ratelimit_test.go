package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeCounter struct {
	counts map[string]int64
	err    error
}

func (f *fakeCounter) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeCounter) Ping(context.Context) error { return f.err }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitEnforced(t *testing.T) {
	counter := &fakeCounter{counts: make(map[string]int64)}
	handler := NewRateLimit(counter, 2).Limit(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("retry-after = %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimitKeyedByUser(t *testing.T) {
	counter := &fakeCounter{counts: make(map[string]int64)}
	handler := NewRateLimit(counter, 1).Limit(okHandler())

	for _, user := range []string{"u1", "u2"} {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
		req = req.WithContext(ContextWithIdentity(req.Context(), user, "USER"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("user %s: status = %d, limits must be per caller", user, rec.Code)
		}
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	counter := &fakeCounter{err: errors.New("redis down")}
	handler := NewRateLimit(counter, 1).Limit(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("counter outage must not block traffic, status = %d", rec.Code)
		}
	}
}

func TestRateLimitDisabledWithoutCache(t *testing.T) {
	handler := NewRateLimit(nil, 1).Limit(okHandler())
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("nil cache must disable limiting, status = %d", rec.Code)
		}
	}
}
