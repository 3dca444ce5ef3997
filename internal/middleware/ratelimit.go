package middleware

import (
	"net/http"
	"strconv"
	"time"

	"modelforge/internal/cache"
)

const defaultRequestsPerMinute = 60

// RateLimit provides a sliding-window limit via Redis counters, keyed by the
// authenticated user when present and the remote address otherwise. Redis
// being down fails open: blocking all traffic is worse than not limiting.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int
}

// NewRateLimit creates the middleware; a nil cache disables limiting.
func NewRateLimit(c cache.Cache, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{cache: c, requestsPerMin: requestsPerMin}
}

func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.cache == nil {
			next.ServeHTTP(w, r)
			return
		}
		identity := UserIDFromContext(r.Context())
		if identity == "" {
			identity = r.RemoteAddr
		}

		count, err := rl.cache.IncrWithExpiry(r.Context(), cache.RateLimitKey(identity), time.Minute)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		remaining := rl.requestsPerMin - int(count)
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if count > int64(rl.requestsPerMin) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
