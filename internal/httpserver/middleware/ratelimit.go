package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/felixgeelhaar/fortify/ratelimit"
)

// RateLimiter limits requests per client address.
type RateLimiter struct {
	limiter  ratelimit.RateLimiter
	interval time.Duration
}

// NewRateLimiter allows perMinute requests per client address, with bursts
// of up to perMinute.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		limiter: ratelimit.New(&ratelimit.Config{
			Rate:     perMinute,
			Burst:    perMinute,
			Interval: time.Minute,
		}),
		interval: time.Minute,
	}
}

// Handler returns middleware that rejects requests over the limit.
// RealIP should run first so RemoteAddr is the client address.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(rl.interval.Seconds()))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limiter.Allow(r.Context(), r.RemoteAddr) {
			w.Header().Set("Retry-After", retryAfter)
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close releases the limiter's resources.
func (rl *RateLimiter) Close() error {
	return rl.limiter.Close()
}
