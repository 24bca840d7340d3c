package mid

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitOpts configures the per-client HTTP rate limit.
type RateLimitOpts struct {
	// RequestsPerWindow and WindowSeconds define the sustained rate.
	RequestsPerWindow int
	WindowSeconds     int
}

// DefaultRateLimitOpts allows 100 requests per 60 seconds per client.
var DefaultRateLimitOpts = RateLimitOpts{RequestsPerWindow: 100, WindowSeconds: 60}

// RateLimit returns middleware enforcing a token-bucket limit per caller.
// Clients are keyed by forwarded user ID, falling back to remote address.
func RateLimit(opts RateLimitOpts) Middleware {
	if opts.RequestsPerWindow <= 0 {
		opts = DefaultRateLimitOpts
	}
	perSecond := rate.Limit(float64(opts.RequestsPerWindow) / float64(opts.WindowSeconds))
	burst := opts.RequestsPerWindow

	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)

	limiterFor := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[key]
		if !ok {
			l = rate.NewLimiter(perSecond, burst)
			limiters[key] = l
		}
		return l
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-User-ID")
			if key == "" {
				key = r.RemoteAddr
			}
			if !limiterFor(key).Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
