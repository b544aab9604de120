package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MaxBodySize caps request bodies. The API only accepts small JSON payloads.
const MaxBodySize = 1 << 20 // 1MB

// LimitBodyMiddleware rejects request bodies larger than MaxBodySize.
func LimitBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// SecurityHeadersMiddleware sets standard security headers on every response.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// visitor tracks request counts for a single client IP within a window.
type visitor struct {
	count     int
	windowEnd time.Time
}

// RateLimiter is a fixed-window per-IP rate limiter.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int
	window   time.Duration
	cleanup  time.Duration
	lastGC   time.Time
}

// NewRateLimiter creates a limiter allowing rate requests per window per IP.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		cleanup:  2 * window,
	}
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastGC) > rl.cleanup {
		for k, v := range rl.visitors {
			if now.After(v.windowEnd) {
				delete(rl.visitors, k)
			}
		}
		rl.lastGC = now
	}

	v, ok := rl.visitors[ip]
	if !ok || now.After(v.windowEnd) {
		rl.visitors[ip] = &visitor{count: 1, windowEnd: now.Add(rl.window)}
		return true
	}
	if v.count >= rl.rate {
		return false
	}
	v.count++
	return true
}

// RateLimitConfig groups limiters for the different route classes.
type RateLimitConfig struct {
	// AdminLimiter guards the reporting endpoints, which scan the ledger.
	AdminLimiter *RateLimiter
	// APILimiter guards the scoring and profile endpoints.
	APILimiter *RateLimiter
	// GlobalLimiter guards everything else.
	GlobalLimiter *RateLimiter
}

// NewDefaultRateLimitConfig returns production limits.
func NewDefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		AdminLimiter:  NewRateLimiter(60, time.Minute),
		APILimiter:    NewRateLimiter(1200, time.Minute),
		GlobalLimiter: NewRateLimiter(300, time.Minute),
	}
}

// RateLimitMiddleware applies per-IP rate limiting by route class.
func RateLimitMiddleware(config *RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var limiter *RateLimiter
			switch {
			case strings.HasPrefix(r.URL.Path, "/api/admin/"):
				limiter = config.AdminLimiter
			case strings.HasPrefix(r.URL.Path, "/api/"):
				limiter = config.APILimiter
			default:
				limiter = config.GlobalLimiter
			}

			if !limiter.Allow(GetClientIP(r)) {
				w.Header().Set("Retry-After", strconv.Itoa(int(limiter.window.Seconds())))
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
