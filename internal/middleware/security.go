package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SecurityHeadersMiddleware adds security headers to all responses.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-XSS-Protection", "1; mode=block")
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			w.Header().Set("Content-Security-Policy", "default-src 'self'")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter implements a per-client token bucket rate limiter.
type RateLimiter struct {
	mu              sync.Mutex
	requests        map[string]*tokenBucket
	limit           int
	window          time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	logger          *logrus.Logger
}

type tokenBucket struct {
	tokens     int
	lastUpdate time.Time
}

// NewRateLimiter creates a rate limiter allowing limit requests per window
// per client.
func NewRateLimiter(limit int, window time.Duration, logger *logrus.Logger) *RateLimiter {
	rl := &RateLimiter{
		requests:        make(map[string]*tokenBucket),
		limit:           limit,
		window:          window,
		cleanupInterval: window * 2,
		stopCleanup:     make(chan struct{}),
		logger:          logger,
	}

	go rl.cleanup()

	return rl
}

// cleanup periodically drops idle client buckets.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, bucket := range rl.requests {
				if now.Sub(bucket.lastUpdate) > rl.cleanupInterval {
					delete(rl.requests, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCleanup)
}

// Allow checks if a request from the given client key should be allowed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	bucket, exists := rl.requests[key]

	if !exists {
		rl.requests[key] = &tokenBucket{
			tokens:     rl.limit - 1,
			lastUpdate: now,
		}
		return true
	}

	if now.Sub(bucket.lastUpdate) >= rl.window {
		bucket.tokens = rl.limit - 1
		bucket.lastUpdate = now
		return true
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		bucket.lastUpdate = now
		return true
	}

	return false
}

// getClientKey identifies the client by forwarded address or remote address.
func getClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}

// RateLimitMiddleware enforces the rate limiter, rejecting over-budget
// clients with 429.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := getClientKey(r)

			if !limiter.Allow(clientKey) {
				limiter.logger.WithFields(logrus.Fields{
					"client": clientKey,
					"path":   r.URL.Path,
				}).Warn("Rate limit exceeded")

				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
