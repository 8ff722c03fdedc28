package middleware

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/mir00r/openflow-lb/internal/domain"
	"github.com/mir00r/openflow-lb/pkg/logger"
)

// RateLimitConfig configures a token bucket per key
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

const maxLimiters = 10000

// RateLimiter keeps one token bucket per key. The controller keys packet-ins
// by switch; the admin API keys requests by client address.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	denied   int64
	logger   *logger.Logger
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig, log *logger.Logger) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(config.RequestsPerSecond),
		burst:    config.BurstSize,
		logger:   log.MiddlewareLogger("rate_limiter"),
	}
}

// Allow takes a token from the bucket of key
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[key]
	if !exists {
		if len(rl.limiters) >= maxLimiters {
			rl.limiters = make(map[string]*rate.Limiter)
			rl.logger.Info("Cleaned up rate limiter cache")
		}
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}

	if !limiter.Allow() {
		rl.denied++
		return false
	}
	return true
}

// AllowSwitch takes a token from the bucket of a switch
func (rl *RateLimiter) AllowSwitch(dpid domain.DPID) bool {
	return rl.Allow(dpid.String())
}

// RateLimitMiddleware limits HTTP requests per client address
func (rl *RateLimiter) RateLimitMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := getClientIP(r)

			if !rl.Allow(clientIP) {
				rl.logger.WithFields(map[string]interface{}{
					"client_ip": clientIP,
					"path":      r.URL.Path,
					"method":    r.Method,
				}).Warn("Rate limit exceeded")

				w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.2f", float64(rl.rate)))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.2f", float64(rl.rate)))
			next.ServeHTTP(w, r)
		})
	}
}

func getClientIP(r *http.Request) string {
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// GetStats returns rate limiter statistics
func (rl *RateLimiter) GetStats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return map[string]interface{}{
		"rate_limit":  float64(rl.rate),
		"burst_size":  rl.burst,
		"active_keys": len(rl.limiters),
		"denied":      rl.denied,
	}
}
