package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"mailtrail/internal/config"
	"mailtrail/pkg/metrics"
)

type Limiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	mu       sync.Mutex
}

type RateLimitConfig struct {
	RPS             float64
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

func DefaultConfig() RateLimitConfig {
	return RateLimitConfig{
		RPS:             10.0,
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// ConfigFrom fills unset fields of the file configuration with defaults.
func ConfigFrom(cfg config.RateLimitConfig) RateLimitConfig {
	out := DefaultConfig()
	if cfg.RPS > 0 {
		out.RPS = cfg.RPS
	}
	if cfg.Burst > 0 {
		out.Burst = cfg.Burst
	}
	if cfg.CleanupInterval > 0 {
		out.CleanupInterval = cfg.CleanupInterval
	}
	if cfg.MaxAge > 0 {
		out.MaxAge = cfg.MaxAge
	}
	return out
}

// Set holds one token bucket per client key.
type Set struct {
	cfg      RateLimitConfig
	mu       sync.RWMutex
	limiters map[string]*Limiter
	now      func() time.Time
}

func NewSet(cfg RateLimitConfig) *Set {
	return &Set{cfg: cfg, limiters: make(map[string]*Limiter), now: time.Now}
}

// Allow reports whether key may proceed and how many tokens remain.
func (s *Set) Allow(key string) (bool, int) {
	s.mu.RLock()
	l, ok := s.limiters[key]
	s.mu.RUnlock()

	if !ok {
		s.mu.Lock()
		l, ok = s.limiters[key]
		if !ok {
			l = &Limiter{limiter: rate.NewLimiter(rate.Limit(s.cfg.RPS), s.cfg.Burst)}
			s.limiters[key] = l
		}
		s.mu.Unlock()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSeen = s.now()
	if !l.limiter.AllowN(l.lastSeen, 1) {
		return false, 0
	}
	remaining := int(l.limiter.TokensAt(l.lastSeen))
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining
}

// Sweep drops limiters idle for longer than MaxAge.
func (s *Set) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for key, l := range s.limiters {
		l.mu.Lock()
		idle := now.Sub(l.lastSeen)
		l.mu.Unlock()
		if idle > s.cfg.MaxAge {
			delete(s.limiters, key)
			removed++
		}
	}
	return removed
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}

// RunCleanup sweeps every CleanupInterval until ctx is done.
func (s *Set) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// RateLimitMiddleware limits requests per client IP. The cleanup goroutine
// stops with ctx.
func RateLimitMiddleware(ctx context.Context, cfg RateLimitConfig) gin.HandlerFunc {
	set := NewSet(cfg)
	go set.RunCleanup(ctx)
	return Middleware(set)
}

func Middleware(set *Set) gin.HandlerFunc {
	limit := formatRate(set.cfg.RPS)
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if clientIP == "" {
			clientIP = c.RemoteIP()
		}

		allowed, remaining := set.Allow(clientIP)
		c.Header("X-RateLimit-Limit", limit)
		if !allowed {
			metrics.RateLimitRequestsTotal.WithLabelValues("limited").Inc()
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"error_code": "RATE_LIMIT_EXCEEDED",
			})
			c.Abort()
			return
		}

		metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Next()
	}
}

func formatRate(rps float64) string {
	return strconv.FormatFloat(rps, 'f', -1, 64)
}
