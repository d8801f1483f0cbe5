package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-dex/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles API calls per client IP and route
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	// Configure limits per endpoint type
	orderLimit  rate.Limit
	statusLimit rate.Limit
	burst       int
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		visitors:    make(map[string]*visitor),
		orderLimit:  rate.Limit(1200.0 / 60.0), // 1200 requests per minute
		statusLimit: rate.Limit(3000.0 / 60.0), // 3000 requests per minute
		burst:       50,
	}
}

func (rl *RateLimiter) getLimiter(method, path, clientIP string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := clientIP + ":" + method + ":" + path
	v, exists := rl.visitors[key]

	if !exists {
		var limit rate.Limit
		switch {
		case method == "POST" && strings.HasPrefix(path, "/api/v1/orders"):
			limit = rl.orderLimit
		case strings.HasPrefix(path, "/api/v1/orders"):
			limit = rl.statusLimit
		default:
			limit = rate.Inf // No limit for other paths
		}

		v = &visitor{
			limiter:  rate.NewLimiter(limit, rl.burst),
			lastSeen: time.Now(),
		}
		rl.visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup evicts idle visitors until ctx is done
func (rl *RateLimiter) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			for key, v := range rl.visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(rl.visitors, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := rl.getLimiter(c.Request.Method, c.FullPath(), c.ClientIP())
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequestLogger writes one zerolog line per request
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		}

		event.
			Str("component", "http").
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Str("client_ip", c.ClientIP()).
			Dur("latency", time.Since(start)).
			Msg("request handled")
	}
}
