package security

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	redis  redis.Cmdable
	window time.Duration
}

func NewRateLimiter(redisClient redis.Cmdable) *RateLimiter {
	return &RateLimiter{redis: redisClient, window: time.Minute}
}

// Limit allows at most max requests per client IP and window for scope.
// Redis failures let the request through.
func (r *RateLimiter) Limit(scope string, max int) func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if max <= 0 {
			return e.Next()
		}

		ctx := e.Request.Context()
		key := fmt.Sprintf("ratelimit:%s:%s", scope, remoteIP(e))

		count, err := r.redis.Incr(ctx, key).Result()
		if err != nil {
			slog.Warn("Rate limiter unavailable", "scope", scope, "error", err)
			return e.Next()
		}
		if count == 1 {
			r.redis.Expire(ctx, key, r.window)
		}
		if count > int64(max) {
			return e.TooManyRequestsError("Rate limit exceeded. Please try again later.", nil)
		}

		return e.Next()
	}
}

// remoteIP is the connection peer address.
func remoteIP(e *core.RequestEvent) string {
	host, _, err := net.SplitHostPort(e.Request.RemoteAddr)
	if err != nil {
		return e.Request.RemoteAddr
	}
	return host
}

// Anti-bot protection
func (r *RateLimiter) AntiBot(e *core.RequestEvent) error {
	if isSuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
		return e.ForbiddenError("Access denied", nil)
	}
	return e.Next()
}

func isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}
