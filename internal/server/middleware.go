package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/easel-labs/easel-backend/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

// rateLimitMiddleware rejects requests over the per-address budget before any
// other work happens.
func rateLimitMiddleware(limiter *ratelimit.Limiter) gin.HandlerFunc {
	retryAfter := strconv.Itoa(int(limiter.Window().Seconds()))
	return func(c *gin.Context) {
		if !limiter.Allow(clientAddress(c.Request)) {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate_limit_exceeded",
			})
			return
		}
		c.Next()
	}
}

// clientAddress resolves the caller's address, preferring proxy headers so
// deployments behind a reverse proxy bucket by real client rather than by the
// proxy itself.
func clientAddress(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
