package relay

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/speakenai/speaken/internal/httpapi/middleware"
	"github.com/speakenai/speaken/internal/metrics"
)

// Limiter counts hits for a key inside the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// clientKey is the authenticated user when known, the client IP otherwise.
// Server-side relay calls carry the learner's token, so they are not all
// counted against the server's own address.
func clientKey(c *gin.Context) string {
	if uid, ok := middleware.UserID(c); ok {
		return "user:" + strconv.FormatUint(uid, 10)
	}
	return "ip:" + c.ClientIP()
}

// RateLimit rejects callers over their budget with 429. A limiter error lets
// the request through.
func RateLimit(l Limiter, route string, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}
		ok, err := l.Allow(c.Request.Context(), route+":"+clientKey(c))
		if err != nil {
			log.Warn().Err(err).Str("route", route).Msg("rate limiter unavailable, allowing request")
			c.Next()
			return
		}
		if !ok {
			metrics.IncRateLimited(route)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
