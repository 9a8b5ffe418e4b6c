package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/projectchat/internal/common"
	"github.com/suPer8Hu/projectchat/internal/logger"
)

// Limiter counts hits per subject in fixed windows.
type Limiter interface {
	Allow(ctx context.Context, subject string, limit int, window time.Duration) (bool, error)
}

// RateLimit caps requests per user (or client IP when anonymous) per minute.
// A limiter failure lets the request through.
func RateLimit(l Limiter, scope string, perMinute int) gin.HandlerFunc {
	return RateLimitWith(l, scope, perMinute, func(c *gin.Context) {
		common.AbortFail(c, http.StatusTooManyRequests, 42900, "too many requests, slow down")
	})
}

// RateLimitWith is RateLimit with a custom response for rejected requests.
// reject runs after Retry-After is set and must write the response.
func RateLimitWith(l Limiter, scope string, perMinute int, reject gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil || perMinute <= 0 {
			c.Next()
			return
		}
		subject := "ip:" + c.ClientIP()
		if uid, ok := UserID(c); ok {
			subject = "user:" + strconv.FormatUint(uid, 10)
		}

		allowed, err := l.Allow(c.Request.Context(), scope+":"+subject, perMinute, time.Minute)
		if err != nil {
			logger.FromContext(c.Request.Context()).Warn("rate limiter unavailable", logger.Err(err))
			c.Next()
			return
		}
		if !allowed {
			c.Header("Retry-After", "60")
			reject(c)
			c.Abort()
			return
		}
		c.Next()
	}
}
