package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/mileage/internal/cache"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	headerRateLimit          = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
	anonymousSubject         = "anonymous"
)

// rateLimit counts requests per user (or client IP) in a fixed window kept in the shared cache.
// A cache failure lets the request through.
func (handler *httpHandler) rateLimit() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		subject := handler.rateLimitSubject(ctx)
		counter, err := handler.cache.Increment(ctx.Request.Context(), cache.RateLimitKey(subject), handler.cfg.RateLimitWindow)
		if err != nil {
			handler.logger.Warn("rate limit counter unavailable", zap.String("subject", subject), zap.Error(err))
			ctx.Next()
			return
		}
		remaining := handler.cfg.RateLimit - counter.Count
		if remaining < 0 {
			remaining = 0
		}
		ctx.Header(headerRateLimit, strconv.FormatInt(handler.cfg.RateLimit, 10))
		ctx.Header(headerRateLimitRemaining, strconv.FormatInt(remaining, 10))
		ctx.Header(headerRateLimitReset, strconv.FormatInt(counter.ExpiresAt.Unix(), 10))
		if counter.Count > handler.cfg.RateLimit {
			if handler.metrics != nil {
				handler.metrics.RecordRateLimited()
			}
			message := fmt.Sprintf("Rate limit exceeded. Maximum %d requests per %s.", handler.cfg.RateLimit, handler.cfg.RateLimitWindow)
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse(codeRateLimitExceeded, message, nil, handler.nowFn()))
			return
		}
		ctx.Next()
	}
}

// rateLimitSubject keys authenticated callers by user id even on routes that do not require a session.
func (handler *httpHandler) rateLimitSubject(ctx *gin.Context) string {
	header := strings.TrimSpace(ctx.GetHeader("Authorization"))
	if len(header) > len("bearer ") && strings.EqualFold(header[:len("bearer ")], "bearer ") {
		if claims, err := handler.tokens.Verify(strings.TrimSpace(header[len("bearer "):])); err == nil {
			return claims.UserID
		}
	}
	if clientIP := ctx.ClientIP(); clientIP != "" {
		return clientIP
	}
	return anonymousSubject
}
