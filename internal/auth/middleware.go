package auth

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	claimsContextKey = "auth_claims"
	bearerPrefix     = "bearer "
)

// RejectFunc writes the error response for a refused request.
type RejectFunc func(ctx *gin.Context, err error)

// RequireUser verifies the Bearer token and stores its claims on the context.
func RequireUser(issuer *TokenIssuer, reject RejectFunc) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := strings.TrimSpace(ctx.GetHeader("Authorization"))
		if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
			reject(ctx, ErrMissingToken)
			ctx.Abort()
			return
		}
		claims, err := issuer.Verify(strings.TrimSpace(header[len(bearerPrefix):]))
		if err != nil {
			reject(ctx, err)
			ctx.Abort()
			return
		}
		ctx.Set(claimsContextKey, claims)
		ctx.Next()
	}
}

// RequireAdmin must run after RequireUser.
func RequireAdmin(reject RejectFunc) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims, ok := ClaimsFromContext(ctx)
		if !ok {
			reject(ctx, ErrMissingToken)
			ctx.Abort()
			return
		}
		if !claims.IsAdmin() {
			reject(ctx, ErrForbidden)
			ctx.Abort()
			return
		}
		ctx.Next()
	}
}

// ClaimsFromContext returns the claims stored by RequireUser.
func ClaimsFromContext(ctx *gin.Context) (*Claims, bool) {
	value, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*Claims)
	return claims, ok && claims != nil
}
