package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/mileage/internal/auth"
	"github.com/MarkoPoloResearchLab/mileage/internal/blobstore"
	"github.com/MarkoPoloResearchLab/mileage/internal/catalog"
	"github.com/MarkoPoloResearchLab/mileage/internal/users"
	"github.com/MarkoPoloResearchLab/mileage/pkg/mileage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	codeInvalidArgument     = "INVALID_ARGUMENT"
	codeUnauthorized        = "UNAUTHORIZED"
	codeInsufficientMileage = "INSUFFICIENT_MILEAGE"
	codeForbidden           = "FORBIDDEN"
	codeNotFound            = "NOT_FOUND"
	codeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	codeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	codeStorageError        = "STORAGE_ERROR"
	codeInternal            = "INTERNAL_SERVER_ERROR"
)

// apiError is a failure already resolved to its HTTP form.
type apiError struct {
	status  int
	code    string
	message string
	details any
}

func (failure *apiError) Error() string {
	return fmt.Sprintf("%s: %s", failure.code, failure.message)
}

func invalidArgument(message string) *apiError {
	return &apiError{status: http.StatusBadRequest, code: codeInvalidArgument, message: message}
}

func insufficientMileage(required mileage.Mileage, current mileage.Mileage) *apiError {
	return &apiError{
		status:  http.StatusPaymentRequired,
		code:    codeInsufficientMileage,
		message: fmt.Sprintf("Insufficient mileage. Required: %d, Current: %d", required, current),
		details: gin.H{"required": required.Int64(), "current": current.Int64()},
	}
}

// mapToHTTPError resolves domain errors from every dependency to one response shape.
func mapToHTTPError(err error) *apiError {
	var resolved *apiError
	if errors.As(err, &resolved) {
		return resolved
	}
	var insufficient *mileage.InsufficientMileageError
	if errors.As(err, &insufficient) {
		return insufficientMileage(insufficient.Required, insufficient.Current)
	}
	switch {
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrTokenExpired):
		return &apiError{status: http.StatusUnauthorized, code: codeUnauthorized, message: err.Error()}
	case errors.Is(err, auth.ErrOAuthExchange), errors.Is(err, auth.ErrOAuthProfile):
		return &apiError{status: http.StatusUnauthorized, code: codeUnauthorized, message: "GitHub authentication failed"}
	case errors.Is(err, auth.ErrForbidden):
		return &apiError{status: http.StatusForbidden, code: codeForbidden, message: "Admin access required"}
	case errors.Is(err, mileage.ErrUserNotFound):
		return &apiError{status: http.StatusNotFound, code: codeNotFound, message: "User not found"}
	case errors.Is(err, catalog.ErrResourceNotFound):
		return &apiError{status: http.StatusNotFound, code: codeNotFound, message: "Resource not found"}
	case errors.Is(err, blobstore.ErrObjectNotFound):
		return &apiError{status: http.StatusNotFound, code: codeNotFound, message: "File not found"}
	case mileage.IsInvalidArgument(err),
		errors.Is(err, auth.ErrMissingAuthorization),
		errors.Is(err, users.ErrInvalidProfile),
		errors.Is(err, catalog.ErrInvalidResource),
		errors.Is(err, catalog.ErrInvalidStatus):
		return invalidArgument(err.Error())
	case errors.Is(err, mileage.ErrStoreUnavailable):
		return &apiError{status: http.StatusServiceUnavailable, code: codeServiceUnavailable, message: "Database is unavailable"}
	case errors.Is(err, catalog.ErrCatalogUnavailable):
		return &apiError{status: http.StatusServiceUnavailable, code: codeServiceUnavailable, message: "Notion is unavailable"}
	case errors.Is(err, blobstore.ErrStorage):
		return &apiError{status: http.StatusInternalServerError, code: codeStorageError, message: "Storage error"}
	default:
		return &apiError{status: http.StatusInternalServerError, code: codeInternal, message: "An unexpected error occurred"}
	}
}

func errorResponse(code string, message string, details any, now time.Time) gin.H {
	body := gin.H{
		"code":      code,
		"message":   message,
		"timestamp": now.UTC().Format(time.RFC3339Nano),
	}
	if details != nil {
		body["details"] = details
	}
	return gin.H{"error": body}
}

// respondError logs the failure, attaches it to the gin context and writes the error body.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	resolved := mapToHTTPError(err)
	_ = ctx.Error(err)
	switch {
	case errors.Is(err, mileage.ErrBalanceInconsistency):
		handler.logger.Error("balance inconsistency", zap.Error(err))
	case resolved.status >= http.StatusInternalServerError:
		handler.logger.Error("request failed", zap.String("code", resolved.code), zap.Error(err))
	}
	ctx.AbortWithStatusJSON(resolved.status, errorResponse(resolved.code, resolved.message, resolved.details, handler.nowFn()))
}
