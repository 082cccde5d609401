package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "convertapi/errors"
	"convertapi/logger"
	"convertapi/models"
	"convertapi/quota"
	"convertapi/ratelimit"
	"convertapi/services"
)

type contextKey string

const (
	// RequestIDHeader is the HTTP header for request tracing.
	RequestIDHeader = "X-Request-ID"
	// UserIDHeader and UserRoleHeader are set by the authenticating gateway.
	UserIDHeader   = "X-User-ID"
	UserRoleHeader = "X-User-Role"

	ctxKeyRequestID contextKey = "request_id"
	ctxKeyUserID    contextKey = "user_id"
	ctxKeyIsAdmin   contextKey = "is_admin"
)

// RequestID injects a unique request ID into the context and response header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(RequestIDHeader)
		if rid == "" {
			id, _ := uuid.NewV7()
			rid = id.String()
		}
		c.Set(string(ctxKeyRequestID), rid)
		c.Writer.Header().Set(RequestIDHeader, rid)
		c.Request = c.Request.WithContext(
			context.WithValue(c.Request.Context(), ctxKeyRequestID, rid),
		)
		c.Next()
	}
}

// GetRequestID extracts request ID from context.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// Identity reads the caller from the gateway headers. Requests without a
// user id stop here with 401.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(UserIDHeader))
		if userID == "" {
			abort(c, apperrors.Unauthorized(apperrors.CodeUnauthenticated, "missing "+UserIDHeader+" header"))
			return
		}
		isAdmin := strings.EqualFold(strings.TrimSpace(c.GetHeader(UserRoleHeader)), "admin")

		c.Set(string(ctxKeyUserID), userID)
		c.Set(string(ctxKeyIsAdmin), isAdmin)
		ctx := context.WithValue(c.Request.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyIsAdmin, isAdmin)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireAdmin rejects callers without the admin role.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c.Request.Context()) {
			abort(c, apperrors.Forbidden(apperrors.CodeForbidden, "admin role required"))
			return
		}
		c.Next()
	}
}

// GetUserID extracts user ID from context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyUserID).(string); ok {
		return v
	}
	return ""
}

func IsAdmin(ctx context.Context) bool {
	v, _ := ctx.Value(ctxKeyIsAdmin).(bool)
	return v
}

// CallerID is the ratelimit.UserIDFunc for routes behind Identity.
func CallerID(c *gin.Context) string {
	return GetUserID(c.Request.Context())
}

func abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

// ErrorHandler is a Gin middleware that provides centralized error handling.
// It captures errors added via c.Error() and returns a consistent JSON response.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		rid := GetRequestID(c.Request.Context())

		if appErr := toAppError(err); appErr != nil {
			logger.Warn("Request error",
				zap.String("request_id", rid),
				zap.String("code", appErr.Code),
				zap.String("message", appErr.Message),
				zap.Int("status", appErr.HTTPStatus),
				zap.Error(appErr.Err),
			)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}

		// Fallback: generic 500 error
		logger.Error("Unhandled request error", zap.String("request_id", rid), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    apperrors.CodeInternal,
			"message": "An internal error occurred",
		})
	}
}

// toAppError maps domain sentinels onto their HTTP shape. It returns nil for
// errors that should surface as 500.
func toAppError(err error) *apperrors.AppError {
	if appErr, ok := apperrors.IsAppError(err); ok {
		return appErr
	}

	switch {
	case errors.Is(err, models.ErrInvalidJob):
		return apperrors.Wrap(err, apperrors.CodeValidationFailed, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ratelimit.ErrUnknownTier):
		return apperrors.Wrap(err, apperrors.CodeInvalidTier, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ratelimit.ErrUnknownPolicy):
		return apperrors.Wrap(err, apperrors.CodeInvalidPolicy, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrInvalidOverride):
		return apperrors.Wrap(err, apperrors.CodeInvalidOverride, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrNegativeLimit), errors.Is(err, models.ErrInvalidPeriod), errors.Is(err, quota.ErrInvalidUsage):
		return apperrors.Wrap(err, apperrors.CodeInvalidQuotaLimit, err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrUnsupportedFormat):
		return apperrors.Wrap(err, apperrors.CodeUnsupportedFormat, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ratelimit.ErrSettingsNotFound):
		return apperrors.Wrap(err, apperrors.CodeSettingsNotFound, "rate-limit settings not found", http.StatusNotFound)
	case errors.Is(err, services.ErrJobNotFound):
		return apperrors.Wrap(err, apperrors.CodeJobNotFound, "conversion job not found", http.StatusNotFound)
	case errors.Is(err, quota.ErrNotFound):
		return apperrors.Wrap(err, apperrors.CodeUserNotFound, "usage record not found", http.StatusNotFound)
	}
	return nil
}
