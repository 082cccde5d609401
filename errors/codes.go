package errors

import (
	"fmt"
	"net/http"
)

// Validation error codes.
const (
	CodeValidationFailed   = "Validation.Failed"
	CodeInvalidTier        = "Validation.InvalidTier"
	CodeInvalidPolicy      = "Validation.InvalidPolicy"
	CodeInvalidOverride    = "Validation.InvalidOverride"
	CodeInvalidQuotaLimit  = "Validation.InvalidQuotaLimit"
	CodeUnsupportedFormat  = "Validation.UnsupportedFormat"
	CodeInvalidRequestFile = "Validation.InvalidFile"
)

// Not-found error codes.
const (
	CodeJobNotFound      = "NotFound.Job"
	CodeUserNotFound     = "NotFound.User"
	CodeOutputNotFound   = "NotFound.Output"
	CodeSettingsNotFound = "NotFound.RateLimitSettings"
)

// Admission error codes.
const (
	CodeQuotaConversionsExceeded = "Quota.ConversionsExceeded"
	CodeQuotaBytesExceeded       = "Quota.BytesExceeded"
	CodeRateLimitExceeded        = "RateLimit.Exceeded"
)

// Auth error codes.
const (
	CodeUnauthenticated = "Auth.Unauthenticated"
	CodeForbidden       = "Auth.Forbidden"
)

const CodeInternal = "Internal"

// ErrConversionsExceeded builds the admission failure for an exhausted
// monthly conversion count.
func ErrConversionsExceeded(used, limit int64) *AppError {
	return New(
		CodeQuotaConversionsExceeded,
		fmt.Sprintf("monthly conversion quota exceeded (%d/%d)", used, limit),
		http.StatusForbidden,
	).WithParams(map[string]interface{}{
		"used":      used,
		"limit":     limit,
		"remaining": max(0, limit-used),
	})
}

// ErrBytesExceeded builds the admission failure for a request that would
// push processed bytes past the monthly limit.
func ErrBytesExceeded(used, limit, requested int64) *AppError {
	return New(
		CodeQuotaBytesExceeded,
		fmt.Sprintf("monthly byte quota exceeded (%d+%d/%d bytes)", used, requested, limit),
		http.StatusForbidden,
	).WithParams(map[string]interface{}{
		"used":      used,
		"limit":     limit,
		"requested": requested,
		"remaining": max(0, limit-used),
	})
}

func ErrJobNotFound(id string) *AppError {
	return NotFound(CodeJobNotFound, "conversion job not found: "+id)
}
