// Package errors provides the structured error type returned across
// operation boundaries.
//
// Import as apperrors to keep the standard library errors package usable.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured application error with HTTP status and error code.
type AppError struct {
	// Code is a machine-readable error code (e.g. "Quota.ConversionsExceeded").
	Code string `json:"code"`

	Message string `json:"message"`

	HTTPStatus int `json:"-"`

	// Params carries machine-readable figures such as used/limit/remaining.
	Params map[string]interface{} `json:"params,omitempty"`

	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

func Wrap(err error, code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// WithParams attaches structured parameters to the error.
func (e *AppError) WithParams(params map[string]interface{}) *AppError {
	if e == nil || len(params) == 0 {
		return e
	}
	e.Params = params
	return e
}

func NotFound(code, message string) *AppError {
	return New(code, message, http.StatusNotFound)
}

func BadRequest(code, message string) *AppError {
	return New(code, message, http.StatusBadRequest)
}

func Unauthorized(code, message string) *AppError {
	return New(code, message, http.StatusUnauthorized)
}

func Forbidden(code, message string) *AppError {
	return New(code, message, http.StatusForbidden)
}

func Conflict(code, message string) *AppError {
	return New(code, message, http.StatusConflict)
}

func TooManyRequests(code, message string) *AppError {
	return New(code, message, http.StatusTooManyRequests)
}

func Internal(code, message string) *AppError {
	return New(code, message, http.StatusInternalServerError)
}

// IsAppError checks if an error is an AppError and returns it.
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
