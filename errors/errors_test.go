package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New(CodeJobNotFound, "job not found", http.StatusNotFound),
			want: "NotFound.Job: job not found",
		},
		{
			name: "with wrapped error",
			err:  Wrap(fmt.Errorf("db error"), CodeInternal, "database failure", http.StatusInternalServerError),
			want: "Internal: database failure: db error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("inner error")
	appErr := Wrap(inner, "CODE", "msg", 500)

	if !errors.Is(appErr, inner) {
		t.Error("errors.Is should match inner error")
	}
}

func TestIsAppError(t *testing.T) {
	wrapped := fmt.Errorf("wrapped: %w", ErrJobNotFound("abc"))

	got, ok := IsAppError(wrapped)
	if !ok {
		t.Fatal("IsAppError should return true for wrapped AppError")
	}
	if got.Code != CodeJobNotFound {
		t.Errorf("Code = %q, want %q", got.Code, CodeJobNotFound)
	}
}

func TestQuotaErrorsCarryFigures(t *testing.T) {
	conv := ErrConversionsExceeded(1000, 1000)
	if conv.HTTPStatus != http.StatusForbidden {
		t.Errorf("HTTPStatus = %d, want 403", conv.HTTPStatus)
	}
	if conv.Params["used"] != int64(1000) || conv.Params["limit"] != int64(1000) || conv.Params["remaining"] != int64(0) {
		t.Errorf("unexpected params: %v", conv.Params)
	}

	b := ErrBytesExceeded(900, 1000, 200)
	if b.Code != CodeQuotaBytesExceeded {
		t.Errorf("Code = %q", b.Code)
	}
	if b.Params["remaining"] != int64(100) {
		t.Errorf("remaining = %v, want 100", b.Params["remaining"])
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		wantStatus int
	}{
		{"NotFound", NotFound("NF", "not found"), http.StatusNotFound},
		{"BadRequest", BadRequest("BR", "bad request"), http.StatusBadRequest},
		{"Unauthorized", Unauthorized("UA", "unauthorized"), http.StatusUnauthorized},
		{"Forbidden", Forbidden("FB", "forbidden"), http.StatusForbidden},
		{"Conflict", Conflict("CF", "conflict"), http.StatusConflict},
		{"TooManyRequests", TooManyRequests("TM", "slow down"), http.StatusTooManyRequests},
		{"Internal", Internal("IE", "internal"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.HTTPStatus != tt.wantStatus {
				t.Errorf("HTTPStatus = %d, want %d", tt.err.HTTPStatus, tt.wantStatus)
			}
		})
	}
}
