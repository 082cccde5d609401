package admission

import (
	"context"
	"fmt"

	apperrors "convertapi/errors"
)

// Validate rejects requests that could never be charged correctly. It runs
// before the gate so a malformed request consumes nothing.
func Validate(maxBytes int64) Stage {
	return func(ctx context.Context, req Request, next Next) error {
		if req.Bytes < 0 {
			return apperrors.BadRequest(apperrors.CodeValidationFailed, "input size must not be negative")
		}
		if req.Bytes == 0 {
			return apperrors.BadRequest(apperrors.CodeInvalidRequestFile, "input file is empty")
		}
		if maxBytes > 0 && req.Bytes > maxBytes {
			return apperrors.BadRequest(
				apperrors.CodeInvalidRequestFile,
				fmt.Sprintf("input file is %d bytes, maximum is %d", req.Bytes, maxBytes),
			)
		}
		if req.Period.Month < 1 || req.Period.Month > 12 {
			return apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid quota period "+req.Period.String())
		}
		return next(ctx, req)
	}
}

// ConversionChain is the admission chain for conversion requests.
func ConversionChain(gate *Gate, maxBytes int64) Chain {
	return Chain{Validate(maxBytes), gate.Stage()}
}
