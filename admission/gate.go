package admission

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	apperrors "convertapi/errors"
	"convertapi/logger"
	"convertapi/metrics"
	"convertapi/models"
	"convertapi/quota"
)

// Consumer is the ledger operation the gate depends on.
type Consumer interface {
	TryConsume(ctx context.Context, userID string, year, month int, bytes int64) (quota.ConsumeResult, error)
}

type GateConfig struct {
	Enabled      bool
	ExemptAdmins bool
}

// Gate charges one conversion against the monthly quota before letting the
// request through. Charging happens first; the downstream operation is
// never re-checked.
type Gate struct {
	ledger Consumer
	cfg    GateConfig
}

func NewGate(ledger Consumer, cfg GateConfig) *Gate {
	return &Gate{ledger: ledger, cfg: cfg}
}

// Stage returns the gate as a chain stage.
func (g *Gate) Stage() Stage {
	return g.check
}

func (g *Gate) check(ctx context.Context, req Request, next Next) error {
	switch {
	case req.UserID == "":
		return next(ctx, req)
	case !g.cfg.Enabled:
		metrics.AdmissionDecisions.WithLabelValues("bypassed", "disabled").Inc()
		return next(ctx, req)
	case req.IsAdmin && g.cfg.ExemptAdmins:
		metrics.AdmissionDecisions.WithLabelValues("bypassed", "admin").Inc()
		return next(ctx, req)
	}

	res, err := g.ledger.TryConsume(ctx, req.UserID, req.Period.Year, int(req.Period.Month), req.Bytes)
	if err != nil {
		if errors.Is(err, models.ErrNegativeLimit) || errors.Is(err, quota.ErrInvalidUsage) || errors.Is(err, models.ErrInvalidPeriod) {
			return apperrors.Wrap(err, apperrors.CodeValidationFailed, "invalid admission request", http.StatusBadRequest)
		}
		return fmt.Errorf("failed to check quota: %w", err)
	}

	if !res.Allowed {
		q := res.Quota
		metrics.AdmissionDecisions.WithLabelValues("rejected", string(res.Denial)).Inc()
		logger.Info("Quota exceeded",
			zap.String("user_id", req.UserID),
			zap.String("period", q.Period.String()),
			zap.String("limit", string(res.Denial)),
			zap.Int64("conversions_used", q.ConversionsUsed),
			zap.Int64("conversions_limit", q.ConversionsLimit),
			zap.Int64("bytes_processed", q.BytesProcessed),
			zap.Int64("bytes_limit", q.BytesLimit),
		)
		if res.Denial == models.DenialBytes {
			return apperrors.ErrBytesExceeded(q.BytesProcessed, q.BytesLimit, req.Bytes)
		}
		return apperrors.ErrConversionsExceeded(q.ConversionsUsed, q.ConversionsLimit)
	}

	metrics.AdmissionDecisions.WithLabelValues("admitted", "quota").Inc()
	return next(ctx, req)
}
