package webhook

import (
	"context"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"convertapi/logger"
	"convertapi/metrics"
	"convertapi/models"
)

// Sender delivers one notification.
type Sender interface {
	Notify(ctx context.Context, snap models.JobSnapshot) Outcome
}

// Dispatcher runs deliveries on a bounded goroutine pool so the operation
// that finished the job returns without waiting. Deliveries run under the
// service context, not the request's, and are cancelled on Shutdown.
type Dispatcher struct {
	sender        Sender
	pool          *ants.Pool
	serviceCtx    context.Context
	serviceCancel context.CancelFunc
}

func NewDispatcher(ctx context.Context, sender Sender, size int) (*Dispatcher, error) {
	if size <= 0 {
		size = 64
	}
	serviceCtx, serviceCancel := context.WithCancel(ctx)

	pool, err := ants.NewPool(size,
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error("Webhook worker panic recovered",
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
		}),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(30*time.Second),
	)
	if err != nil {
		serviceCancel()
		return nil, err
	}

	return &Dispatcher{
		sender:        sender,
		pool:          pool,
		serviceCtx:    serviceCtx,
		serviceCancel: serviceCancel,
	}, nil
}

// Dispatch queues a delivery for a terminal job with a callback URL and
// returns immediately.
func (d *Dispatcher) Dispatch(snap models.JobSnapshot) {
	if !snap.Status.IsTerminal() || snap.CallbackURL == "" {
		return
	}

	err := d.pool.Submit(func() {
		select {
		case <-d.serviceCtx.Done():
			logger.Debug("Webhook skipped: service shutting down", zap.String("job_id", snap.ID.String()))
			metrics.WebhookDeliveries.WithLabelValues(string(OutcomeCancelled)).Inc()
			return
		default:
		}
		d.sender.Notify(d.serviceCtx, snap)
	})
	if err != nil {
		logger.Error("Failed to queue webhook",
			zap.String("job_id", snap.ID.String()),
			zap.Error(err),
		)
		metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
	}
}

func (d *Dispatcher) Running() int { return d.pool.Running() }

// Shutdown cancels pending retries and waits up to timeout for running
// deliveries to return.
func (d *Dispatcher) Shutdown(timeout time.Duration) {
	d.serviceCancel()
	if err := d.pool.ReleaseTimeout(timeout); err != nil {
		logger.Warn("Webhook pool shutdown timeout", zap.Error(err))
	}
}
