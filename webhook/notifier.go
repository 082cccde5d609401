package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"convertapi/logger"
	"convertapi/metrics"
	"convertapi/models"
)

const userAgent = "convertapi-webhook/1.0"

// Config controls delivery. Zero fields take the defaults.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// Outcome is how a Notify call ended.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

type Notifier struct {
	client *http.Client
	cfg    Config
}

type Option func(*Notifier)

// WithHTTPClient replaces the client used for deliveries. Its Timeout is
// ignored; the per-attempt timeout comes from Config.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

func NewNotifier(cfg Config, opts ...Option) *Notifier {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	n := &Notifier{client: &http.Client{}, cfg: cfg}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify POSTs the job's terminal state to its callback URL, retrying up to
// MaxRetries times with a fixed delay. It does nothing for non-terminal jobs
// or jobs without a callback. Failures never escape: they are logged and
// counted, and the outcome is returned for the caller's information only.
func (n *Notifier) Notify(ctx context.Context, snap models.JobSnapshot) (outcome Outcome) {
	if !snap.Status.IsTerminal() || snap.CallbackURL == "" {
		return OutcomeSkipped
	}

	log := logger.With(
		zap.String("job_id", snap.ID.String()),
		zap.String("user_id", snap.UserID),
		zap.String("status", string(snap.Status)),
	)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Webhook delivery panicked", zap.Any("panic", r), zap.Stack("stack"))
			outcome = OutcomeFailed
		}
		metrics.WebhookDeliveries.WithLabelValues(string(outcome)).Inc()
	}()

	body, err := json.Marshal(NewPayload(snap))
	if err != nil {
		log.Error("Failed to encode webhook payload", zap.Error(err))
		return OutcomeFailed
	}

	attempts := 1 + n.cfg.MaxRetries
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && !n.wait(ctx) {
			log.Warn("Webhook retries abandoned", zap.Int("attempts", attempt-1), zap.Error(ctx.Err()))
			return OutcomeCancelled
		}

		err := n.post(ctx, snap, body, attempt)
		if err == nil {
			log.Info("Webhook delivered", zap.Int("attempt", attempt))
			return OutcomeDelivered
		}
		if ctx.Err() != nil {
			log.Warn("Webhook retries abandoned", zap.Int("attempts", attempt), zap.Error(ctx.Err()))
			return OutcomeCancelled
		}
		log.Warn("Webhook attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
	}

	log.Error("Webhook delivery failed after all retries", zap.Int("attempts", attempts))
	return OutcomeFailed
}

func (n *Notifier) post(ctx context.Context, snap models.JobSnapshot, body []byte, attempt int) error {
	metrics.WebhookAttempts.Inc()

	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, snap.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", eventName(snap.Status))
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(attempt))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// wait sleeps for the retry delay and reports false if ctx ended first.
func (n *Notifier) wait(ctx context.Context) bool {
	if n.cfg.RetryDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(n.cfg.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
