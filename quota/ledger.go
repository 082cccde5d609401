// Package quota implements the monthly usage ledger: per user and calendar
// month it tracks conversions and processed bytes against limits, and
// decides atomically whether one more conversion fits.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"convertapi/models"
)

var ErrInvalidUsage = errors.New("invalid usage request")

const (
	DefaultHistoryMonths = 12
	MaxHistoryMonths     = 120
)

// Defaults are the limits copied into a period record when it is created.
type Defaults struct {
	Conversions int64
	Bytes       int64
}

// ConsumeResult is the outcome of TryConsume. When Allowed is false, Quota
// is the unmodified record and Denial names the limit that was hit.
type ConsumeResult struct {
	Allowed bool
	Quota   models.UsageQuota
	Denial  models.QuotaDenial
}

type Ledger struct {
	store    Store
	defaults Defaults
	now      func() time.Time
}

type Option func(*Ledger)

// WithClock overrides time.Now, used for UpdatedAt and current-period lookups.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(store Store, defaults Defaults, opts ...Option) (*Ledger, error) {
	if defaults.Conversions < 0 || defaults.Bytes < 0 {
		return nil, fmt.Errorf("%w: default conversions=%d bytes=%d", models.ErrNegativeLimit, defaults.Conversions, defaults.Bytes)
	}
	l := &Ledger{store: store, defaults: defaults, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Ledger) Defaults() Defaults { return l.defaults }

// GetOrCreate returns the record for the period, seeding it with the given
// limits if it does not exist yet.
func (l *Ledger) GetOrCreate(ctx context.Context, userID string, year, month int, defaultConversions, defaultBytes int64) (models.UsageQuota, error) {
	if userID == "" {
		return models.UsageQuota{}, fmt.Errorf("%w: empty user id", ErrInvalidUsage)
	}
	period, err := models.NewPeriod(year, month)
	if err != nil {
		return models.UsageQuota{}, err
	}
	seed, err := models.NewUsageQuota(userID, period, defaultConversions, defaultBytes, l.now())
	if err != nil {
		return models.UsageQuota{}, err
	}
	return l.store.GetOrCreate(ctx, seed)
}

// TryConsume records one conversion of the given size if both limits allow
// it. A denied call leaves the record untouched.
func (l *Ledger) TryConsume(ctx context.Context, userID string, year, month int, bytes int64) (ConsumeResult, error) {
	if bytes < 0 {
		return ConsumeResult{}, fmt.Errorf("%w: negative byte count %d", ErrInvalidUsage, bytes)
	}
	current, err := l.GetOrCreate(ctx, userID, year, month, l.defaults.Conversions, l.defaults.Bytes)
	if err != nil {
		return ConsumeResult{}, err
	}

	q, denial, err := l.store.TryConsume(ctx, userID, current.Period, bytes, l.now())
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("failed to consume quota for %s in %s: %w", userID, current.Period, err)
	}
	return ConsumeResult{Allowed: denial == models.DenialNone, Quota: q, Denial: denial}, nil
}

// UpdateLimits replaces the limits of the current period only. Earlier
// periods keep the limits they were created with.
func (l *Ledger) UpdateLimits(ctx context.Context, userID string, conversionsLimit, bytesLimit int64) (models.UsageQuota, error) {
	now := l.now()
	period := models.PeriodOf(now)
	if _, err := models.NewUsageQuota(userID, period, conversionsLimit, bytesLimit, now); err != nil {
		return models.UsageQuota{}, err
	}
	if _, err := l.GetOrCreate(ctx, userID, period.Year, int(period.Month), conversionsLimit, bytesLimit); err != nil {
		return models.UsageQuota{}, err
	}
	return l.store.SetLimits(ctx, userID, period, conversionsLimit, bytesLimit, now)
}

// Snapshot returns the record for the period containing at without creating
// it. An absent record is reported as zero usage against the defaults.
func (l *Ledger) Snapshot(ctx context.Context, userID string, at time.Time) (models.UsageQuota, error) {
	period := models.PeriodOf(at)
	q, err := l.store.Get(ctx, userID, period)
	if errors.Is(err, ErrNotFound) {
		return models.NewUsageQuota(userID, period, l.defaults.Conversions, l.defaults.Bytes, at)
	}
	return q, err
}

// Current is Snapshot for the ledger clock's current period.
func (l *Ledger) Current(ctx context.Context, userID string) (models.UsageQuota, error) {
	return l.Snapshot(ctx, userID, l.now())
}

// History returns up to months records, newest first. An empty slice is a
// valid answer.
func (l *Ledger) History(ctx context.Context, userID string, months int) ([]models.UsageQuota, error) {
	if months <= 0 {
		months = DefaultHistoryMonths
	}
	if months > MaxHistoryMonths {
		months = MaxHistoryMonths
	}
	return l.store.History(ctx, userID, months)
}
