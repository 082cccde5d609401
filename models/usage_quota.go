package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNegativeLimit = errors.New("quota limit must not be negative")
	ErrInvalidPeriod = errors.New("invalid quota period")
)

// Period is a calendar month in UTC.
type Period struct {
	Year  int
	Month time.Month
}

func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: t.Month()}
}

func NewPeriod(year, month int) (Period, error) {
	if month < 1 || month > 12 || year < 1 {
		return Period{}, fmt.Errorf("%w: %04d-%02d", ErrInvalidPeriod, year, month)
	}
	return Period{Year: year, Month: time.Month(month)}, nil
}

// Prev returns the preceding calendar month.
func (p Period) Prev() Period {
	if p.Month == time.January {
		return Period{Year: p.Year - 1, Month: time.December}
	}
	return Period{Year: p.Year, Month: p.Month - 1}
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// QuotaDenial names the limit a consume attempt would break.
type QuotaDenial string

const (
	DenialNone        QuotaDenial = ""
	DenialConversions QuotaDenial = "conversions"
	DenialBytes       QuotaDenial = "bytes"
)

// UsageQuota is one user's usage in one calendar month.
type UsageQuota struct {
	UserID           string
	Period           Period
	ConversionsUsed  int64
	ConversionsLimit int64
	BytesProcessed   int64
	BytesLimit       int64
	UpdatedAt        time.Time
}

func NewUsageQuota(userID string, period Period, conversionsLimit, bytesLimit int64, now time.Time) (UsageQuota, error) {
	if conversionsLimit < 0 || bytesLimit < 0 {
		return UsageQuota{}, fmt.Errorf("%w: conversions=%d bytes=%d", ErrNegativeLimit, conversionsLimit, bytesLimit)
	}
	if _, err := NewPeriod(period.Year, int(period.Month)); err != nil {
		return UsageQuota{}, err
	}
	return UsageQuota{
		UserID:           userID,
		Period:           period,
		ConversionsLimit: conversionsLimit,
		BytesLimit:       bytesLimit,
		UpdatedAt:        now.UTC(),
	}, nil
}

func (q UsageQuota) RemainingConversions() int64 {
	return max(0, q.ConversionsLimit-q.ConversionsUsed)
}

func (q UsageQuota) RemainingBytes() int64 {
	return max(0, q.BytesLimit-q.BytesProcessed)
}

func (q UsageQuota) IsExceeded() bool {
	return q.ConversionsUsed >= q.ConversionsLimit || q.BytesProcessed >= q.BytesLimit
}

// Check reports which limit, if any, consuming one conversion of the given
// size would break. The conversion count is checked first.
func (q UsageQuota) Check(bytes int64) QuotaDenial {
	if q.ConversionsUsed >= q.ConversionsLimit {
		return DenialConversions
	}
	// Both counters are non-negative, so the subtraction cannot overflow.
	if bytes > q.BytesLimit-q.BytesProcessed {
		return DenialBytes
	}
	return DenialNone
}

// Consumed returns a copy of q with one conversion of the given size applied.
// Callers must have checked the quota first.
func (q UsageQuota) Consumed(bytes int64, at time.Time) UsageQuota {
	q.ConversionsUsed++
	q.BytesProcessed += bytes
	q.UpdatedAt = at.UTC()
	return q
}
