package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsageQuota_RejectsNegativeLimits(t *testing.T) {
	p := Period{Year: 2026, Month: time.January}

	_, err := NewUsageQuota("u", p, -1, 10, time.Now())
	assert.ErrorIs(t, err, ErrNegativeLimit)

	_, err = NewUsageQuota("u", p, 10, -1, time.Now())
	assert.ErrorIs(t, err, ErrNegativeLimit)

	_, err = NewUsageQuota("u", Period{Year: 2026, Month: 13}, 10, 10, time.Now())
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestUsageQuota_Derived(t *testing.T) {
	q, err := NewUsageQuota("u", Period{Year: 2026, Month: time.March}, 3, 100, time.Now())
	require.NoError(t, err)

	assert.Equal(t, int64(3), q.RemainingConversions())
	assert.Equal(t, int64(100), q.RemainingBytes())
	assert.False(t, q.IsExceeded())

	q = q.Consumed(60, time.Now())
	q = q.Consumed(40, time.Now())
	assert.Equal(t, int64(1), q.RemainingConversions())
	assert.Equal(t, int64(0), q.RemainingBytes())
	assert.True(t, q.IsExceeded())

	q.ConversionsUsed = 5
	assert.Equal(t, int64(0), q.RemainingConversions(), "remaining is floored at zero")
}

func TestUsageQuota_Check(t *testing.T) {
	q, err := NewUsageQuota("u", Period{Year: 2026, Month: time.March}, 2, 100, time.Now())
	require.NoError(t, err)

	assert.Equal(t, DenialNone, q.Check(100))
	assert.Equal(t, DenialBytes, q.Check(101))

	q = q.Consumed(10, time.Now()).Consumed(10, time.Now())
	assert.Equal(t, DenialConversions, q.Check(0), "conversion count is checked before bytes")
}

func TestUsageQuota_CheckHugeInput(t *testing.T) {
	q, err := NewUsageQuota("u", Period{Year: 2026, Month: time.March}, 10, 1000, time.Now())
	require.NoError(t, err)
	q = q.Consumed(10, time.Now())

	assert.Equal(t, DenialBytes, q.Check(math.MaxInt64))

	// A limit lowered below current usage rejects any further bytes.
	q.BytesLimit = 5
	assert.Equal(t, DenialBytes, q.Check(0))
}

func TestPeriod(t *testing.T) {
	p := PeriodOf(time.Date(2026, time.January, 31, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, Period{Year: 2026, Month: time.January}, p)
	assert.Equal(t, Period{Year: 2025, Month: time.December}, p.Prev())
	assert.Equal(t, "2026-01", p.String())

	_, err := NewPeriod(2026, 0)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}
