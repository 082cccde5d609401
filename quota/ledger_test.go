package quota

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convertapi/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestLedger(t *testing.T, defaults Defaults) (*Ledger, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, time.January, 15, 10, 0, 0, 0, time.UTC)}
	l, err := NewLedger(NewMemoryStore(), defaults, WithClock(clock.Now))
	require.NoError(t, err)
	return l, clock
}

func TestLedger_FreeTierMonth(t *testing.T) {
	l, _ := newTestLedger(t, Defaults{Conversions: 1000, Bytes: 1 << 30})
	ctx := context.Background()

	for i := 1; i <= 1000; i++ {
		res, err := l.TryConsume(ctx, "user-1", 2026, 1, 1024)
		require.NoError(t, err)
		require.Truef(t, res.Allowed, "conversion %d should be admitted", i)
		require.Equal(t, int64(i), res.Quota.ConversionsUsed)
	}

	res, err := l.TryConsume(ctx, "user-1", 2026, 1, 1024)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, models.DenialConversions, res.Denial)
	assert.Equal(t, int64(1000), res.Quota.ConversionsUsed)
	assert.Equal(t, int64(1000), res.Quota.ConversionsLimit)
	assert.Equal(t, int64(1000*1024), res.Quota.BytesProcessed)

	feb, err := l.TryConsume(ctx, "user-1", 2026, 2, 1024)
	require.NoError(t, err)
	assert.True(t, feb.Allowed)
	assert.Equal(t, int64(1), feb.Quota.ConversionsUsed)
	assert.Equal(t, models.Period{Year: 2026, Month: time.February}, feb.Quota.Period)
}

func TestLedger_RejectionLeavesCountersUntouched(t *testing.T) {
	l, clock := newTestLedger(t, Defaults{Conversions: 10, Bytes: 100})
	ctx := context.Background()

	res, err := l.TryConsume(ctx, "user-1", 2026, 1, 60)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	before, err := l.Snapshot(ctx, "user-1", clock.Now())
	require.NoError(t, err)

	res, err = l.TryConsume(ctx, "user-1", 2026, 1, 41)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, models.DenialBytes, res.Denial)
	assert.Equal(t, before, res.Quota)

	after, err := l.Snapshot(ctx, "user-1", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// Exactly at the byte limit is still admitted.
	res, err = l.TryConsume(ctx, "user-1", 2026, 1, 40)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(100), res.Quota.BytesProcessed)
}

func TestLedger_RejectsInputLargerThanAnyLimit(t *testing.T) {
	l, clock := newTestLedger(t, Defaults{Conversions: 10, Bytes: 1000})
	ctx := context.Background()

	res, err := l.TryConsume(ctx, "user-1", 2026, 1, 10)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.TryConsume(ctx, "user-1", 2026, 1, math.MaxInt64)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, models.DenialBytes, res.Denial)

	q, err := l.Snapshot(ctx, "user-1", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.ConversionsUsed)
	assert.Equal(t, int64(10), q.BytesProcessed)
}

func TestLedger_MonotonicCounters(t *testing.T) {
	l, _ := newTestLedger(t, Defaults{Conversions: 100, Bytes: 1 << 20})
	ctx := context.Background()

	sizes := []int64{0, 10, 250, 4096, 1}
	var total int64
	for i, n := range sizes {
		res, err := l.TryConsume(ctx, "user-1", 2026, 1, n)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		total += n
		assert.Equal(t, int64(i+1), res.Quota.ConversionsUsed)
		assert.Equal(t, total, res.Quota.BytesProcessed)
	}
}

func TestLedger_PeriodIsolation(t *testing.T) {
	l, _ := newTestLedger(t, Defaults{Conversions: 5, Bytes: 1000})
	ctx := context.Background()

	_, err := l.TryConsume(ctx, "user-1", 2026, 1, 100)
	require.NoError(t, err)
	_, err = l.TryConsume(ctx, "user-1", 2026, 2, 300)
	require.NoError(t, err)
	_, err = l.TryConsume(ctx, "user-2", 2026, 1, 7)
	require.NoError(t, err)

	jan, err := l.Snapshot(ctx, "user-1", time.Date(2026, 1, 31, 23, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	feb, err := l.Snapshot(ctx, "user-1", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, int64(1), jan.ConversionsUsed)
	assert.Equal(t, int64(100), jan.BytesProcessed)
	assert.Equal(t, int64(1), feb.ConversionsUsed)
	assert.Equal(t, int64(300), feb.BytesProcessed)
}

func TestLedger_ConcurrentLastUnit(t *testing.T) {
	l, _ := newTestLedger(t, Defaults{Conversions: 3, Bytes: 1 << 20})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.TryConsume(ctx, "user-1", 2026, 1, 1)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	const racers = 64
	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := l.TryConsume(ctx, "user-1", 2026, 1, 1)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), allowed.Load())
	q, err := l.GetOrCreate(ctx, "user-1", 2026, 1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), q.ConversionsUsed)
	assert.Equal(t, int64(3), q.BytesProcessed)
}

func TestLedger_GetOrCreateKeepsExistingLimits(t *testing.T) {
	l, _ := newTestLedger(t, Defaults{Conversions: 10, Bytes: 100})
	ctx := context.Background()

	first, err := l.GetOrCreate(ctx, "user-1", 2026, 3, 50, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(50), first.ConversionsLimit)

	second, err := l.GetOrCreate(ctx, "user-1", 2026, 3, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLedger_UpdateLimitsCurrentPeriodOnly(t *testing.T) {
	l, clock := newTestLedger(t, Defaults{Conversions: 10, Bytes: 1000})
	ctx := context.Background()

	_, err := l.TryConsume(ctx, "user-1", 2025, 12, 10)
	require.NoError(t, err)

	clock.Set(time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC))
	q, err := l.UpdateLimits(ctx, "user-1", 2, 20)
	require.NoError(t, err)
	assert.Equal(t, models.Period{Year: 2026, Month: time.January}, q.Period)
	assert.Equal(t, int64(2), q.ConversionsLimit)
	assert.Equal(t, int64(20), q.BytesLimit)

	dec, err := l.Snapshot(ctx, "user-1", time.Date(2025, 12, 5, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(10), dec.ConversionsLimit)
	assert.Equal(t, int64(1000), dec.BytesLimit)

	// Lowering limits below current usage is allowed and blocks further use.
	_, err = l.TryConsume(ctx, "user-1", 2026, 1, 5)
	require.NoError(t, err)
	_, err = l.TryConsume(ctx, "user-1", 2026, 1, 5)
	require.NoError(t, err)
	q, err = l.UpdateLimits(ctx, "user-1", 1, 20)
	require.NoError(t, err)
	assert.True(t, q.IsExceeded())
	assert.Equal(t, int64(0), q.RemainingConversions())
}

func TestLedger_Validation(t *testing.T) {
	_, err := NewLedger(NewMemoryStore(), Defaults{Conversions: -1})
	assert.ErrorIs(t, err, models.ErrNegativeLimit)

	l, _ := newTestLedger(t, Defaults{Conversions: 10, Bytes: 100})
	ctx := context.Background()

	_, err = l.UpdateLimits(ctx, "user-1", -5, 10)
	assert.ErrorIs(t, err, models.ErrNegativeLimit)

	_, err = l.TryConsume(ctx, "user-1", 2026, 1, -1)
	assert.ErrorIs(t, err, ErrInvalidUsage)

	_, err = l.TryConsume(ctx, "", 2026, 1, 1)
	assert.ErrorIs(t, err, ErrInvalidUsage)

	_, err = l.TryConsume(ctx, "user-1", 2026, 13, 1)
	assert.ErrorIs(t, err, models.ErrInvalidPeriod)
}

func TestLedger_SnapshotDoesNotCreate(t *testing.T) {
	l, clock := newTestLedger(t, Defaults{Conversions: 1000, Bytes: 1 << 30})
	ctx := context.Background()

	q, err := l.Snapshot(ctx, "user-1", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.ConversionsUsed)
	assert.Equal(t, int64(1000), q.ConversionsLimit)
	assert.Equal(t, int64(1000), q.RemainingConversions())

	hist, err := l.History(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestLedger_HistoryNewestFirst(t *testing.T) {
	l, _ := newTestLedger(t, Defaults{Conversions: 10, Bytes: 100})
	ctx := context.Background()

	for _, p := range []struct{ y, m int }{{2025, 11}, {2026, 2}, {2025, 12}, {2026, 1}} {
		_, err := l.TryConsume(ctx, "user-1", p.y, p.m, 1)
		require.NoError(t, err)
	}

	hist, err := l.History(ctx, "user-1", 3)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "2026-02", hist[0].Period.String())
	assert.Equal(t, "2026-01", hist[1].Period.String())
	assert.Equal(t, "2025-12", hist[2].Period.String())
}

func TestNewView(t *testing.T) {
	q := models.UsageQuota{
		UserID:           "user-1",
		Period:           models.Period{Year: 2026, Month: time.January},
		ConversionsUsed:  1000,
		ConversionsLimit: 1000,
		BytesProcessed:   10,
		BytesLimit:       100,
	}
	v := NewView(q)
	assert.Equal(t, 1, v.Month)
	assert.Equal(t, int64(0), v.RemainingConversions)
	assert.Equal(t, int64(90), v.RemainingBytes)
	assert.True(t, v.IsQuotaExceeded)
}
