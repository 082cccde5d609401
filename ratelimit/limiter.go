package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"convertapi/models"
)

// LimiterStore caches one token bucket per (user, policy). A bucket holds
// PermitLimit tokens and refills one every Window/PermitLimit, so a full
// window of traffic is admitted in a burst and then paced.
type LimiterStore struct {
	mu           sync.Mutex
	entries      map[limiterKey]*limiterEntry
	idleTTL      time.Duration
	cleanupEvery time.Duration
	now          func() time.Time
}

type limiterKey struct {
	userID string
	policy models.PolicyName
}

type limiterEntry struct {
	lim      *rate.Limiter
	eff      Effective
	lastSeen time.Time
}

type LimiterOption func(*LimiterStore)

func WithIdleTTL(d time.Duration) LimiterOption {
	return func(s *LimiterStore) { s.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) LimiterOption {
	return func(s *LimiterStore) { s.cleanupEvery = d }
}

func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(s *LimiterStore) { s.now = now }
}

func NewLimiterStore(opts ...LimiterOption) *LimiterStore {
	s := &LimiterStore{
		entries:      make(map[limiterKey]*limiterEntry),
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Allow takes one token from the user's bucket for the policy. The bucket is
// rebuilt when the effective limit differs from the one it was built with,
// so admin changes apply on the next request.
func (s *LimiterStore) Allow(userID string, policy models.PolicyName, eff Effective) Decision {
	now := s.now()
	lim := s.get(limiterKey{userID, policy}, eff, now)

	if lim.AllowN(now, 1) {
		return Decision{Allowed: true}
	}

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		// Zero permits: nothing will ever refill.
		return Decision{Allowed: false, RetryAfter: eff.Window}
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return Decision{Allowed: false, RetryAfter: delay}
}

func (s *LimiterStore) get(key limiterKey, eff Effective, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entries[key]; ok && sameLimit(ent.eff, eff) {
		ent.lastSeen = now
		return ent.lim
	}

	lim := newLimiter(eff, now)
	s.entries[key] = &limiterEntry{lim: lim, eff: eff, lastSeen: now}
	return lim
}

func sameLimit(a, b Effective) bool {
	return a.PermitLimit == b.PermitLimit && a.Window == b.Window
}

func newLimiter(eff Effective, now time.Time) *rate.Limiter {
	if eff.PermitLimit <= 0 || eff.Window <= 0 {
		return rate.NewLimiter(0, 0)
	}
	every := eff.Window / time.Duration(eff.PermitLimit)
	lim := rate.NewLimiter(rate.Every(every), eff.PermitLimit)
	// Start full, anchored to the store clock.
	lim.SetBurstAt(now, eff.PermitLimit)
	return lim
}

func (s *LimiterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Cleanup drops buckets not used within the idle TTL.
func (s *LimiterStore) Cleanup() {
	cutoff := s.now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor runs Cleanup periodically until ctx is cancelled.
func (s *LimiterStore) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// retryAfterSeconds rounds up to whole seconds with a floor of one.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
