package quota

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"convertapi/models"
)

// ErrNotFound is returned when no record exists for a (user, period).
var ErrNotFound = errors.New("quota record not found")

// Store persists usage records. TryConsume must be linearizable per
// (user, period): two callers racing for the last unit never both win.
type Store interface {
	Get(ctx context.Context, userID string, period models.Period) (models.UsageQuota, error)
	// GetOrCreate inserts seed if no record exists for its (user, period) and
	// returns the stored record either way.
	GetOrCreate(ctx context.Context, seed models.UsageQuota) (models.UsageQuota, error)
	// TryConsume applies one conversion of the given size if it fits. On
	// denial the returned record is the unmodified current one.
	TryConsume(ctx context.Context, userID string, period models.Period, bytes int64, now time.Time) (models.UsageQuota, models.QuotaDenial, error)
	SetLimits(ctx context.Context, userID string, period models.Period, conversionsLimit, bytesLimit int64, now time.Time) (models.UsageQuota, error)
	// History returns up to limit records, newest period first.
	History(ctx context.Context, userID string, limit int) ([]models.UsageQuota, error)
}

type recordKey struct {
	userID string
	period models.Period
}

type memoryRecord struct {
	mu sync.Mutex
	q  models.UsageQuota
}

// MemoryStore keeps records in process memory. Each record has its own
// mutex so consumers of different users never contend.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]*memoryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]*memoryRecord)}
}

func (s *MemoryStore) lookup(userID string, period models.Period) (*memoryRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[recordKey{userID, period}]
	return r, ok
}

func (s *MemoryStore) Get(_ context.Context, userID string, period models.Period) (models.UsageQuota, error) {
	r, ok := s.lookup(userID, period)
	if !ok {
		return models.UsageQuota{}, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.q, nil
}

func (s *MemoryStore) GetOrCreate(_ context.Context, seed models.UsageQuota) (models.UsageQuota, error) {
	key := recordKey{seed.UserID, seed.Period}

	s.mu.Lock()
	r, ok := s.records[key]
	if !ok {
		r = &memoryRecord{q: seed}
		s.records[key] = r
	}
	s.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.q, nil
}

func (s *MemoryStore) TryConsume(_ context.Context, userID string, period models.Period, bytes int64, now time.Time) (models.UsageQuota, models.QuotaDenial, error) {
	r, ok := s.lookup(userID, period)
	if !ok {
		return models.UsageQuota{}, models.DenialNone, ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if denial := r.q.Check(bytes); denial != models.DenialNone {
		return r.q, denial, nil
	}
	r.q = r.q.Consumed(bytes, now)
	return r.q, models.DenialNone, nil
}

func (s *MemoryStore) SetLimits(_ context.Context, userID string, period models.Period, conversionsLimit, bytesLimit int64, now time.Time) (models.UsageQuota, error) {
	r, ok := s.lookup(userID, period)
	if !ok {
		return models.UsageQuota{}, ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.q.ConversionsLimit = conversionsLimit
	r.q.BytesLimit = bytesLimit
	r.q.UpdatedAt = now.UTC()
	return r.q, nil
}

func (s *MemoryStore) History(_ context.Context, userID string, limit int) ([]models.UsageQuota, error) {
	s.mu.Lock()
	var recs []*memoryRecord
	for k, r := range s.records {
		if k.userID == userID {
			recs = append(recs, r)
		}
	}
	s.mu.Unlock()

	out := make([]models.UsageQuota, 0, len(recs))
	for _, r := range recs {
		r.mu.Lock()
		out = append(out, r.q)
		r.mu.Unlock()
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(qs []models.UsageQuota) {
	sort.Slice(qs, func(i, j int) bool { return periodAfter(qs[i].Period, qs[j].Period) })
}

func periodAfter(a, b models.Period) bool {
	if a.Year != b.Year {
		return a.Year > b.Year
	}
	return a.Month > b.Month
}
