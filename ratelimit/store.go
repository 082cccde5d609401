package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"convertapi/models"
)

var ErrSettingsNotFound = errors.New("rate limit settings not found")

// SettingsStore persists one UserRateLimitSettings record per user.
type SettingsStore interface {
	Get(ctx context.Context, userID string) (models.UserRateLimitSettings, error)
	// Create stores s unless a record for the user exists, and returns the
	// stored record.
	Create(ctx context.Context, s models.UserRateLimitSettings) (models.UserRateLimitSettings, error)
	Save(ctx context.Context, s models.UserRateLimitSettings) error
}

type MemorySettingsStore struct {
	mu    sync.RWMutex
	users map[string]models.UserRateLimitSettings
}

func NewMemorySettingsStore() *MemorySettingsStore {
	return &MemorySettingsStore{users: make(map[string]models.UserRateLimitSettings)}
}

func (m *MemorySettingsStore) Get(_ context.Context, userID string) (models.UserRateLimitSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.users[userID]
	if !ok {
		return models.UserRateLimitSettings{}, ErrSettingsNotFound
	}
	return s, nil
}

func (m *MemorySettingsStore) Create(_ context.Context, s models.UserRateLimitSettings) (models.UserRateLimitSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[s.UserID]; ok {
		return existing, nil
	}
	m.users[s.UserID] = s
	return s, nil
}

func (m *MemorySettingsStore) Save(_ context.Context, s models.UserRateLimitSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[s.UserID]; !ok {
		return ErrSettingsNotFound
	}
	m.users[s.UserID] = s
	return nil
}

const rateLimitSettingsSchema = `
CREATE TABLE IF NOT EXISTS user_rate_limit_settings (
    user_id TEXT PRIMARY KEY,
    tier TEXT NOT NULL,
    standard_permit_limit INTEGER CHECK (standard_permit_limit >= 0),
    standard_window_minutes INTEGER CHECK (standard_window_minutes > 0),
    conversion_permit_limit INTEGER CHECK (conversion_permit_limit >= 0),
    conversion_window_minutes INTEGER CHECK (conversion_window_minutes > 0),
    updated_at TIMESTAMPTZ NOT NULL
);
`

const selectSettingsSQL = "" +
	"SELECT tier, standard_permit_limit, standard_window_minutes, conversion_permit_limit, conversion_window_minutes, updated_at" +
	" FROM user_rate_limit_settings WHERE user_id = $1"

const insertSettingsSQL = "" +
	"INSERT INTO user_rate_limit_settings (user_id, tier, standard_permit_limit, standard_window_minutes," +
	" conversion_permit_limit, conversion_window_minutes, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)" +
	" ON CONFLICT (user_id) DO NOTHING"

const updateSettingsSQL = "" +
	"UPDATE user_rate_limit_settings SET tier = $2, standard_permit_limit = $3, standard_window_minutes = $4," +
	" conversion_permit_limit = $5, conversion_window_minutes = $6, updated_at = $7 WHERE user_id = $1"

// PostgresSettingsStore keeps settings in user_rate_limit_settings. A NULL
// override column means the tier default applies.
type PostgresSettingsStore struct {
	db *sql.DB
}

func NewPostgresSettingsStore(db *sql.DB) (*PostgresSettingsStore, error) {
	if _, err := db.Exec(rateLimitSettingsSchema); err != nil {
		return nil, fmt.Errorf("failed to create user_rate_limit_settings table: %w", err)
	}
	return &PostgresSettingsStore{db: db}, nil
}

func (p *PostgresSettingsStore) Get(ctx context.Context, userID string) (models.UserRateLimitSettings, error) {
	var (
		s                    = models.UserRateLimitSettings{UserID: userID}
		tier                 string
		stdPermit, stdWindow sql.NullInt64
		cnvPermit, cnvWindow sql.NullInt64
	)
	err := p.db.QueryRowContext(ctx, selectSettingsSQL, userID).
		Scan(&tier, &stdPermit, &stdWindow, &cnvPermit, &cnvWindow, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UserRateLimitSettings{}, ErrSettingsNotFound
	}
	if err != nil {
		return models.UserRateLimitSettings{}, fmt.Errorf("failed to select rate limit settings: %w", err)
	}

	// A tier renamed in configuration keeps loading; the catalog maps it to Free.
	if t, err := models.ParseTier(tier); err == nil {
		s.Tier = t
	} else {
		s.Tier = models.Tier(tier)
	}
	s.Standard = models.PolicyOverrides{PermitLimit: nullOverride(stdPermit), WindowMinutes: nullOverride(stdWindow)}
	s.Conversion = models.PolicyOverrides{PermitLimit: nullOverride(cnvPermit), WindowMinutes: nullOverride(cnvWindow)}
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

func (p *PostgresSettingsStore) Create(ctx context.Context, s models.UserRateLimitSettings) (models.UserRateLimitSettings, error) {
	if _, err := p.db.ExecContext(ctx, insertSettingsSQL, settingsArgs(s)...); err != nil {
		return models.UserRateLimitSettings{}, fmt.Errorf("failed to insert rate limit settings: %w", err)
	}
	return p.Get(ctx, s.UserID)
}

func (p *PostgresSettingsStore) Save(ctx context.Context, s models.UserRateLimitSettings) error {
	res, err := p.db.ExecContext(ctx, updateSettingsSQL, settingsArgs(s)...)
	if err != nil {
		return fmt.Errorf("failed to update rate limit settings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update rate limit settings: %w", err)
	}
	if n == 0 {
		return ErrSettingsNotFound
	}
	return nil
}

func settingsArgs(s models.UserRateLimitSettings) []interface{} {
	return []interface{}{
		s.UserID,
		string(s.Tier),
		s.Standard.PermitLimit.Ptr(),
		s.Standard.WindowMinutes.Ptr(),
		s.Conversion.PermitLimit.Ptr(),
		s.Conversion.WindowMinutes.Ptr(),
		s.UpdatedAt,
	}
}

func nullOverride(n sql.NullInt64) models.Override {
	if !n.Valid {
		return models.Default()
	}
	return models.OverrideOf(int(n.Int64))
}
