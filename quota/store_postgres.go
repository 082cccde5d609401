package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"convertapi/models"
)

const usageQuotasSchema = `
CREATE TABLE IF NOT EXISTS usage_quotas (
    user_id TEXT NOT NULL,
    year INTEGER NOT NULL,
    month SMALLINT NOT NULL CHECK (month BETWEEN 1 AND 12),
    conversions_used BIGINT NOT NULL DEFAULT 0,
    conversions_limit BIGINT NOT NULL CHECK (conversions_limit >= 0),
    bytes_processed BIGINT NOT NULL DEFAULT 0,
    bytes_limit BIGINT NOT NULL CHECK (bytes_limit >= 0),
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, year, month)
);
`

const insertQuotaSQL = "" +
	"INSERT INTO usage_quotas (user_id, year, month, conversions_used, conversions_limit, bytes_processed, bytes_limit, updated_at)" +
	" VALUES ($1, $2, $3, 0, $4, 0, $5, $6)" +
	" ON CONFLICT (user_id, year, month) DO NOTHING"

const selectQuotaSQL = "" +
	"SELECT conversions_used, conversions_limit, bytes_processed, bytes_limit, updated_at" +
	" FROM usage_quotas WHERE user_id = $1 AND year = $2 AND month = $3"

// The WHERE clause carries the whole admission check so the increment is a
// single row-level atomic statement.
const consumeQuotaSQL = "" +
	"UPDATE usage_quotas SET conversions_used = conversions_used + 1," +
	" bytes_processed = bytes_processed + $4, updated_at = $5" +
	" WHERE user_id = $1 AND year = $2 AND month = $3" +
	" AND conversions_used < conversions_limit AND $4 <= bytes_limit - bytes_processed" +
	" RETURNING conversions_used, conversions_limit, bytes_processed, bytes_limit, updated_at"

const updateLimitsSQL = "" +
	"UPDATE usage_quotas SET conversions_limit = $4, bytes_limit = $5, updated_at = $6" +
	" WHERE user_id = $1 AND year = $2 AND month = $3" +
	" RETURNING conversions_used, conversions_limit, bytes_processed, bytes_limit, updated_at"

const selectHistorySQL = "" +
	"SELECT year, month, conversions_used, conversions_limit, bytes_processed, bytes_limit, updated_at" +
	" FROM usage_quotas WHERE user_id = $1 ORDER BY year DESC, month DESC LIMIT $2"

// consumeAttempts bounds the retry when a concurrent limit change makes the
// conditional update miss although the re-read record has room.
const consumeAttempts = 3

// PostgresStore keeps usage records in the usage_quotas table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the table if needed.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if _, err := db.Exec(usageQuotasSchema); err != nil {
		return nil, fmt.Errorf("failed to create usage_quotas table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string, period models.Period) (models.UsageQuota, error) {
	q := models.UsageQuota{UserID: userID, Period: period}
	err := s.db.QueryRowContext(ctx, selectQuotaSQL, userID, period.Year, int(period.Month)).
		Scan(&q.ConversionsUsed, &q.ConversionsLimit, &q.BytesProcessed, &q.BytesLimit, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UsageQuota{}, ErrNotFound
	}
	if err != nil {
		return models.UsageQuota{}, fmt.Errorf("failed to select usage quota: %w", err)
	}
	q.UpdatedAt = q.UpdatedAt.UTC()
	return q, nil
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, seed models.UsageQuota) (models.UsageQuota, error) {
	_, err := s.db.ExecContext(ctx, insertQuotaSQL,
		seed.UserID, seed.Period.Year, int(seed.Period.Month),
		seed.ConversionsLimit, seed.BytesLimit, seed.UpdatedAt,
	)
	if err != nil {
		return models.UsageQuota{}, fmt.Errorf("failed to insert usage quota: %w", err)
	}
	return s.Get(ctx, seed.UserID, seed.Period)
}

func (s *PostgresStore) TryConsume(ctx context.Context, userID string, period models.Period, bytes int64, now time.Time) (models.UsageQuota, models.QuotaDenial, error) {
	for attempt := 0; attempt < consumeAttempts; attempt++ {
		q := models.UsageQuota{UserID: userID, Period: period}
		err := s.db.QueryRowContext(ctx, consumeQuotaSQL, userID, period.Year, int(period.Month), bytes, now.UTC()).
			Scan(&q.ConversionsUsed, &q.ConversionsLimit, &q.BytesProcessed, &q.BytesLimit, &q.UpdatedAt)
		if err == nil {
			q.UpdatedAt = q.UpdatedAt.UTC()
			return q, models.DenialNone, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return models.UsageQuota{}, models.DenialNone, fmt.Errorf("failed to consume usage quota: %w", err)
		}

		current, err := s.Get(ctx, userID, period)
		if err != nil {
			return models.UsageQuota{}, models.DenialNone, err
		}
		if denial := current.Check(bytes); denial != models.DenialNone {
			return current, denial, nil
		}
	}
	return models.UsageQuota{}, models.DenialNone, fmt.Errorf("failed to consume usage quota: record kept changing after %d attempts", consumeAttempts)
}

func (s *PostgresStore) SetLimits(ctx context.Context, userID string, period models.Period, conversionsLimit, bytesLimit int64, now time.Time) (models.UsageQuota, error) {
	q := models.UsageQuota{UserID: userID, Period: period}
	err := s.db.QueryRowContext(ctx, updateLimitsSQL,
		userID, period.Year, int(period.Month), conversionsLimit, bytesLimit, now.UTC(),
	).Scan(&q.ConversionsUsed, &q.ConversionsLimit, &q.BytesProcessed, &q.BytesLimit, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UsageQuota{}, ErrNotFound
	}
	if err != nil {
		return models.UsageQuota{}, fmt.Errorf("failed to update quota limits: %w", err)
	}
	q.UpdatedAt = q.UpdatedAt.UTC()
	return q, nil
}

func (s *PostgresStore) History(ctx context.Context, userID string, limit int) ([]models.UsageQuota, error) {
	rows, err := s.db.QueryContext(ctx, selectHistorySQL, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select quota history: %w", err)
	}
	defer rows.Close()

	out := []models.UsageQuota{}
	for rows.Next() {
		var (
			q     = models.UsageQuota{UserID: userID}
			month int
		)
		if err := rows.Scan(&q.Period.Year, &month, &q.ConversionsUsed, &q.ConversionsLimit, &q.BytesProcessed, &q.BytesLimit, &q.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan quota history: %w", err)
		}
		q.Period.Month = time.Month(month)
		q.UpdatedAt = q.UpdatedAt.UTC()
		out = append(out, q)
	}
	return out, rows.Err()
}
