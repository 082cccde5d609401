package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"convertapi/models"
)

var ErrJobNotFound = errors.New("conversion job not found")

// OpenDatabase connects to Postgres and verifies the connection.
func OpenDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// JobRepository persists conversion jobs.
type JobRepository interface {
	Save(ctx context.Context, job *models.ConversionJob) error
	Get(ctx context.Context, id uuid.UUID) (*models.ConversionJob, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.ConversionJob, error)
	// ListStaleProcessing returns jobs stuck in Processing since before cutoff.
	ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*models.ConversionJob, error)
}

const conversionJobsSchema = `
CREATE TABLE IF NOT EXISTS conversion_jobs (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    source_format TEXT NOT NULL,
    target_format TEXT NOT NULL,
    status TEXT NOT NULL,
    input_file_name TEXT NOT NULL,
    output_file_name TEXT NOT NULL DEFAULT '',
    output_data BYTEA,
    error_message TEXT NOT NULL DEFAULT '',
    callback_url TEXT NOT NULL DEFAULT '',
    storage_location TEXT NOT NULL DEFAULT 'Inline',
    external_key TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS conversion_jobs_user_created_idx ON conversion_jobs (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS conversion_jobs_status_updated_idx ON conversion_jobs (status, updated_at);
`

const upsertJobSQL = "" +
	"INSERT INTO conversion_jobs (id, user_id, source_format, target_format, status, input_file_name," +
	" output_file_name, output_data, error_message, callback_url, storage_location, external_key," +
	" created_at, completed_at, updated_at)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)" +
	" ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status," +
	" output_file_name = EXCLUDED.output_file_name, output_data = EXCLUDED.output_data," +
	" error_message = EXCLUDED.error_message, storage_location = EXCLUDED.storage_location," +
	" external_key = EXCLUDED.external_key, completed_at = EXCLUDED.completed_at," +
	" updated_at = EXCLUDED.updated_at"

const jobColumns = "" +
	"id, user_id, source_format, target_format, status, input_file_name, output_file_name," +
	" output_data, error_message, callback_url, storage_location, external_key, created_at, completed_at"

const selectJobSQL = "SELECT " + jobColumns + " FROM conversion_jobs WHERE id = $1"

const selectJobsByUserSQL = "" +
	"SELECT " + jobColumns + " FROM conversion_jobs WHERE user_id = $1" +
	" ORDER BY created_at DESC LIMIT $2"

const selectStaleJobsSQL = "" +
	"SELECT " + jobColumns + " FROM conversion_jobs WHERE status = $1 AND updated_at < $2" +
	" ORDER BY updated_at LIMIT $3"

// PostgresJobRepository keeps jobs in the conversion_jobs table.
type PostgresJobRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresJobRepository(db *sql.DB) (*PostgresJobRepository, error) {
	if _, err := db.Exec(conversionJobsSchema); err != nil {
		return nil, fmt.Errorf("failed to create conversion_jobs table: %w", err)
	}
	return &PostgresJobRepository{db: db, now: time.Now}, nil
}

func (r *PostgresJobRepository) Save(ctx context.Context, job *models.ConversionJob) error {
	rec := job.Record()

	var completedAt interface{}
	if rec.CompletedAt != nil {
		completedAt = rec.CompletedAt.UTC()
	}

	_, err := r.db.ExecContext(ctx, upsertJobSQL,
		rec.ID, rec.UserID, rec.SourceFormat, rec.TargetFormat, string(rec.Status), rec.InputFileName,
		rec.OutputFileName, rec.OutputData, rec.ErrorMessage, rec.CallbackURL, string(rec.StorageLocation),
		rec.ExternalKey, rec.CreatedAt.UTC(), completedAt, r.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save conversion job %s: %w", rec.ID, err)
	}
	return nil
}

func (r *PostgresJobRepository) Get(ctx context.Context, id uuid.UUID) (*models.ConversionJob, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, selectJobSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select conversion job %s: %w", id, err)
	}
	return job, nil
}

func (r *PostgresJobRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*models.ConversionJob, error) {
	rows, err := r.db.QueryContext(ctx, selectJobsByUserSQL, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversion jobs: %w", err)
	}
	return scanJobs(rows)
}

func (r *PostgresJobRepository) ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*models.ConversionJob, error) {
	rows, err := r.db.QueryContext(ctx, selectStaleJobsSQL, string(models.JobStatusProcessing), cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale conversion jobs: %w", err)
	}
	return scanJobs(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.ConversionJob, error) {
	var (
		rec         models.JobRecord
		status      string
		storage     string
		completedAt sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.SourceFormat, &rec.TargetFormat, &status, &rec.InputFileName,
		&rec.OutputFileName, &rec.OutputData, &rec.ErrorMessage, &rec.CallbackURL, &storage,
		&rec.ExternalKey, &rec.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = models.JobStatus(status)
	rec.StorageLocation = models.StorageLocation(storage)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		rec.CompletedAt = &t
	}
	return models.RestoreConversionJob(rec)
}

func scanJobs(rows *sql.Rows) ([]*models.ConversionJob, error) {
	defer rows.Close()

	var jobs []*models.ConversionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversion job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MemoryJobRepository keeps jobs in process memory.
type MemoryJobRepository struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]memoryJob
	now  func() time.Time
}

type memoryJob struct {
	record    models.JobRecord
	updatedAt time.Time
}

func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{jobs: make(map[uuid.UUID]memoryJob), now: time.Now}
}

// SetClock replaces the clock that stamps saved jobs.
func (r *MemoryJobRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryJobRepository) Save(_ context.Context, job *models.ConversionJob) error {
	rec := job.Record()
	if rec.OutputData != nil {
		rec.OutputData = append([]byte(nil), rec.OutputData...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[rec.ID] = memoryJob{record: rec, updatedAt: r.now()}
	return nil
}

func (r *MemoryJobRepository) Get(_ context.Context, id uuid.UUID) (*models.ConversionJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mj, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return models.RestoreConversionJob(mj.record)
}

func (r *MemoryJobRepository) ListByUser(_ context.Context, userID string, limit int) ([]*models.ConversionJob, error) {
	return r.list(limit,
		func(mj memoryJob) bool { return mj.record.UserID == userID },
		func(a, b memoryJob) bool { return a.record.CreatedAt.After(b.record.CreatedAt) },
	)
}

func (r *MemoryJobRepository) ListStaleProcessing(_ context.Context, cutoff time.Time, limit int) ([]*models.ConversionJob, error) {
	return r.list(limit,
		func(mj memoryJob) bool {
			return mj.record.Status == models.JobStatusProcessing && mj.updatedAt.Before(cutoff)
		},
		func(a, b memoryJob) bool { return a.updatedAt.Before(b.updatedAt) },
	)
}

func (r *MemoryJobRepository) list(limit int, keep func(memoryJob) bool, less func(a, b memoryJob) bool) ([]*models.ConversionJob, error) {
	r.mu.RLock()
	matched := make([]memoryJob, 0)
	for _, mj := range r.jobs {
		if keep(mj) {
			matched = append(matched, mj)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return less(matched[i], matched[j]) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	jobs := make([]*models.ConversionJob, 0, len(matched))
	for _, mj := range matched {
		job, err := models.RestoreConversionJob(mj.record)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
