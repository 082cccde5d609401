// Package conversion drives a job through its lifecycle: it runs the engine,
// picks where the output lives, persists every transition and hands the
// terminal snapshot to the notifier.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"convertapi/logger"
	"convertapi/metrics"
	"convertapi/models"
	"convertapi/services"
)

// Dispatcher receives terminal snapshots. webhook.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(snap models.JobSnapshot)
}

// Queue hands staged jobs to the asynchronous workers.
type Queue interface {
	Enqueue(ctx context.Context, jobID uuid.UUID, userID, inputKey string) error
}

type Config struct {
	// InlineMaxBytes is the largest output kept in the job record. Larger
	// outputs go to object storage when it is configured.
	InlineMaxBytes int
	Timeout        time.Duration
}

type Processor struct {
	jobs       services.JobRepository
	converter  services.Converter
	objects    services.ObjectStore
	dispatcher Dispatcher
	cfg        Config
}

// NewProcessor builds a processor. objects may be nil, in which case every
// output is stored inline.
func NewProcessor(jobs services.JobRepository, converter services.Converter, objects services.ObjectStore, dispatcher Dispatcher, cfg Config) *Processor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Processor{
		jobs:       jobs,
		converter:  converter,
		objects:    objects,
		dispatcher: dispatcher,
		cfg:        cfg,
	}
}

func (p *Processor) Jobs() services.JobRepository { return p.jobs }

// Supports reports whether the engine handles the format pair.
func (p *Processor) Supports(sourceFormat, targetFormat string) error {
	return p.converter.Supports(models.NormalizeFormat(sourceFormat), models.NormalizeFormat(targetFormat))
}

// Create persists a new Pending job.
func (p *Processor) Create(ctx context.Context, job *models.ConversionJob) error {
	return p.jobs.Save(ctx, job)
}

// Start moves the job to Processing and saves it. A job already in
// Processing is saved again, which refreshes its staleness clock.
func (p *Processor) Start(ctx context.Context, job *models.ConversionJob) error {
	if job.Status() == models.JobStatusPending {
		if err := job.MarkProcessing(); err != nil {
			logger.Error("Job transition rejected", zap.String("job_id", job.ID().String()), zap.Error(err))
			return err
		}
	}
	return p.jobs.Save(ctx, job)
}

// Execute converts the input and completes the job. A conversion or storage
// error is returned with the job left in Processing so the caller can retry
// or fail it.
func (p *Processor) Execute(ctx context.Context, job *models.ConversionJob, in services.Document) (models.JobSnapshot, error) {
	convCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	startTime := time.Now()
	out, err := p.converter.Convert(convCtx, in, job.SourceFormat(), job.TargetFormat())
	if err != nil {
		if errors.Is(convCtx.Err(), context.DeadlineExceeded) {
			return models.JobSnapshot{}, fmt.Errorf("conversion timed out after %s", p.cfg.Timeout)
		}
		return models.JobSnapshot{}, fmt.Errorf("conversion failed: %w", err)
	}

	if p.objects != nil && len(out.Data) > p.cfg.InlineMaxBytes {
		key := OutputKey(job.UserID(), job.ID(), out.FileName)
		if err := p.objects.Upload(convCtx, key, out.Data, out.ContentType); err != nil {
			return models.JobSnapshot{}, fmt.Errorf("output upload failed: %w", err)
		}
		err = job.CompleteExternal(out.FileName, key)
	} else {
		err = job.CompleteInline(out.FileName, out.Data)
	}
	if err != nil {
		logger.Error("Job transition rejected", zap.String("job_id", job.ID().String()), zap.Error(err))
		return models.JobSnapshot{}, err
	}

	if err := p.jobs.Save(ctx, job); err != nil {
		return models.JobSnapshot{}, err
	}

	snap := job.Snapshot()
	p.finished(snap)
	logger.Info("Conversion completed",
		zap.String("job_id", snap.ID.String()),
		zap.String("user_id", snap.UserID),
		zap.String("storage", string(snap.StorageLocation)),
		zap.Int("output_bytes", len(out.Data)),
		zap.Duration("duration", time.Since(startTime)),
	)
	return snap, nil
}

// Fail records a failure message, saves the job and notifies.
func (p *Processor) Fail(ctx context.Context, job *models.ConversionJob, message string) (models.JobSnapshot, error) {
	if job.Status() == models.JobStatusPending {
		if err := job.MarkProcessing(); err != nil {
			return models.JobSnapshot{}, err
		}
	}
	if err := job.Fail(message); err != nil {
		logger.Error("Job transition rejected", zap.String("job_id", job.ID().String()), zap.Error(err))
		return models.JobSnapshot{}, err
	}
	if err := p.jobs.Save(ctx, job); err != nil {
		return models.JobSnapshot{}, err
	}

	snap := job.Snapshot()
	p.finished(snap)
	logger.Warn("Conversion failed",
		zap.String("job_id", snap.ID.String()),
		zap.String("user_id", snap.UserID),
		zap.String("error", message),
	)
	return snap, nil
}

// Run performs a synchronous conversion from Pending to a terminal state.
// Engine failures end in a Failed job, not an error; the error return is
// reserved for persistence problems.
func (p *Processor) Run(ctx context.Context, job *models.ConversionJob, in services.Document) (models.JobSnapshot, error) {
	if err := p.Start(ctx, job); err != nil {
		return models.JobSnapshot{}, err
	}

	snap, err := p.Execute(ctx, job, in)
	if err == nil {
		return snap, nil
	}
	if errors.Is(err, models.ErrIllegalTransition) {
		return models.JobSnapshot{}, err
	}
	return p.Fail(context.WithoutCancel(ctx), job, err.Error())
}

// Stage uploads the input to object storage, saves the Pending job and
// enqueues it for a worker.
func (p *Processor) Stage(ctx context.Context, job *models.ConversionJob, in services.Document, queue Queue) (models.JobSnapshot, error) {
	if p.objects == nil {
		return models.JobSnapshot{}, errors.New("asynchronous conversions need object storage")
	}

	key := InputKey(job.UserID(), job.ID(), job.InputFileName())
	if err := p.objects.Upload(ctx, key, in.Data, in.ContentType); err != nil {
		return models.JobSnapshot{}, fmt.Errorf("input upload failed: %w", err)
	}
	if err := p.jobs.Save(ctx, job); err != nil {
		return models.JobSnapshot{}, err
	}
	if err := queue.Enqueue(ctx, job.ID(), job.UserID(), key); err != nil {
		if _, ferr := p.Fail(context.WithoutCancel(ctx), job, "could not queue conversion"); ferr != nil {
			logger.Error("Failed to mark unqueued job failed", zap.String("job_id", job.ID().String()), zap.Error(ferr))
		}
		return models.JobSnapshot{}, fmt.Errorf("enqueue failed: %w", err)
	}
	return job.Snapshot(), nil
}

// Output returns the converted bytes of a Completed job.
func (p *Processor) Output(ctx context.Context, job *models.ConversionJob) ([]byte, error) {
	if job.Status() != models.JobStatusCompleted {
		return nil, fmt.Errorf("job %s has no output in status %s", job.ID(), job.Status())
	}
	if job.StorageLocation() == models.StorageInline {
		return job.OutputData(), nil
	}
	if p.objects == nil {
		return nil, errors.New("object storage is not configured")
	}
	return p.objects.Download(ctx, job.ExternalKey())
}

func (p *Processor) finished(snap models.JobSnapshot) {
	metrics.Jobs.WithLabelValues(string(snap.Status), string(snap.StorageLocation)).Inc()
	if p.dispatcher != nil {
		p.dispatcher.Dispatch(snap)
	}
}

func OutputKey(userID string, jobID uuid.UUID, fileName string) string {
	return path.Join("outputs", userID, jobID.String(), path.Base(fileName))
}

func InputKey(userID string, jobID uuid.UUID, fileName string) string {
	return path.Join("inputs", userID, jobID.String(), path.Base(fileName))
}
