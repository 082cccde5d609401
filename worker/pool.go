package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"convertapi/conversion"
	"convertapi/logger"
	"convertapi/models"
	"convertapi/services"
)

type Config struct {
	Count            int
	ClaimWait        time.Duration
	StaleAfter       time.Duration
	RecoveryInterval time.Duration
	// MaxBackoff caps the exponential delay between retries.
	MaxBackoff time.Duration
}

type Pool struct {
	cfg       Config
	queue     Queue
	processor *conversion.Processor
	objects   services.ObjectStore
	now       func() time.Time
}

func NewPool(cfg Config, queue Queue, processor *conversion.Processor, objects services.ObjectStore) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 3
	}
	if cfg.ClaimWait <= 0 {
		cfg.ClaimWait = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = 5 * time.Minute
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Pool{
		cfg:       cfg,
		queue:     queue,
		processor: processor,
		objects:   objects,
		now:       time.Now,
	}
}

// Run starts Count workers and the recovery loop, and blocks until ctx is
// cancelled and all of them have returned.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.StartWorker(ctx, workerID)
		}(i)
	}

	// Start stale job recovery goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.RecoveryLoop(ctx)
	}()

	logger.Info("Conversion workers started", zap.Int("count", p.cfg.Count))
	wg.Wait()
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	log := logger.With(zap.Int("worker_id", workerID))
	log.Info("Worker starting")

	for {
		select {
		case <-ctx.Done():
			log.Info("Worker shutting down")
			return
		default:
		}

		d, err := p.queue.Claim(ctx, p.cfg.ClaimWait)
		if errors.Is(err, ErrEmpty) {
			// Timeout, no jobs available
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error("Queue error", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
			continue
		}

		p.processJob(ctx, log, d)
	}
}

func (p *Pool) processJob(ctx context.Context, log *zap.Logger, d Delivery) {
	log = log.With(zap.String("job_id", d.JobID.String()), zap.Int("retry", d.RetryCount))
	log.Info("Processing conversion")

	jobs := p.processor.Jobs()
	job, err := jobs.Get(ctx, d.JobID)
	if errors.Is(err, services.ErrJobNotFound) {
		log.Warn("Queued job does not exist, burying")
		p.bury(ctx, log, d)
		return
	}
	if err != nil {
		p.handleJobFailure(ctx, log, d, nil, fmt.Sprintf("job lookup failed: %v", err))
		return
	}
	if job.Status().IsTerminal() {
		log.Info("Job already finished, dropping message", zap.String("status", string(job.Status())))
		p.ack(ctx, log, d)
		return
	}

	if err := p.processor.Start(ctx, job); err != nil {
		p.handleJobFailure(ctx, log, d, nil, fmt.Sprintf("could not start job: %v", err))
		return
	}
	p.setStatus(ctx, log, d, models.JobStatusProcessing, "")

	data, err := p.objects.Download(ctx, d.InputKey)
	if err != nil {
		p.handleJobFailure(ctx, log, d, job, fmt.Sprintf("input download failed: %v", err))
		return
	}

	in := services.Document{FileName: job.InputFileName(), Data: data}
	if _, err := p.processor.Execute(ctx, job, in); err != nil {
		if errors.Is(err, models.ErrIllegalTransition) {
			p.ack(ctx, log, d)
			return
		}
		p.handleJobFailure(ctx, log, d, job, err.Error())
		return
	}

	// Success - remove from processing queue
	p.ack(ctx, log, d)
	p.setStatus(ctx, log, d, models.JobStatusCompleted, "")
	if err := p.objects.Delete(ctx, d.InputKey); err != nil {
		log.Warn("Failed to delete staged input", zap.Error(err))
	}
}

// handleJobFailure retries with exponential backoff while retries remain and
// fails the job for good afterwards. job is nil when it could not be loaded.
func (p *Pool) handleJobFailure(ctx context.Context, log *zap.Logger, d Delivery, job *models.ConversionJob, errorMsg string) {
	if ctx.Err() != nil {
		// Shutting down: leave the message in processing for recovery.
		log.Warn("Conversion interrupted by shutdown", zap.String("error", errorMsg))
		return
	}

	if d.RetryCount < d.MaxRetries {
		delay := p.backoff(d.RetryCount + 1)
		if job != nil {
			// Touch updated_at: while the retry waits the message is in no list,
			// and recovery must not take the job for an orphan.
			if err := p.processor.Start(ctx, job); err != nil {
				log.Warn("Failed to refresh job before retry", zap.Error(err))
			}
		}
		if err := p.queue.Requeue(ctx, d, delay); err != nil {
			log.Error("Failed to schedule retry", zap.Error(err))
			return
		}
		log.Warn("Conversion attempt failed, retry scheduled",
			zap.String("error", errorMsg),
			zap.Int("next_retry", d.RetryCount+1),
			zap.Int("max_retries", d.MaxRetries),
			zap.Duration("delay", delay),
		)
		return
	}

	// Max retries reached - move to failed queue
	if job != nil {
		if _, err := p.processor.Fail(ctx, job, errorMsg); err != nil {
			log.Error("Failed to mark job failed", zap.Error(err))
		}
	}
	p.bury(ctx, log, d)
	p.setStatus(ctx, log, d, models.JobStatusFailed, errorMsg)
	log.Warn("Conversion moved to failed queue", zap.String("error", errorMsg), zap.Int("max_retries", d.MaxRetries))
}

func (p *Pool) backoff(retry int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(retry))) * time.Second
	if delay > p.cfg.MaxBackoff {
		delay = p.cfg.MaxBackoff
	}
	return delay
}

// RecoveryLoop periodically settles work abandoned by crashed workers or
// interrupted requests.
func (p *Pool) RecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RecoveryInterval)
	defer ticker.Stop()

	logger.Info("Starting stale job recovery loop", zap.Duration("stale_after", p.cfg.StaleAfter))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Recovery loop shutting down")
			return
		case <-ticker.C:
			p.RecoverStale(ctx)
		}
	}
}

// RecoverStale retries or fails queue entries whose job has not moved since
// StaleAfter, then fails jobs stuck in Processing that no queue entry owns.
// A job with a message still waiting in the pending list is owned.
func (p *Pool) RecoverStale(ctx context.Context) {
	cutoff := p.now().Add(-p.cfg.StaleAfter)
	log := logger.With(zap.String("component", "recovery"))
	jobs := p.processor.Jobs()
	msg := fmt.Sprintf("job timeout - exceeded %s", p.cfg.StaleAfter)

	stale, err := jobs.ListStaleProcessing(ctx, cutoff, 100)
	if err != nil {
		log.Error("Failed to list stale jobs", zap.Error(err))
		return
	}
	staleByID := make(map[uuid.UUID]*models.ConversionJob, len(stale))
	for _, job := range stale {
		staleByID[job.ID()] = job
	}

	// Pending is read before processing so a message being claimed in between
	// is seen in one of the two lists.
	queued, err := p.queue.Queued(ctx)
	if err != nil {
		log.Error("Failed to read pending queue", zap.Error(err))
		return
	}
	for _, d := range queued {
		delete(staleByID, d.JobID)
	}

	inFlight, err := p.queue.InFlight(ctx)
	if err != nil {
		log.Error("Failed to read processing queue", zap.Error(err))
		return
	}

	recovered, failed := 0, 0
	for _, d := range inFlight {
		if !d.EnqueuedAt.Before(cutoff) {
			continue
		}
		dlog := log.With(zap.String("job_id", d.JobID.String()))

		job, err := jobs.Get(ctx, d.JobID)
		if errors.Is(err, services.ErrJobNotFound) || (err == nil && job.Status().IsTerminal()) {
			p.ack(ctx, dlog, d)
			continue
		}
		if err != nil {
			dlog.Error("Failed to load in-flight job", zap.Error(err))
			continue
		}
		if job.Status() == models.JobStatusProcessing {
			if _, ok := staleByID[job.ID()]; !ok {
				// A worker saved it recently.
				continue
			}
		}
		delete(staleByID, job.ID())

		if d.RetryCount < d.MaxRetries {
			// Refresh updated_at so the next sweep leaves the job alone.
			if err := p.processor.Start(ctx, job); err != nil {
				dlog.Error("Failed to touch stale job", zap.Error(err))
			}
			if err := p.queue.Requeue(ctx, d, 0); err != nil {
				dlog.Error("Failed to requeue stale job", zap.Error(err))
				continue
			}
			recovered++
			continue
		}

		if _, err := p.processor.Fail(ctx, job, msg); err != nil {
			dlog.Error("Failed to fail stale job", zap.Error(err))
		}
		p.bury(ctx, dlog, d)
		p.setStatus(ctx, dlog, d, models.JobStatusFailed, msg)
		failed++
	}

	for _, job := range staleByID {
		if _, err := p.processor.Fail(ctx, job, msg); err != nil {
			log.Error("Failed to fail stale job", zap.String("job_id", job.ID().String()), zap.Error(err))
			continue
		}
		failed++
	}

	if recovered > 0 || failed > 0 {
		log.Info("Recovered stale jobs", zap.Int("requeued", recovered), zap.Int("failed", failed))
	}
}

func (p *Pool) ack(ctx context.Context, log *zap.Logger, d Delivery) {
	if err := p.queue.Ack(ctx, d); err != nil {
		log.Error("Failed to remove message from processing queue", zap.Error(err))
	}
}

func (p *Pool) bury(ctx context.Context, log *zap.Logger, d Delivery) {
	if err := p.queue.Bury(ctx, d); err != nil {
		log.Error("Failed to move message to failed queue", zap.Error(err))
	}
}

func (p *Pool) setStatus(ctx context.Context, log *zap.Logger, d Delivery, status models.JobStatus, errMsg string) {
	if err := p.queue.SetStatus(ctx, d.JobID, status, errMsg); err != nil {
		log.Warn("Failed to update status hash", zap.Error(err))
	}
}
