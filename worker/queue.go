package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"convertapi/logger"
	"convertapi/models"
)

// ErrEmpty is returned by Claim when no message arrived within the wait.
var ErrEmpty = errors.New("queue empty")

// Queue is the work list the pool consumes.
type Queue interface {
	Claim(ctx context.Context, wait time.Duration) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Requeue removes d from the processing list and pushes it back to the
	// pending list with its retry count bumped after delay.
	Requeue(ctx context.Context, d Delivery, delay time.Duration) error
	Bury(ctx context.Context, d Delivery) error
	// Queued lists messages waiting to be claimed.
	Queued(ctx context.Context) ([]Delivery, error)
	InFlight(ctx context.Context) ([]Delivery, error)
	SetStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus, errMsg string) error
}

type Queues struct {
	Pending    string
	Processing string
	Failed     string
	// StatusPrefix is prepended to the job id for the status hash key.
	StatusPrefix string
}

// RedisQueue moves messages between Redis lists: BRPOPLPUSH claims from
// pending into processing, Ack removes from processing, Bury parks a message
// in the failed list.
type RedisQueue struct {
	client     *redis.Client
	queues     Queues
	maxRetries int
	statusTTL  time.Duration
	now        func() time.Time
}

func NewRedisQueue(client *redis.Client, queues Queues, maxRetries int) *RedisQueue {
	if queues.StatusPrefix == "" {
		queues.StatusPrefix = "conversion:status:"
	}
	return &RedisQueue{
		client:     client,
		queues:     queues,
		maxRetries: maxRetries,
		statusTTL:  7 * 24 * time.Hour,
		now:        time.Now,
	}
}

// Enqueue pushes a new message for a staged job.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID uuid.UUID, userID, inputKey string) error {
	raw, err := encode(Message{
		JobID:      jobID,
		UserID:     userID,
		InputKey:   inputKey,
		MaxRetries: q.maxRetries,
		EnqueuedAt: q.now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.queues.Pending, raw).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", q.queues.Pending, err)
	}
	return q.SetStatus(ctx, jobID, models.JobStatusPending, "")
}

func (q *RedisQueue) Claim(ctx context.Context, wait time.Duration) (Delivery, error) {
	// Atomic pop from pending and push to processing
	raw, err := q.client.BRPopLPush(ctx, q.queues.Pending, q.queues.Processing, wait).Result()
	if errors.Is(err, redis.Nil) {
		return Delivery{}, ErrEmpty
	}
	if err != nil {
		return Delivery{}, err
	}

	d, err := decodeDelivery(raw)
	if err != nil {
		// Remove malformed job from processing queue
		q.client.LRem(ctx, q.queues.Processing, 1, raw)
		return Delivery{}, fmt.Errorf("malformed queue entry: %w", err)
	}
	return d, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	return q.client.LRem(ctx, q.queues.Processing, 1, d.raw).Err()
}

func (q *RedisQueue) Requeue(ctx context.Context, d Delivery, delay time.Duration) error {
	if err := q.Ack(ctx, d); err != nil {
		return err
	}

	next := d.Message
	next.RetryCount++
	next.EnqueuedAt = q.now().UTC()
	raw, err := encode(next)
	if err != nil {
		return err
	}

	push := func() {
		if err := q.client.LPush(context.Background(), q.queues.Pending, raw).Err(); err != nil {
			logger.Error("Failed to requeue conversion",
				zap.String("job_id", d.JobID.String()),
				zap.Error(err),
			)
		}
	}
	if delay <= 0 {
		push()
		return nil
	}
	time.AfterFunc(delay, push)
	return nil
}

func (q *RedisQueue) Bury(ctx context.Context, d Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.queues.Processing, 1, d.raw)
	pipe.LPush(ctx, q.queues.Failed, d.raw)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Queued(ctx context.Context) ([]Delivery, error) {
	return q.list(ctx, q.queues.Pending)
}

func (q *RedisQueue) InFlight(ctx context.Context) ([]Delivery, error) {
	return q.list(ctx, q.queues.Processing)
}

func (q *RedisQueue) list(ctx context.Context, key string) ([]Delivery, error) {
	entries, err := q.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(entries))
	for _, raw := range entries {
		d, err := decodeDelivery(raw)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// SetStatus mirrors the job status into a short-lived hash for pollers that
// only talk to Redis.
func (q *RedisQueue) SetStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus, errMsg string) error {
	key := q.queues.StatusPrefix + jobID.String()
	fields := map[string]interface{}{
		"status":     string(status),
		"updated_at": q.now().UTC().Format(time.RFC3339),
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}

	pipe := q.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, q.statusTTL)
	_, err := pipe.Exec(ctx)
	return err
}
