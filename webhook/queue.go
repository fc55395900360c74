package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flowhook/flowhook/core"
)

// Delivery queue constants. Four attempts total with exponential delays
// of 0, 30, 60 and 120 seconds.
const (
	QueueKey            = "delivery:queue"
	MaxDeliveryAttempts = 4
	baseRetryDelay      = 30 * time.Second
)

// Job is one outbound delivery unit: which webhook, what payload.
type Job struct {
	ID        string                 `json:"id"`
	WebhookID string                 `json:"webhook_id"`
	EventName string                 `json:"event_name"`
	Payload   map[string]interface{} `json:"payload"`
	Attempt   int                    `json:"attempt"`
	CreatedAt time.Time              `json:"created_at"`
}

// RetryDelay returns the wait before the given attempt (1-based).
// Attempt 1 runs immediately.
func RetryDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return baseRetryDelay << (attempt - 2)
}

// NewJobID builds `{webhook_id}-{ms_epoch}-{8 random hex}`; the random
// suffix prevents same-millisecond collisions.
func NewJobID(webhookID string, now time.Time) (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", &core.DomainError{Op: "webhook.NewJobID", Kind: core.KindInternal, Err: err}
	}
	return fmt.Sprintf("%s-%d-%s", webhookID, now.UnixMilli(), hex.EncodeToString(suffix)), nil
}

// Queue is the outbound priority queue on a Redis sorted set. The score
// encodes readiness time in milliseconds scaled by ten plus the health
// priority, so due jobs run in readiness order and ties break toward
// healthier endpoints.
type Queue struct {
	redis *core.RedisClient
	now   func() time.Time
}

// NewQueue creates a queue over the given Redis client.
func NewQueue(redisClient *core.RedisClient) *Queue {
	return &Queue{redis: redisClient, now: time.Now}
}

func score(readyAt time.Time, priority int) float64 {
	return float64(readyAt.UnixMilli()*10 + int64(priority))
}

// Enqueue schedules a job to run after delay, ordered by priority among
// jobs due at the same time.
func (q *Queue) Enqueue(ctx context.Context, job *Job, priority int, delay time.Duration) error {
	if job.ID == "" {
		id, err := NewJobID(job.WebhookID, q.now())
		if err != nil {
			return err
		}
		job.ID = id
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.now()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return &core.DomainError{Op: "webhook.Queue.Enqueue", Kind: core.KindValidation, ID: job.ID, Err: err}
	}
	member := &redis.Z{
		Score:  score(q.now().Add(delay), priority),
		Member: string(payload),
	}
	if err := q.redis.ZAdd(ctx, QueueKey, member); err != nil {
		return &core.DomainError{Op: "webhook.Queue.Enqueue", Kind: core.KindTransport, ID: job.ID, Err: err}
	}
	return nil
}

// Claim pops up to count due jobs. A popped job is gone from the queue;
// the worker re-enqueues on retryable failure.
func (q *Queue) Claim(ctx context.Context, count int) ([]*Job, error) {
	// Highest score still due right now, at the worst priority.
	max := score(q.now(), 9)
	members, err := q.redis.ZPopReady(ctx, QueueKey, max, count)
	if err != nil {
		return nil, &core.DomainError{Op: "webhook.Queue.Claim", Kind: core.KindTransport, Err: err}
	}
	jobs := make([]*Job, 0, len(members))
	for _, member := range members {
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			// A corrupt member cannot be retried; drop it rather than
			// wedge the queue.
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Depth reports how many jobs are queued, due or not.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.redis.ZCard(ctx, QueueKey)
	if err != nil {
		return 0, &core.DomainError{Op: "webhook.Queue.Depth", Kind: core.KindTransport, Err: err}
	}
	return depth, nil
}
