package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// QueueRecordings is the Redis list key for recording pipeline jobs.
	QueueRecordings = "careline:jobs:recordings"
	// QueueDLQ is the dead-letter queue for jobs that exhausted retries.
	QueueDLQ = "careline:jobs:dlq"
	// MaxRetries is the number of attempts before a job moves to the DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeRecording JobType = "recording_pipeline"
)

// RecordingPayload carries everything the pipeline needs to locate a
// session's recording at the provider.
type RecordingPayload struct {
	SessionID        string `json:"session_id"`
	MediaURL         string `json:"media_url,omitempty"`
	BridgeSessionRef string `json:"bridge_session_ref,omitempty"`
	LegRef           string `json:"leg_ref,omitempty"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis lists.
type Queue struct {
	client *redis.Client
	log    *slog.Logger
}

func NewQueue(client *redis.Client, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{client: client, log: log}
}

// EnqueueRecording enqueues a recording pipeline job.
func (q *Queue) EnqueueRecording(ctx context.Context, payload RecordingPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.NewString(),
		Type:      JobTypeRecording,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueRecordings, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.log.Debug("enqueued recording job", "job_id", job.ID, "session_id", payload.SessionID)
	return nil
}

// Dequeue blocks until a job is available or ctx is done. A nil job with a
// nil error means the pop returned nothing usable; callers just loop.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	result, err := q.client.BLPop(ctx, 0, QueueRecordings).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.log.Warn("invalid job payload", "raw", result[1], "err", err)
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with an incremented attempt count; once the count
// reaches MaxRetries the job moves to the DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.log.Error("dlq push failed", "job_id", job.ID, "err", err)
			return err
		}
		q.log.Warn("job moved to DLQ", "job_id", job.ID, "attempt", job.Attempt)
		return nil
	}
	if err := q.client.RPush(ctx, QueueRecordings, raw).Err(); err != nil {
		return err
	}
	q.log.Info("job retried", "job_id", job.ID, "attempt", job.Attempt)
	return nil
}
