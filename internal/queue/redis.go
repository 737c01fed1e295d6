// Package queue carries run and rollback jobs from the API to workers over
// Redis lists, one list per job type.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Key layout
const (
	keyPrefix     = "release-gate:"
	processingKey = keyPrefix + "jobs:processing"
	failedKey     = keyPrefix + "jobs:failed"
)

// requeueScript moves a claim back onto its list only if it is still claimed
var requeueScript = redis.NewScript(`
if redis.call("HDEL", KEYS[1], ARGV[1]) == 1 then
	return redis.call("RPUSH", KEYS[2], ARGV[2])
end
return 0`)

func listKey(t JobType) string {
	return keyPrefix + "queue:" + string(t)
}

// RedisQueue is a FIFO job queue. In-flight jobs are kept as claims in a hash
// keyed by job ID so a crashed worker's jobs can be put back, and jobs that
// exhaust their attempts are parked in another hash.
type RedisQueue struct {
	client *redis.Client
	logger zerolog.Logger
}

// New wraps client. The queue shares the client's connection pool, so Close
// closes the client too.
func New(client *redis.Client, logger zerolog.Logger) *RedisQueue {
	return &RedisQueue{
		client: client,
		logger: logger.With().Str("component", "queue").Logger(),
	}
}

// Enqueue appends job to its type's list
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	if err := q.client.RPush(ctx, listKey(job.Type), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	q.logger.Info().
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Str("deployment_id", job.DeploymentID).
		Int("attempts", job.Attempts).
		Msg("Job enqueued")
	return nil
}

// Dequeue blocks up to timeout for the oldest job of jobType. It returns a nil
// job and nil error when the wait times out.
func (q *RedisQueue) Dequeue(ctx context.Context, jobType JobType, timeout time.Duration) (*Job, error) {
	res, err := q.client.BLPop(ctx, timeout, listKey(jobType)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to dequeue %s job: %w", jobType, err)
	case len(res) != 2:
		return nil, fmt.Errorf("unexpected BLPOP reply %q", res)
	}

	job := new(Job)
	if err := json.Unmarshal([]byte(res[1]), job); err != nil {
		return nil, fmt.Errorf("failed to decode %s job: %w", jobType, err)
	}
	return job, nil
}

// MarkProcessing records that a worker picked the job up
func (q *RedisQueue) MarkProcessing(ctx context.Context, job *Job) error {
	data, err := json.Marshal(Claim{Job: job, ClaimedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal claim for job %s: %w", job.ID, err)
	}
	if err := q.client.HSet(ctx, processingKey, job.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to mark job %s processing: %w", job.ID, err)
	}
	return nil
}

// MarkComplete clears the processing record
func (q *RedisQueue) MarkComplete(ctx context.Context, jobID string) error {
	if err := q.client.HDel(ctx, processingKey, jobID).Err(); err != nil {
		return fmt.Errorf("failed to mark job %s complete: %w", jobID, err)
	}
	return nil
}

// MarkFailed clears the processing record and parks the job with its last
// error for an operator to inspect
func (q *RedisQueue) MarkFailed(ctx context.Context, job *Job, cause error) error {
	job.LastError = cause.Error()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, processingKey, job.ID)
		pipe.HSet(ctx, failedKey, job.ID, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark job %s failed: %w", job.ID, err)
	}
	return nil
}

// GetFailedJobs returns the parked jobs
func (q *RedisQueue) GetFailedJobs(ctx context.Context) ([]*Job, error) {
	raw, err := q.client.HVals(ctx, failedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	jobs := make([]*Job, 0, len(raw))
	for _, data := range raw {
		job := new(Job)
		if err := json.Unmarshal([]byte(data), job); err != nil {
			return nil, fmt.Errorf("failed to decode failed job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// GetClaims returns the jobs workers have picked up and not finished
func (q *RedisQueue) GetClaims(ctx context.Context) ([]Claim, error) {
	raw, err := q.client.HGetAll(ctx, processingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	claims := make([]Claim, 0, len(raw))
	for id, data := range raw {
		var c Claim
		if err := json.Unmarshal([]byte(data), &c); err != nil || c.Job == nil {
			q.logger.Warn().Err(err).Str("job_id", id).Msg("Skipping unreadable claim")
			continue
		}
		claims = append(claims, c)
	}
	return claims, nil
}

// Requeue puts a claimed job back at the tail of its list. It reports false
// when the claim was already gone, so the job is requeued at most once.
func (q *RedisQueue) Requeue(ctx context.Context, job *Job) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	n, err := requeueScript.Run(ctx, q.client, []string{processingKey, listKey(job.Type)}, job.ID, data).Int()
	if err != nil {
		return false, fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
	}
	if n == 0 {
		return false, nil
	}
	q.logger.Info().
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Str("deployment_id", job.DeploymentID).
		Msg("Claimed job requeued")
	return true, nil
}

// GetQueueLength returns how many jobs of jobType are waiting
func (q *RedisQueue) GetQueueLength(ctx context.Context, jobType JobType) (int64, error) {
	n, err := q.client.LLen(ctx, listKey(jobType)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get %s queue length: %w", jobType, err)
	}
	return n, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (q *RedisQueue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}
