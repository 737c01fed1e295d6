package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/alvesdmateus/release-gate/internal/queue"
	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// defaultMaxAttempts bounds redelivery of jobs that failed before their run reached a terminal state
const defaultMaxAttempts = 3

// JobQueue is the queue surface the client and worker use
type JobQueue interface {
	Enqueue(ctx context.Context, job *queue.Job) error
	Dequeue(ctx context.Context, jobType queue.JobType, timeout time.Duration) (*queue.Job, error)
	MarkProcessing(ctx context.Context, job *queue.Job) error
	MarkComplete(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, job *queue.Job, cause error) error
	Requeue(ctx context.Context, job *queue.Job) (bool, error)
	GetClaims(ctx context.Context) ([]queue.Claim, error)
	GetQueueLength(ctx context.Context, jobType queue.JobType) (int64, error)
	Ping(ctx context.Context) error
}

// Client is the API's handle on the worker pool: it only enqueues jobs and
// reads queue state, so the API process needs no orchestrator or database
// dependencies of the worker.
type Client struct {
	queue  JobQueue
	logger zerolog.Logger
}

func NewClient(q JobQueue, logger zerolog.Logger) *Client {
	return &Client{
		queue:  q,
		logger: logger.With().Str("component", "orchestrator-client").Logger(),
	}
}

// TriggerRun queues req for a worker and returns its deployment ID, assigning
// one when the caller did not
func (c *Client) TriggerRun(ctx context.Context, req models.DeploymentRequest) (string, error) {
	if req.DeploymentID == "" {
		req.DeploymentID = uuid.NewString()
	}
	job := &queue.Job{
		ID:           uuid.NewString(),
		Type:         queue.JobTypeRun,
		DeploymentID: req.DeploymentID,
		Run:          &queue.RunPayload{Request: req},
		MaxAttempts:  defaultMaxAttempts,
	}
	if err := c.enqueue(ctx, job, req.Environment, req.ServiceName); err != nil {
		return "", err
	}
	return req.DeploymentID, nil
}

// TriggerRollback queues a manual restore and returns the job ID. Rollbacks
// are not redelivered: a half-applied restore needs an operator.
func (c *Client) TriggerRollback(ctx context.Context, payload *queue.RollbackPayload) (string, error) {
	job := &queue.Job{
		ID:          uuid.NewString(),
		Type:        queue.JobTypeRollback,
		Rollback:    payload,
		MaxAttempts: 1,
	}
	if err := c.enqueue(ctx, job, payload.Environment, payload.ServiceName); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (c *Client) enqueue(ctx context.Context, job *queue.Job, env, service string) error {
	logger := c.logger.With().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Str("environment", env).
		Str("service", service).
		Logger()
	if err := c.queue.Enqueue(ctx, job); err != nil {
		logger.Error().Err(err).Msg("Failed to enqueue job")
		return fmt.Errorf("enqueue %s job: %w", job.Type, err)
	}
	logger.Debug().Str("deployment_id", job.DeploymentID).Msg("Job enqueued")
	return nil
}

// GetQueueStats returns the number of waiting jobs per job type
func (c *Client) GetQueueStats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)

	for _, jt := range queue.JobTypes {
		length, err := c.queue.GetQueueLength(ctx, jt)
		if err != nil {
			return nil, fmt.Errorf("get queue length for %s: %w", jt, err)
		}
		stats[string(jt)] = length
	}

	return stats, nil
}

// Ping checks the queue connection
func (c *Client) Ping(ctx context.Context) error {
	return c.queue.Ping(ctx)
}
