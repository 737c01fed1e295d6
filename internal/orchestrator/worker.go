package orchestrator

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/alvesdmateus/release-gate/internal/observability"
	"github.com/alvesdmateus/release-gate/internal/queue"
	"github.com/alvesdmateus/release-gate/internal/rollback"
	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Pipeline is what the worker drives
type Pipeline interface {
	RunPipeline(ctx context.Context, req models.DeploymentRequest) (*models.DeploymentRun, error)
	Rollback(ctx context.Context, req ManualRollback) (*rollback.RestoreResult, error)
}

// ApprovalSweeper expires approval requests nobody is waiting on
type ApprovalSweeper interface {
	ExpireStale(ctx context.Context) (int, error)
}

// WorkerConfig tunes the worker pool
type WorkerConfig struct {
	Concurrency   int
	PollTimeout   time.Duration
	SweepInterval time.Duration
}

// Worker processes jobs from the queue with configurable concurrency
type Worker struct {
	queue    JobQueue
	pipeline Pipeline
	sweeper  ApprovalSweeper
	cfg      WorkerConfig
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   zerolog.Logger
}

// NewWorker creates a new worker
func NewWorker(q JobQueue, p Pipeline, sweeper ApprovalSweeper, cfg WorkerConfig, metrics *observability.Metrics, logger zerolog.Logger) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if metrics == nil {
		metrics = observability.DefaultMetrics
	}

	return &Worker{
		queue:    q,
		pipeline: p,
		sweeper:  sweeper,
		cfg:      cfg,
		metrics:  metrics,
		tracer:   observability.GetGlobalTracer(),
		logger:   logger.With().Str("component", "worker").Logger(),
	}
}

// Start runs the job processors and the approval sweeper until ctx is cancelled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info().
		Int("concurrency", w.cfg.Concurrency).
		Msg("Starting orchestrator worker")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		workerID := i
		g.Go(func() error {
			w.processJobs(ctx, workerID)
			return nil
		})
	}
	g.Go(func() error {
		w.housekeep(ctx)
		return nil
	})
	w.metrics.SetWorkersActive(w.cfg.Concurrency)

	err := g.Wait()
	w.metrics.SetWorkersActive(0)
	w.logger.Info().Msg("Orchestrator worker stopped")
	return err
}

// processJobs is the main worker loop that processes jobs from the queue
func (w *Worker) processJobs(ctx context.Context, workerID int) {
	logger := w.logger.With().Int("worker_id", workerID).Logger()
	logger.Info().Msg("Worker goroutine started")

	// Round-robin between job types for fair processing
	currentTypeIndex := 0

	for {
		if ctx.Err() != nil {
			logger.Info().Msg("Worker goroutine stopped (context cancelled)")
			return
		}

		jobType := queue.JobTypes[currentTypeIndex]
		currentTypeIndex = (currentTypeIndex + 1) % len(queue.JobTypes)

		job, err := w.queue.Dequeue(ctx, jobType, w.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error().
					Err(err).
					Str("job_type", string(jobType)).
					Msg("Failed to dequeue job")
			}
			continue
		}
		if job == nil {
			continue
		}

		w.process(ctx, job, logger)
	}
}

func (w *Worker) process(ctx context.Context, job *queue.Job, logger zerolog.Logger) {
	logger = logger.With().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Str("deployment_id", job.DeploymentID).
		Logger()

	if !job.CreatedAt.IsZero() {
		w.metrics.RecordQueueWait(string(job.Type), time.Since(job.CreatedAt).Seconds())
	}
	claimed := true
	if err := w.queue.MarkProcessing(ctx, job); err != nil {
		claimed = false
		logger.Warn().Err(err).Msg("Failed to mark job as processing")
	}

	ctx, span := w.tracer.StartJob(ctx, string(job.Type), job.ID)
	defer span.End()

	logger.Info().Int("attempt", job.Attempts).Msg("Processing job")

	err := w.handleJob(ctx, job)
	if err == nil {
		logger.Info().Msg("Job processed successfully")
		if err := w.queue.MarkComplete(ctx, job.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to mark job as complete")
		}
		return
	}

	span.RecordError(err)
	logger.Error().Err(err).Msg("Job processing failed")

	if permanent(err) || job.Attempts+1 >= job.MaxAttempts {
		logger.Error().
			Int("attempts", job.Attempts+1).
			Bool("permanent", permanent(err)).
			Msg("Job will not be retried")
		if markErr := w.queue.MarkFailed(context.WithoutCancel(ctx), job, err); markErr != nil {
			logger.Error().Err(markErr).Msg("Failed to mark job as failed")
		}
		return
	}

	job.Attempts++
	job.LastError = err.Error()
	delay := calculateBackoff(job.Attempts)

	logger.Warn().
		Int("attempt", job.Attempts).
		Int("max_attempts", job.MaxAttempts).
		Dur("backoff_delay", delay).
		Msg("Requeueing failed job for retry with backoff")

	go w.requeue(ctx, job, claimed, delay, logger)
}

// requeue puts a job back after delay. Shutdown requeues immediately so the
// job is not lost. A claimed job is moved off its claim, and skipped if
// recovery already put it back.
func (w *Worker) requeue(ctx context.Context, job *queue.Job, claimed bool, delay time.Duration, logger zerolog.Logger) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !claimed {
		if err := w.queue.Enqueue(rctx, job); err != nil {
			logger.Error().Err(err).Msg("Failed to requeue job after backoff")
		}
		return
	}
	moved, err := w.queue.Requeue(rctx, job)
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("Failed to requeue job after backoff")
	case !moved:
		logger.Warn().Msg("Job was requeued by recovery during backoff")
	}
}

// housekeep samples queue depth and expires stale approvals every sweep interval
func (w *Worker) housekeep(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sampleQueueDepth(ctx)
			if w.sweeper == nil {
				continue
			}
			n, err := w.sweeper.ExpireStale(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Error().Err(err).Msg("Approval sweep failed")
				}
				continue
			}
			if n > 0 {
				w.logger.Info().Int("expired", n).Msg("Expired stale approval requests")
			}
		}
	}
}

func (w *Worker) sampleQueueDepth(ctx context.Context) {
	for _, jt := range queue.JobTypes {
		n, err := w.queue.GetQueueLength(ctx, jt)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn().Err(err).Str("job_type", string(jt)).Msg("Failed to sample queue depth")
			}
			return
		}
		w.metrics.SetQueueDepth(string(jt), n)
	}
}

// permanentError marks a job failure that redelivery cannot fix
type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func permanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// calculateBackoff calculates the backoff delay with exponential growth and jitter
func calculateBackoff(attempt int) time.Duration {
	// Calculate exponential delay: base * multiplier^attempt
	delay := float64(queue.BaseBackoffDelay) * math.Pow(queue.BackoffMultiplier, float64(attempt-1))

	// Cap at max delay
	if delay > float64(queue.MaxBackoffDelay) {
		delay = float64(queue.MaxBackoffDelay)
	}

	// Add jitter (±10%)
	jitter := delay * queue.BackoffJitterPercent * (2*rand.Float64() - 1)
	delay += jitter

	return time.Duration(delay)
}
