package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/alvesdmateus/release-gate/internal/observability"
	"github.com/alvesdmateus/release-gate/internal/queue"
	"github.com/alvesdmateus/release-gate/internal/rollback"
	"github.com/alvesdmateus/release-gate/internal/state"
	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePipeline struct {
	mu        sync.Mutex
	runs      []models.DeploymentRequest
	rollbacks []ManualRollback
	jobIDs    []string
	runFn     func(req models.DeploymentRequest) (*models.DeploymentRun, error)
	restoreFn func(req ManualRollback) (*rollback.RestoreResult, error)
}

func (f *fakePipeline) RunPipeline(ctx context.Context, req models.DeploymentRequest) (*models.DeploymentRun, error) {
	f.mu.Lock()
	f.runs = append(f.runs, req)
	f.jobIDs = append(f.jobIDs, jobIDFrom(ctx))
	fn := f.runFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &models.DeploymentRun{DeploymentID: req.DeploymentID, OverallStatus: models.RunStatusSuccess}, nil
}

func (f *fakePipeline) Rollback(ctx context.Context, req ManualRollback) (*rollback.RestoreResult, error) {
	f.mu.Lock()
	f.rollbacks = append(f.rollbacks, req)
	fn := f.restoreFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &rollback.RestoreResult{Version: "v1", Verified: true}, nil
}

func (f *fakePipeline) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type countingSweeper struct{ calls int32 }

func (s *countingSweeper) ExpireStale(ctx context.Context) (int, error) {
	atomic.AddInt32(&s.calls, 1)
	return 1, nil
}

func setupWorkerQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	q := queue.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zerolog.Nop())
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func newTestWorker(q JobQueue, p Pipeline, s ApprovalSweeper) *Worker {
	return NewWorker(q, p, s, WorkerConfig{Concurrency: 2, PollTimeout: 50 * time.Millisecond, SweepInterval: 10 * time.Millisecond}, nil, zerolog.Nop())
}

func TestWorkerProcessesQueuedRuns(t *testing.T) {
	q := setupWorkerQueue(t)
	p := &fakePipeline{}
	client := NewClient(q, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := client.TriggerRun(ctx, request(models.StrategyRolling))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- newTestWorker(q, p, nil).Start(ctx) }()

	require.Eventually(t, func() bool { return p.runCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, id, p.runs[0].DeploymentID)
	assert.NotEmpty(t, p.jobIDs[0], "run is tagged with its job")

	length, err := q.GetQueueLength(context.Background(), queue.JobTypeRun)
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestWorkerProcessesRollbackJobs(t *testing.T) {
	q := setupWorkerQueue(t)
	p := &fakePipeline{}
	client := NewClient(q, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := client.TriggerRollback(ctx, &queue.RollbackPayload{Environment: "staging", ServiceName: "checkout", RequestedBy: "oncall"})
	require.NoError(t, err)

	go func() { _ = newTestWorker(q, p, nil).Start(ctx) }()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.rollbacks) == 1
	}, 2*time.Second, 10*time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, ManualRollback{Environment: "staging", ServiceName: "checkout", RequestedBy: "oncall"}, p.rollbacks[0])
}

func TestWorkerSweepsStaleApprovals(t *testing.T) {
	q := setupWorkerQueue(t)
	s := &countingSweeper{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = newTestWorker(q, &fakePipeline{}, s).Start(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&s.calls) >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestWorkerSamplesQueueDepth(t *testing.T) {
	q := setupWorkerQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, id := range []string{"a", "b"} {
		require.NoError(t, q.Enqueue(ctx, &queue.Job{ID: id, Type: queue.JobTypeRollback, Rollback: &queue.RollbackPayload{Environment: "staging", ServiceName: "checkout"}}))
	}

	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "")
	w := NewWorker(q, &fakePipeline{}, nil, WorkerConfig{Concurrency: 1, PollTimeout: 50 * time.Millisecond, SweepInterval: 10 * time.Millisecond}, metrics, zerolog.Nop())
	w.sampleQueueDepth(ctx)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("rollback")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("run")))
}

func TestHandleRunJob(t *testing.T) {
	infra := errors.New("database is locked")
	tests := []struct {
		name      string
		run       *models.DeploymentRun
		err       error
		wantErr   bool
		permanent bool
	}{
		{"success", &models.DeploymentRun{OverallStatus: models.RunStatusSuccess}, nil, false, false},
		{"terminal failure is final", &models.DeploymentRun{OverallStatus: models.RunStatusRolledBack}, models.GateFailure{Gate: "deploy"}, false, false},
		{"conflict", nil, models.ConflictError{Environment: "staging", ServiceName: "checkout"}, true, true},
		{"invalid", nil, models.ValidationError{Field: "strategy"}, true, true},
		{"already finished", nil, state.ErrStaleState, true, true},
		{"infrastructure", nil, infra, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePipeline{runFn: func(models.DeploymentRequest) (*models.DeploymentRun, error) { return tt.run, tt.err }}
			w := newTestWorker(nil, p, nil)

			job := &queue.Job{ID: "job-1", Type: queue.JobTypeRun, DeploymentID: "dep-1", Run: &queue.RunPayload{Request: request(models.StrategyRolling)}}
			err := w.handleJob(context.Background(), job)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, permanent(err))
		})
	}
}

func TestHandleJobRejectsMalformedJobs(t *testing.T) {
	w := newTestWorker(nil, &fakePipeline{}, nil)

	err := w.handleJob(context.Background(), &queue.Job{ID: "x", Type: "explode"})
	assert.True(t, permanent(err))

	err = w.handleJob(context.Background(), &queue.Job{ID: "x", Type: queue.JobTypeRun})
	assert.True(t, permanent(err))

	err = w.handleJob(context.Background(), &queue.Job{ID: "x", Type: queue.JobTypeRollback})
	assert.True(t, permanent(err))
}

func TestProcessPermanentFailureIsNotRequeued(t *testing.T) {
	q := setupWorkerQueue(t)
	p := &fakePipeline{runFn: func(models.DeploymentRequest) (*models.DeploymentRun, error) {
		return nil, models.ConflictError{Environment: "staging", ServiceName: "checkout"}
	}}
	w := newTestWorker(q, p, nil)
	ctx := context.Background()

	job := &queue.Job{ID: "job-1", Type: queue.JobTypeRun, DeploymentID: "dep-1", MaxAttempts: 3, Run: &queue.RunPayload{Request: request(models.StrategyRolling)}}
	w.process(ctx, job, zerolog.Nop())

	failed, err := q.GetFailedJobs(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, "already in progress")

	length, err := q.GetQueueLength(ctx, queue.JobTypeRun)
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestProcessRequeuesInfrastructureFailure(t *testing.T) {
	q := setupWorkerQueue(t)
	p := &fakePipeline{runFn: func(models.DeploymentRequest) (*models.DeploymentRun, error) {
		return nil, errors.New("connection reset")
	}}
	w := newTestWorker(q, p, nil)
	ctx, cancel := context.WithCancel(context.Background())

	job := &queue.Job{ID: "job-1", Type: queue.JobTypeRun, DeploymentID: "dep-1", MaxAttempts: 3, Run: &queue.RunPayload{Request: request(models.StrategyRolling)}}
	w.process(ctx, job, zerolog.Nop())
	// shutdown puts the job back without waiting out the backoff
	cancel()

	require.Eventually(t, func() bool {
		n, err := q.GetQueueLength(context.Background(), queue.JobTypeRun)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	requeued, err := q.Dequeue(context.Background(), queue.JobTypeRun, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued.Attempts)
	assert.Contains(t, requeued.LastError, "connection reset")
}

func TestProcessGivesUpAfterMaxAttempts(t *testing.T) {
	q := setupWorkerQueue(t)
	p := &fakePipeline{runFn: func(models.DeploymentRequest) (*models.DeploymentRun, error) {
		return nil, errors.New("connection reset")
	}}
	w := newTestWorker(q, p, nil)
	ctx := context.Background()

	job := &queue.Job{ID: "job-1", Type: queue.JobTypeRun, DeploymentID: "dep-1", Attempts: 2, MaxAttempts: 3, Run: &queue.RunPayload{Request: request(models.StrategyRolling)}}
	w.process(ctx, job, zerolog.Nop())

	failed, err := q.GetFailedJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestCalculateBackoff(t *testing.T) {
	within := func(t *testing.T, got, want time.Duration) {
		t.Helper()
		slack := time.Duration(float64(want) * queue.BackoffJitterPercent)
		assert.GreaterOrEqual(t, got, want-slack)
		assert.LessOrEqual(t, got, want+slack)
	}

	within(t, calculateBackoff(1), 5*time.Second)
	within(t, calculateBackoff(2), 10*time.Second)
	within(t, calculateBackoff(3), 20*time.Second)
	within(t, calculateBackoff(20), queue.MaxBackoffDelay)
}
