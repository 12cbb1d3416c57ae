package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ml-scheduler/config"
	"ml-scheduler/core/classifier"
	"ml-scheduler/core/estimator"
	"ml-scheduler/core/events"
	"ml-scheduler/core/executor"
	"ml-scheduler/core/models"
	"ml-scheduler/core/monitoring"
	"ml-scheduler/core/recovery"
	"ml-scheduler/core/repository"
	"ml-scheduler/core/resource_manager"
)

// stubExecutor returns scripted results in run order. With hold set,
// Run blocks until the test finishes or cancels the job.
type stubExecutor struct {
	mu        sync.Mutex
	script    []error
	hold      bool
	release   map[string]chan struct{}
	cancelled map[string]bool
	runs      []string
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{
		release:   make(map[string]chan struct{}),
		cancelled: make(map[string]bool),
	}
}

func (e *stubExecutor) Run(ctx context.Context, job *models.Job) error {
	e.mu.Lock()
	e.runs = append(e.runs, job.ID)
	var result error
	if len(e.script) > 0 {
		result = e.script[0]
		e.script = e.script[1:]
	}
	var rel chan struct{}
	if e.hold {
		rel = make(chan struct{})
		e.release[job.ID] = rel
	}
	e.mu.Unlock()

	if rel != nil {
		select {
		case <-rel:
		case <-ctx.Done():
			return executor.ErrCancelled
		}
		e.mu.Lock()
		wasCancelled := e.cancelled[job.ID]
		e.mu.Unlock()
		if wasCancelled {
			return executor.ErrCancelled
		}
	}
	return result
}

func (e *stubExecutor) Cancel(jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled[jobID] = true
	if rel, ok := e.release[jobID]; ok {
		close(rel)
		delete(e.release, jobID)
	}
	return nil
}

func (e *stubExecutor) finish(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rel, ok := e.release[jobID]; ok {
		close(rel)
		delete(e.release, jobID)
	}
}

func (e *stubExecutor) ranJobs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.runs...)
}

type testEnv struct {
	sched   *Scheduler
	store   repository.JobStore
	exec    *stubExecutor
	tracker *monitoring.FailureTracker

	delayMu sync.Mutex
	delays  []time.Duration
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		TotalGPUMemoryGB:  24,
		TotalDiskGB:       200,
		MaxConcurrentJobs: 2,
		TickInterval:      10 * time.Millisecond,
		DefaultMaxRetries: 3,
		Retention:         24 * time.Hour,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := repository.NewMemJobStore()
	require.NoError(t, err)

	cfg := testSchedulerConfig()
	tracker := monitoring.NewFailureTracker(64, time.Hour)
	allocator := resource_manager.NewGPUAllocator(cfg.TotalGPUMemoryGB)
	lastGood := recovery.NewConfigCache()

	env := &testEnv{store: store, exec: newStubExecutor(), tracker: tracker}

	noSleep := func(time.Duration) {}
	registry := recovery.NewRegistry(
		recovery.DefaultStrategies(allocator, tracker, lastGood, noSleep),
		tracker,
	)
	registry.SetSleep(func(d time.Duration) {
		env.delayMu.Lock()
		env.delays = append(env.delays, d)
		env.delayMu.Unlock()
	})

	env.sched = NewScheduler(
		store,
		estimator.New(config.EstimatorConfig{
			BaseGPUMemoryGB:    2,
			GPUMemoryPerItemGB: 0.05,
			BaseDiskGB:         5,
			DiskPerItemGB:      0.01,
			BaseDuration:       time.Minute,
			DurationPerItem:    time.Millisecond,
			MaxDuration:        time.Hour,
			GPUHourlyRateUSD:   2.5,
		}),
		env.exec,
		classifier.New(),
		registry,
		tracker,
		lastGood,
		events.NewBus(),
		monitoring.NewMetrics(prometheus.NewRegistry()),
		cfg,
	)
	return env
}

func (env *testEnv) recordedDelays() []time.Duration {
	env.delayMu.Lock()
	defer env.delayMu.Unlock()
	return append([]time.Duration(nil), env.delays...)
}

func (env *testEnv) waitStatus(t *testing.T, jobID string, status models.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := env.store.Get(jobID)
		return err == nil && job.Status == status
	}, 2*time.Second, 2*time.Millisecond, "job %s never reached %s", jobID, status)
}

func (env *testEnv) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return env.sched.ledger.Usage().RunningJobs == 0
	}, 2*time.Second, 2*time.Millisecond)
}

// smallConfig estimates to 2 + 100*0.05 = 7GB.
func smallConfig() models.TrainingConfig {
	return models.TrainingConfig{ModelType: "bert", DatasetSize: 100, BatchSize: 16}
}

// largeConfig estimates to 2 + 300*0.05 = 17GB, so only one fits in 24GB.
func largeConfig() models.TrainingConfig {
	return models.TrainingConfig{ModelType: "gpt", DatasetSize: 300, BatchSize: 16}
}

func TestAddJobValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.sched.AddJob("", smallConfig(), models.PriorityMedium)
	assert.Error(t, err, "missing owner")

	_, err = env.sched.AddJob("owner-1", smallConfig(), models.Priority("urgent"))
	assert.Error(t, err, "unknown priority")

	_, err = env.sched.AddJob("owner-1", models.TrainingConfig{DatasetSize: 0}, models.PriorityLow)
	assert.Error(t, err, "empty dataset")

	// 2 + 10000*0.05 = 502GB can never fit a 24GB system.
	_, err = env.sched.AddJob("owner-1", models.TrainingConfig{DatasetSize: 10000}, models.PriorityLow)
	assert.Error(t, err, "requirement exceeds any possible configuration")
}

func TestHighPriorityBeatsEarlierMedium(t *testing.T) {
	env := newTestEnv(t)
	env.exec.hold = true
	ctx := context.Background()

	medium, err := env.sched.AddJob("owner-1", smallConfig(), models.PriorityMedium)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond) // ensure distinct submission times
	high, err := env.sched.AddJob("owner-2", smallConfig(), models.PriorityHigh)
	require.NoError(t, err)

	env.sched.runPass(ctx)
	env.waitStatus(t, high, models.JobStatusRunning)

	runs := env.exec.ranJobs()
	require.Len(t, runs, 1)
	assert.Equal(t, high, runs[0], "the later high-priority job starts first")

	job, err := env.store.Get(medium)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	env.exec.finish(high)
}

func TestEqualPriorityFIFO(t *testing.T) {
	env := newTestEnv(t)
	env.exec.hold = true
	ctx := context.Background()

	first, err := env.sched.AddJob("owner-1", smallConfig(), models.PriorityMedium)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := env.sched.AddJob("owner-1", smallConfig(), models.PriorityMedium)
	require.NoError(t, err)

	env.sched.runPass(ctx)
	env.waitStatus(t, first, models.JobStatusRunning)
	env.sched.runPass(ctx)
	env.waitStatus(t, second, models.JobStatusRunning)

	assert.Equal(t, []string{first, second}, env.exec.ranJobs())

	env.exec.finish(first)
	env.exec.finish(second)
}

func TestSecondJobWaitsForCapacity(t *testing.T) {
	env := newTestEnv(t)
	env.exec.hold = true
	ctx := context.Background()

	first, err := env.sched.AddJob("owner-1", largeConfig(), models.PriorityMedium)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := env.sched.AddJob("owner-2", largeConfig(), models.PriorityMedium)
	require.NoError(t, err)

	env.sched.runPass(ctx)
	env.waitStatus(t, first, models.JobStatusRunning)

	// No capacity for the second job while the first holds 17GB.
	env.sched.runPass(ctx)
	job, err := env.store.Get(second)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	env.exec.finish(first)
	env.waitStatus(t, first, models.JobStatusCompleted)
	env.waitIdle(t)

	// Freed capacity admits the second job on the next pass.
	env.sched.runPass(ctx)
	env.waitStatus(t, second, models.JobStatusRunning)
	env.exec.finish(second)
}

func TestCancelQueuedJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	jobID, err := env.sched.AddJob("owner-1", smallConfig(), models.PriorityLow)
	require.NoError(t, err)

	require.NoError(t, env.sched.CancelJob(jobID, "no longer needed"))

	job, err := env.store.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Equal(t, "no longer needed", job.CancelReason)

	// A cancelled job must never start even though it is still in the
	// in-memory queue.
	env.sched.runPass(ctx)
	assert.Empty(t, env.exec.ranJobs())
}

func TestCancelRunningJob(t *testing.T) {
	env := newTestEnv(t)
	env.exec.hold = true
	ctx := context.Background()

	jobID, err := env.sched.AddJob("owner-1", smallConfig(), models.PriorityMedium)
	require.NoError(t, err)

	env.sched.runPass(ctx)
	env.waitStatus(t, jobID, models.JobStatusRunning)

	require.NoError(t, env.sched.CancelJob(jobID, "operator stop"))
	env.waitStatus(t, jobID, models.JobStatusCancelled)
	env.waitIdle(t)

	// A cancelled running job is not retried.
	env.sched.runPass(ctx)
	jobs, err := env.store.List(0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestNetworkErrorRetriedWithIncreasingBackoff(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	connRefused := errors.New("dial tcp 10.0.0.7:443: connection refused")
	env.exec.script = []error{connRefused, connRefused, connRefused, connRefused}

	_, err := env.sched.AddJob("owner-1", smallConfig(), models.PriorityMedium)
	require.NoError(t, err)

	// Drive passes until the retry chain settles: the original plus
	// three retries, all failed.
	require.Eventually(t, func() bool {
		env.sched.runPass(ctx)
		jobs, err := env.store.List(0)
		if err != nil || len(jobs) != 4 {
			return false
		}
		for _, job := range jobs {
			if job.Status != models.JobStatusFailed {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	jobs, err := env.store.List(0)
	require.NoError(t, err)

	retryCounts := map[int]bool{}
	for _, job := range jobs {
		assert.LessOrEqual(t, job.RetryCount, job.MaxRetries)
		assert.Contains(t, job.LastError, "connection refused")
		retryCounts[job.RetryCount] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true, 3: true}, retryCounts)

	// Backoff before each of the three recovery attempts, strictly
	// increasing: base, 2*base, 4*base.
	delays := env.recordedDelays()
	require.Len(t, delays, 3)
	assert.Equal(t, time.Second, delays[0])
	assert.Equal(t, 2*time.Second, delays[1])
	assert.Equal(t, 4*time.Second, delays[2])
}

func TestGPUResetBudgetExhaustedWithinWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cudaFault := errors.New("CUDA error: device-side assert triggered")
	env.exec.script = []error{cudaFault, cudaFault}

	_, err := env.sched.AddJob("deployment-d", smallConfig(), models.PriorityMedium)
	require.NoError(t, err)

	// First gpu_error recovers via gpu_reset; the second within the
	// window exceeds the strategy budget of one and is terminal.
	require.Eventually(t, func() bool {
		env.sched.runPass(ctx)
		jobs, err := env.store.List(0)
		if err != nil || len(jobs) != 2 {
			return false
		}
		for _, job := range jobs {
			if job.Status != models.JobStatusFailed {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	assert.Len(t, env.exec.ranJobs(), 2)

	// Give the retry chain a moment to prove it is settled.
	time.Sleep(20 * time.Millisecond)
	env.sched.runPass(ctx)
	jobs, err := env.store.List(0)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestRetryJob(t *testing.T) {
	env := newTestEnv(t)
	env.exec.hold = true
	ctx := context.Background()

	queued, err := env.sched.AddJob("owner-1", smallConfig(), models.PriorityMedium)
	require.NoError(t, err)

	_, err = env.sched.RetryJob(queued)
	assert.Error(t, err, "only failed jobs can be retried")

	env.sched.runPass(ctx)
	env.waitStatus(t, queued, models.JobStatusRunning)
	env.exec.finish(queued)
	env.waitStatus(t, queued, models.JobStatusCompleted)

	// A manufactured failed job with budget left can be retried.
	failed := &models.Job{
		ID:          "failed-job",
		OwnerID:     "owner-1",
		Priority:    models.PriorityMedium,
		Status:      models.JobStatusFailed,
		Config:      smallConfig(),
		RetryCount:  1,
		MaxRetries:  3,
		SubmittedAt: time.Now(),
	}
	require.NoError(t, env.store.Create(failed))

	retryID, err := env.sched.RetryJob(failed.ID)
	require.NoError(t, err)

	retry, err := env.store.Get(retryID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, retry.Status)
	assert.Equal(t, 2, retry.RetryCount)
	assert.Equal(t, failed.ID, retry.RetryOf)
	assert.Positive(t, retry.Requirement.GPUMemoryGB, "retry requirement is freshly estimated")

	// Exhausted budget is rejected.
	exhausted := &models.Job{
		ID:          "exhausted-job",
		OwnerID:     "owner-1",
		Priority:    models.PriorityMedium,
		Status:      models.JobStatusFailed,
		Config:      smallConfig(),
		RetryCount:  3,
		MaxRetries:  3,
		SubmittedAt: time.Now(),
	}
	require.NoError(t, env.store.Create(exhausted))

	_, err = env.sched.RetryJob(exhausted.ID)
	assert.Error(t, err)
}

func TestGetQueueStatus(t *testing.T) {
	env := newTestEnv(t)
	env.exec.hold = true
	ctx := context.Background()

	running, err := env.sched.AddJob("owner-1", smallConfig(), models.PriorityMedium)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = env.sched.AddJob("owner-2", largeConfig(), models.PriorityLow)
	require.NoError(t, err)

	env.sched.runPass(ctx)
	env.waitStatus(t, running, models.JobStatusRunning)

	status, err := env.sched.GetQueueStatus()
	require.NoError(t, err)
	assert.Equal(t, 2, status.Metrics.Total)
	assert.Equal(t, 1, status.Metrics.Running)
	assert.Equal(t, 1, status.Metrics.Queued)
	assert.Equal(t, 1, status.Usage.RunningJobs)
	assert.InDelta(t, 7.0, status.Usage.GPUMemoryGB, 1e-9)
	assert.Greater(t, status.Metrics.UtilizationPct, 0.0)

	env.exec.finish(running)
	env.waitStatus(t, running, models.JobStatusCompleted)

	status, err = env.sched.GetQueueStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, status.Metrics.CompletedToday)
	assert.Greater(t, status.Metrics.AvgWaitTime, time.Duration(0))
}
