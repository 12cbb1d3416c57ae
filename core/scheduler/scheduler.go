package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ml-scheduler/config"
	"ml-scheduler/core/classifier"
	"ml-scheduler/core/estimator"
	"ml-scheduler/core/events"
	"ml-scheduler/core/executor"
	"ml-scheduler/core/models"
	"ml-scheduler/core/monitoring"
	"ml-scheduler/core/recovery"
	"ml-scheduler/core/repository"
)

// Scheduler owns the job lifecycle: it admits queued jobs against the
// resource ledger, hands them to the execution adapter, and routes
// failures through classification and recovery. All collaborators are
// injected so isolated instances can be built for testing.
type Scheduler struct {
	store      repository.JobStore
	queue      *JobQueue
	ledger     *Ledger
	estimator  *estimator.Estimator
	exec       executor.Executor
	classifier *classifier.Classifier
	registry   *recovery.Registry
	tracker    *monitoring.FailureTracker
	lastGood   *recovery.ConfigCache
	bus        *events.Bus
	metrics    *monitoring.Metrics
	cfg        config.SchedulerConfig

	passMu   sync.Mutex // held for the duration of one scheduling pass
	wakeChan chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a new scheduler
func NewScheduler(
	store repository.JobStore,
	est *estimator.Estimator,
	exec executor.Executor,
	cls *classifier.Classifier,
	registry *recovery.Registry,
	tracker *monitoring.FailureTracker,
	lastGood *recovery.ConfigCache,
	bus *events.Bus,
	metrics *monitoring.Metrics,
	cfg config.SchedulerConfig,
) *Scheduler {
	return &Scheduler{
		store:      store,
		queue:      NewJobQueue(),
		ledger: NewLedger(Limits{
			TotalGPUMemoryGB:  cfg.TotalGPUMemoryGB,
			TotalDiskGB:       cfg.TotalDiskGB,
			MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		}),
		estimator:  est,
		exec:       exec,
		classifier: cls,
		registry:   registry,
		tracker:    tracker,
		lastGood:   lastGood,
		bus:        bus,
		metrics:    metrics,
		cfg:        cfg,
		wakeChan:   make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
	}
}

// Start runs the scheduling loop until the context is cancelled or
// Stop is called. Passes fire on a fixed timer and on add/cancel/retry
// wake-ups.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.loadQueuedJobs()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runPass(ctx)
		case <-s.wakeChan:
			s.runPass(ctx)
		}
	}
}

// Stop stops the scheduler loop.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// AddJob validates and enqueues a new job. The acknowledgment is
// synchronous; execution is asynchronous. Submission fails only when
// the input is invalid or the requirement exceeds what the system
// could ever admit.
func (s *Scheduler) AddJob(ownerID string, cfg models.TrainingConfig, priority models.Priority) (string, error) {
	if ownerID == "" {
		return "", errors.New("owner id is required")
	}
	if !priority.Valid() {
		return "", errors.Errorf("unknown priority %q", priority)
	}
	if cfg.DatasetSize <= 0 {
		return "", errors.New("dataset size must be positive")
	}

	req := s.estimator.Estimate(cfg)
	if !s.ledger.Fits(req) {
		return "", errors.Errorf(
			"requirement exceeds system capacity: %.1fGB GPU memory, %.1fGB disk",
			req.GPUMemoryGB, req.DiskGB)
	}

	now := time.Now()
	job := &models.Job{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		JobType:     models.JobTypeTraining,
		Priority:    priority,
		Status:      models.JobStatusQueued,
		Config:      cfg,
		Requirement: req,
		SubmittedAt: now,
		UpdatedAt:   now,
		MaxRetries:  s.cfg.DefaultMaxRetries,
	}

	if err := s.store.Create(job); err != nil {
		return "", errors.Wrap(err, "persisting job")
	}

	s.queue.Enqueue(job)
	s.metrics.JobSubmitted(priority)
	s.bus.Publish(models.LifecycleEvent{
		Type: models.EventJobAdded, JobID: job.ID, OwnerID: ownerID,
	})

	log.WithFields(log.Fields{
		"job":      job.ID,
		"owner":    ownerID,
		"priority": priority,
		"gpu_gb":   req.GPUMemoryGB,
	}).Info("job queued")

	s.wake()
	return job.ID, nil
}

// CancelJob cancels a queued or running job. A queued job is removed
// immediately; a running job is signalled through the execution
// adapter and is not retried.
func (s *Scheduler) CancelJob(jobID, reason string) error {
	job, err := s.store.Get(jobID)
	if err != nil {
		return err
	}

	switch job.Status {
	case models.JobStatusQueued:
		if err := s.store.UpdateStatus(jobID, models.JobStatusQueued, models.JobStatusCancelled, "user_cancelled", reason); err != nil {
			return err
		}
	case models.JobStatusRunning:
		if err := s.store.UpdateStatus(jobID, models.JobStatusRunning, models.JobStatusCancelled, "user_cancelled", reason); err != nil {
			return err
		}
		if err := s.exec.Cancel(jobID); err != nil {
			log.WithError(err).WithField("job", jobID).Warn("cancel signal to adapter failed")
		}
	default:
		return errors.Errorf("job %s is already %s", jobID, job.Status)
	}

	s.bus.Publish(models.LifecycleEvent{
		Type: models.EventJobCancelled, JobID: jobID, OwnerID: job.OwnerID,
	})
	s.wake()
	return nil
}

// RetryJob enqueues a fresh retry entry for a failed job. It fails when
// the job's retry budget is exhausted.
func (s *Scheduler) RetryJob(jobID string) (string, error) {
	job, err := s.store.Get(jobID)
	if err != nil {
		return "", err
	}
	if job.Status != models.JobStatusFailed {
		return "", errors.Errorf("job %s is %s, only failed jobs can be retried", jobID, job.Status)
	}
	if !job.CanRetry() {
		return "", errors.Errorf("job %s exhausted its retry budget (%d/%d)", jobID, job.RetryCount, job.MaxRetries)
	}

	retry, err := s.enqueueRetry(job)
	if err != nil {
		return "", err
	}
	return retry.ID, nil
}

// GetQueueStatus reports the queue contents, aggregate metrics, and
// current resource usage.
func (s *Scheduler) GetQueueStatus() (*QueueStatus, error) {
	jobs, err := s.store.List(100)
	if err != nil {
		return nil, errors.Wrap(err, "listing jobs")
	}

	midnight := time.Now().Truncate(24 * time.Hour)
	completedToday, failedToday, err := s.store.CompletedSince(midnight)
	if err != nil {
		return nil, errors.Wrap(err, "counting completions")
	}

	status := &QueueStatus{
		Jobs:  jobs,
		Usage: s.ledger.Usage(),
	}
	status.Metrics.CompletedToday = completedToday
	status.Metrics.FailedToday = failedToday
	status.Metrics.UtilizationPct = s.ledger.UtilizationPct()

	var waitTotal, runTotal time.Duration
	var waited, ran int
	for _, job := range jobs {
		status.Metrics.Total++
		switch job.Status {
		case models.JobStatusQueued:
			status.Metrics.Queued++
		case models.JobStatusRunning:
			status.Metrics.Running++
		}
		if wait := job.WaitTime(); wait > 0 {
			waitTotal += wait
			waited++
		}
		if run := job.RunTime(); run > 0 {
			runTotal += run
			ran++
		}
	}
	if waited > 0 {
		status.Metrics.AvgWaitTime = waitTotal / time.Duration(waited)
	}
	if ran > 0 {
		status.Metrics.AvgRunTime = runTotal / time.Duration(ran)
	}

	return status, nil
}

// IsOwnerHealthy reports whether new work should be routed to an owner.
func (s *Scheduler) IsOwnerHealthy(ownerID string) bool {
	return s.tracker.IsHealthy(ownerID)
}

// QueueStatus is the external view of the scheduler state.
type QueueStatus struct {
	Jobs    []*models.Job
	Metrics QueueMetrics
	Usage   Usage
}

// QueueMetrics aggregates queue statistics.
type QueueMetrics struct {
	Total          int
	Running        int
	Queued         int
	CompletedToday int
	FailedToday    int
	AvgWaitTime    time.Duration
	AvgRunTime     time.Duration
	UtilizationPct float64
}

// loadQueuedJobs reloads queued jobs from the store on startup.
func (s *Scheduler) loadQueuedJobs() {
	jobs, err := s.store.ListByStatus(models.JobStatusQueued)
	if err != nil {
		log.WithError(err).Error("failed to load queued jobs")
		return
	}
	for _, job := range jobs {
		s.queue.Enqueue(job)
	}
	if len(jobs) > 0 {
		log.WithField("count", len(jobs)).Info("reloaded queued jobs")
	}
}

// runPass executes one scheduling pass: select the highest-order
// admissible queued job and start it. At most one pass is active at a
// time; a pass that finds another active simply skips. A pass never
// propagates internal faults.
func (s *Scheduler) runPass(ctx context.Context) {
	if !s.passMu.TryLock() {
		log.Debug("scheduling pass already active, skipping")
		return
	}
	defer s.passMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("scheduling pass panicked")
		}
	}()

	usage := s.ledger.Usage()
	s.metrics.SetQueueState(s.queue.Size(), usage.RunningJobs)
	s.metrics.SetGPUUtilization(s.ledger.UtilizationPct())

	var skipped []*models.Job
	defer func() {
		for _, job := range skipped {
			s.queue.Enqueue(job)
		}
	}()

	for {
		job := s.queue.PopJob()
		if job == nil {
			return // nothing admissible this pass
		}

		// Re-fetch so a cancellation that raced selection wins: only a
		// job still queued in the store may start.
		fresh, err := s.store.Get(job.ID)
		if err != nil {
			log.WithError(err).WithField("job", job.ID).Warn("dropping unloadable queued job")
			continue
		}
		if fresh.Status != models.JobStatusQueued {
			continue
		}

		if !s.ledger.Reserve(fresh.ID, fresh.Requirement) {
			skipped = append(skipped, fresh)
			continue
		}

		if err := s.store.UpdateStatus(fresh.ID, models.JobStatusQueued, models.JobStatusRunning, "scheduler_selected", ""); err != nil {
			s.ledger.Release(fresh.ID)
			if errors.Is(err, repository.ErrStatusConflict) {
				continue // cancelled between re-fetch and transition
			}
			log.WithError(err).WithField("job", fresh.ID).Error("failed to mark job running")
			skipped = append(skipped, fresh)
			return
		}

		log.WithFields(log.Fields{
			"job":      fresh.ID,
			"owner":    fresh.OwnerID,
			"priority": fresh.Priority,
		}).Info("job started")
		s.bus.Publish(models.LifecycleEvent{
			Type: models.EventJobStarted, JobID: fresh.ID, OwnerID: fresh.OwnerID,
		})

		// The pass does not block on execution.
		go s.execute(ctx, fresh)
		return
	}
}

// execute hands a job to the adapter and routes the outcome.
func (s *Scheduler) execute(ctx context.Context, job *models.Job) {
	err := s.exec.Run(ctx, job)
	s.ledger.Release(job.ID)

	switch {
	case err == nil:
		s.complete(job)
	case errors.Is(err, executor.ErrCancelled):
		// CancelJob already moved the job to cancelled; tolerate the
		// transition having happened first.
		if uerr := s.store.UpdateStatus(job.ID, models.JobStatusRunning, models.JobStatusCancelled, "execution_cancelled", ""); uerr != nil && !errors.Is(uerr, repository.ErrStatusConflict) {
			log.WithError(uerr).WithField("job", job.ID).Error("failed to mark job cancelled")
		}
	default:
		s.handleFailure(ctx, job, err)
	}

	s.wake()
}

func (s *Scheduler) complete(job *models.Job) {
	if err := s.store.UpdateStatus(job.ID, models.JobStatusRunning, models.JobStatusCompleted, "execution_succeeded", ""); err != nil {
		log.WithError(err).WithField("job", job.ID).Error("failed to mark job completed")
		return
	}
	s.lastGood.Set(job.OwnerID, job.Config)

	if fresh, err := s.store.Get(job.ID); err == nil {
		s.metrics.JobFinished(fresh)
	}
	s.bus.Publish(models.LifecycleEvent{
		Type: models.EventJobCompleted, JobID: job.ID, OwnerID: job.OwnerID, Success: true,
	})
	log.WithField("job", job.ID).Info("job completed")
}

// handleFailure classifies an execution failure, runs recovery, and
// either enqueues a fresh retry or records the terminal failure.
func (s *Scheduler) handleFailure(ctx context.Context, job *models.Job, rawErr error) {
	event := s.classifier.Classify(job, rawErr)
	s.tracker.Record(event)
	s.metrics.Failure(event.Kind)

	log.WithFields(log.Fields{
		"job":   job.ID,
		"owner": job.OwnerID,
		"kind":  event.Kind,
		"retry": event.RetryCount,
	}).Warn("job execution failed")

	approved, recErr := s.registry.Recover(ctx, event)
	if approved && job.CanRetry() {
		if err := s.store.UpdateStatus(job.ID, models.JobStatusRunning, models.JobStatusFailed, "superseded_by_retry", rawErr.Error()); err != nil {
			log.WithError(err).WithField("job", job.ID).Error("failed to mark job for retry")
			return
		}
		if fresh, err := s.store.Get(job.ID); err == nil {
			s.metrics.JobFinished(fresh)
		}
		if _, err := s.enqueueRetry(job); err != nil {
			log.WithError(err).WithField("job", job.ID).Error("failed to enqueue retry")
		}
		return
	}

	terminal := rawErr.Error()
	if recErr != nil {
		terminal = errors.Wrap(rawErr, recErr.Error()).Error()
	}
	if err := s.store.UpdateStatus(job.ID, models.JobStatusRunning, models.JobStatusFailed, "execution_failed", terminal); err != nil {
		log.WithError(err).WithField("job", job.ID).Error("failed to mark job failed")
		return
	}
	if fresh, err := s.store.Get(job.ID); err == nil {
		s.metrics.JobFinished(fresh)
	}
	s.bus.Publish(models.LifecycleEvent{
		Type: models.EventJobCompleted, JobID: job.ID, OwnerID: job.OwnerID, Success: false, Error: terminal,
	})
}

// enqueueRetry creates a brand-new queued entry for a retried job. The
// requirement is re-estimated so a retry never inherits stale numbers.
func (s *Scheduler) enqueueRetry(job *models.Job) (*models.Job, error) {
	now := time.Now()
	retry := &models.Job{
		ID:          uuid.NewString(),
		OwnerID:     job.OwnerID,
		Name:        job.Name,
		JobType:     job.JobType,
		Priority:    job.Priority,
		Status:      models.JobStatusQueued,
		Config:      job.Config,
		Requirement: s.estimator.Estimate(job.Config),
		SubmittedAt: now,
		UpdatedAt:   now,
		RetryCount:  job.RetryCount + 1,
		MaxRetries:  job.MaxRetries,
		RetryOf:     job.ID,
	}

	if err := s.store.Create(retry); err != nil {
		return nil, errors.Wrap(err, "persisting retry")
	}

	s.queue.Enqueue(retry)
	s.bus.Publish(models.LifecycleEvent{
		Type: models.EventJobRetried, JobID: job.ID, OwnerID: job.OwnerID, RetryID: retry.ID,
	})
	log.WithFields(log.Fields{
		"job":   job.ID,
		"retry": retry.ID,
		"count": retry.RetryCount,
	}).Info("job retried")

	s.wake()
	return retry, nil
}

// wake nudges the loop without blocking; a pending wake-up is enough.
func (s *Scheduler) wake() {
	select {
	case s.wakeChan <- struct{}{}:
	default:
	}
}
