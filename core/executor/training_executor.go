package executor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ml-scheduler/core/models"
	"ml-scheduler/core/resource_manager"
)

// maxSimulatedRun caps the simulated run so local runs stay responsive.
const maxSimulatedRun = 30 * time.Second

// TrainingExecutor runs training and inference jobs against the GPU
// fleet. Execution is simulated: the job occupies a model unit on the
// allocator for a scaled-down fraction of its estimated duration.
type TrainingExecutor struct {
	allocator *resource_manager.GPUAllocator

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewTrainingExecutor creates a new training executor
func NewTrainingExecutor(allocator *resource_manager.GPUAllocator) *TrainingExecutor {
	return &TrainingExecutor{
		allocator: allocator,
		running:   make(map[string]context.CancelFunc),
	}
}

// Run executes a job, blocking until it finishes, fails, or is
// cancelled via Cancel.
func (e *TrainingExecutor) Run(ctx context.Context, job *models.Job) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.running[job.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, job.ID)
		e.mu.Unlock()
	}()

	if err := e.allocator.Load(job.ID, job.OwnerID, job.Requirement.GPUMemoryGB); err != nil {
		return errors.Wrap(err, "loading model unit")
	}
	defer e.allocator.Release(job.ID)

	duration := e.simulatedDuration(job)
	log.WithFields(log.Fields{
		"job":      job.ID,
		"owner":    job.OwnerID,
		"duration": duration,
	}).Info("executing job")

	timer := time.NewTimer(duration)
	defer timer.Stop()

	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-runCtx.Done():
			return ErrCancelled
		case <-heartbeat.C:
			e.allocator.Touch(job.ID)
		case <-timer.C:
			log.WithField("job", job.ID).Info("job execution finished")
			return nil
		}
	}
}

// Cancel signals a running job to terminate.
func (e *TrainingExecutor) Cancel(jobID string) error {
	e.mu.Lock()
	cancel, ok := e.running[jobID]
	e.mu.Unlock()

	if !ok {
		return errors.Errorf("job %s is not running", jobID)
	}
	cancel()
	return nil
}

func (e *TrainingExecutor) simulatedDuration(job *models.Job) time.Duration {
	// one simulated second per estimated minute
	duration := time.Duration(job.Requirement.EstimatedDuration.Minutes() * float64(time.Second))
	if duration < time.Second {
		duration = time.Second
	}
	if duration > maxSimulatedRun {
		duration = maxSimulatedRun
	}
	return duration
}
