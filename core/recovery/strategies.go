package recovery

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ml-scheduler/core/models"
	"ml-scheduler/core/monitoring"
	"ml-scheduler/core/resource_manager"
)

const (
	// utilizationHighWater is the allocator utilization above which
	// memory cleanup escalates to evicting the oldest peer unit.
	utilizationHighWater = 85.0

	// timeoutStormWindow and timeoutStormLimit gate timeout retries: an
	// owner with more than the limit of timeouts inside the window is a
	// storm and must not be retried.
	timeoutStormWindow = 5 * time.Minute
	timeoutStormLimit  = 3

	// gpuSettleTime is how long the hardware is given to settle after
	// unloading before accounting is reset.
	gpuSettleTime = 2 * time.Second

	// teardownWait is how long a failed process is given to tear down
	// before its configuration is reloaded.
	teardownWait = time.Second
)

// DefaultStrategies builds the production strategy set in selection
// order. gpu_reset is registered ahead of memory_cleanup so a gpu_error
// routes to the hardware reset; memory_cleanup still declares gpu_error
// and would absorb it if the reset strategy were removed.
func DefaultStrategies(
	allocator *resource_manager.GPUAllocator,
	tracker *monitoring.FailureTracker,
	lastGood *ConfigCache,
	sleep func(time.Duration),
) []*Strategy {
	if sleep == nil {
		sleep = time.Sleep
	}

	return []*Strategy{
		{
			Name:        "process_restart",
			Kinds:       []models.FailureKind{models.FailureProcessError, models.FailureModelFailure},
			MaxRetries:  2,
			BackoffBase: 5 * time.Second,
			Action: func(ctx context.Context, event models.FailureEvent) error {
				allocator.Release(event.JobID)
				sleep(teardownWait)

				cfg, ok := lastGood.Get(event.OwnerID)
				if !ok {
					log.WithField("owner", event.OwnerID).
						Warn("no last-known-good configuration, restarting from submitted config")
					return nil
				}
				log.WithFields(log.Fields{
					"owner": event.OwnerID,
					"model": cfg.ModelType,
				}).Info("restarting from last-known-good configuration")
				return nil
			},
		},
		{
			Name:        "timeout_retry",
			Kinds:       []models.FailureKind{models.FailureTimeout},
			MaxRetries:  3,
			BackoffBase: time.Second,
			Action: func(ctx context.Context, event models.FailureEvent) error {
				storms := tracker.CountKind(event.OwnerID, models.FailureTimeout, timeoutStormWindow)
				if storms > timeoutStormLimit {
					return errors.Errorf("timeout storm for owner %s: %d timeouts in %v",
						event.OwnerID, storms, timeoutStormWindow)
				}
				return nil
			},
		},
		{
			Name:        "gpu_reset",
			Kinds:       []models.FailureKind{models.FailureGPUError},
			MaxRetries:  1,
			BackoffBase: 10 * time.Second,
			Action: func(ctx context.Context, event models.FailureEvent) error {
				unloaded := allocator.UnloadOwner(event.OwnerID)
				log.WithFields(log.Fields{
					"owner":    event.OwnerID,
					"unloaded": unloaded,
				}).Info("unloaded owner units for GPU reset")

				sleep(gpuSettleTime)
				allocator.ResetAccounting()
				return nil
			},
		},
		{
			Name:        "memory_cleanup",
			Kinds:       []models.FailureKind{models.FailureMemoryError, models.FailureGPUError},
			MaxRetries:  2,
			BackoffBase: 2 * time.Second,
			Action: func(ctx context.Context, event models.FailureEvent) error {
				utilization := allocator.Compact()
				if utilization <= utilizationHighWater {
					return nil
				}

				unit, ok := allocator.EvictOldest(event.OwnerID)
				if !ok {
					return errors.Errorf("utilization %.1f%% above high water with nothing to evict", utilization)
				}
				log.WithFields(log.Fields{
					"evicted":     unit,
					"utilization": utilization,
				}).Info("evicted peer unit to relieve memory pressure")
				return nil
			},
		},
		{
			Name:        "network_retry",
			Kinds:       []models.FailureKind{models.FailureNetworkError},
			MaxRetries:  3,
			BackoffBase: time.Second,
			Action: func(ctx context.Context, event models.FailureEvent) error {
				// transient connectivity faults need no remediation
				// beyond the backoff delay
				return nil
			},
		},
	}
}
