package estimator

import (
	"time"

	"ml-scheduler/config"
	"ml-scheduler/core/models"
)

// Estimator derives a resource requirement from a job configuration.
// Estimation is pure and deterministic: identical inputs always produce
// identical requirements, which keeps retries safe to re-estimate.
type Estimator struct {
	params config.EstimatorConfig
}

// New creates a new estimator
func New(params config.EstimatorConfig) *Estimator {
	return &Estimator{params: params}
}

// Estimate computes the resource requirement for a job configuration.
// Each dimension follows a linear-with-ceiling model:
//
//	gpuMemory = min(ceiling, base + perItem * datasetSize)
func (e *Estimator) Estimate(cfg models.TrainingConfig) models.ResourceRequirement {
	count := float64(cfg.DatasetSize)

	gpuMemory := e.params.BaseGPUMemoryGB + e.params.GPUMemoryPerItemGB*count
	if cfg.MemoryCeilingGB > 0 && gpuMemory > cfg.MemoryCeilingGB {
		gpuMemory = cfg.MemoryCeilingGB
	}

	disk := e.params.BaseDiskGB + e.params.DiskPerItemGB*count

	duration := e.params.BaseDuration + time.Duration(count)*e.params.DurationPerItem
	if e.params.MaxDuration > 0 && duration > e.params.MaxDuration {
		duration = e.params.MaxDuration
	}

	cost := duration.Hours() * e.params.GPUHourlyRateUSD

	return models.ResourceRequirement{
		GPUMemoryGB:       gpuMemory,
		DiskGB:            disk,
		EstimatedDuration: duration,
		EstimatedCostUSD:  cost,
	}
}
