package estimator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ml-scheduler/config"
	"ml-scheduler/core/models"
)

func testParams() config.EstimatorConfig {
	return config.EstimatorConfig{
		BaseGPUMemoryGB:    2,
		GPUMemoryPerItemGB: 0.05,
		BaseDiskGB:         5,
		DiskPerItemGB:      0.1,
		BaseDuration:       5 * time.Minute,
		DurationPerItem:    200 * time.Millisecond,
		MaxDuration:        4 * time.Hour,
		GPUHourlyRateUSD:   2.5,
	}
}

func TestEstimateLinearGrowth(t *testing.T) {
	e := New(testParams())

	small := e.Estimate(models.TrainingConfig{DatasetSize: 10, MemoryCeilingGB: 80})
	large := e.Estimate(models.TrainingConfig{DatasetSize: 100, MemoryCeilingGB: 80})

	assert.InDelta(t, 2.5, small.GPUMemoryGB, 1e-9)
	assert.InDelta(t, 7.0, large.GPUMemoryGB, 1e-9)
	assert.Greater(t, large.DiskGB, small.DiskGB)
	assert.Greater(t, large.EstimatedDuration, small.EstimatedDuration)
	assert.Greater(t, large.EstimatedCostUSD, small.EstimatedCostUSD)
}

func TestEstimateClampsToCeiling(t *testing.T) {
	e := New(testParams())

	// base 2 + 500*0.05 = 27GB, above the 24GB ceiling
	req := e.Estimate(models.TrainingConfig{DatasetSize: 500, MemoryCeilingGB: 24})

	assert.Equal(t, 24.0, req.GPUMemoryGB)
}

func TestEstimateClampsDuration(t *testing.T) {
	e := New(testParams())

	req := e.Estimate(models.TrainingConfig{DatasetSize: 1_000_000, MemoryCeilingGB: 80})

	assert.Equal(t, 4*time.Hour, req.EstimatedDuration)
}

func TestEstimateDeterministic(t *testing.T) {
	e := New(testParams())
	cfg := models.TrainingConfig{ModelType: "bert", DatasetSize: 1234, BatchSize: 32, MemoryCeilingGB: 40}

	first := e.Estimate(cfg)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.Estimate(cfg))
	}
}
