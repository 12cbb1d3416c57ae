package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ml-scheduler/core/models"
)

func testLimits() Limits {
	return Limits{TotalGPUMemoryGB: 24, TotalDiskGB: 100, MaxConcurrentJobs: 2}
}

func TestCanAdmit(t *testing.T) {
	limits := testLimits()
	req := models.ResourceRequirement{GPUMemoryGB: 10, DiskGB: 20}

	assert.True(t, CanAdmit(req, Usage{}, limits))
	assert.True(t, CanAdmit(req, Usage{GPUMemoryGB: 14, DiskGB: 80, RunningJobs: 1}, limits))
	assert.False(t, CanAdmit(req, Usage{GPUMemoryGB: 15, RunningJobs: 1}, limits), "gpu memory exhausted")
	assert.False(t, CanAdmit(req, Usage{DiskGB: 90, RunningJobs: 1}, limits), "disk exhausted")
	assert.False(t, CanAdmit(req, Usage{RunningJobs: 2}, limits), "concurrency slots exhausted")
}

func TestLedgerReserveIsAtomic(t *testing.T) {
	ledger := NewLedger(testLimits())

	ok := ledger.Reserve("a", models.ResourceRequirement{GPUMemoryGB: 20, DiskGB: 10})
	assert.True(t, ok)

	// Does not fit: nothing at all must be reserved for it.
	ok = ledger.Reserve("b", models.ResourceRequirement{GPUMemoryGB: 10, DiskGB: 10})
	assert.False(t, ok)

	usage := ledger.Usage()
	assert.Equal(t, 20.0, usage.GPUMemoryGB)
	assert.Equal(t, 10.0, usage.DiskGB)
	assert.Equal(t, 1, usage.RunningJobs)
}

func TestLedgerRelease(t *testing.T) {
	ledger := NewLedger(testLimits())
	req := models.ResourceRequirement{GPUMemoryGB: 20, DiskGB: 10}

	assert.True(t, ledger.Reserve("a", req))
	assert.False(t, ledger.Admissible(req))

	ledger.Release("a")
	assert.True(t, ledger.Admissible(req))
	assert.Equal(t, Usage{}, ledger.Usage())
}

func TestLedgerFits(t *testing.T) {
	ledger := NewLedger(testLimits())
	assert.True(t, ledger.Reserve("a", models.ResourceRequirement{GPUMemoryGB: 24}))

	// Fits ignores current usage: it answers whether an idle system
	// could ever admit the requirement.
	assert.True(t, ledger.Fits(models.ResourceRequirement{GPUMemoryGB: 24}))
	assert.False(t, ledger.Fits(models.ResourceRequirement{GPUMemoryGB: 25}))
}

func TestLedgerUtilization(t *testing.T) {
	ledger := NewLedger(testLimits())
	assert.Equal(t, 0.0, ledger.UtilizationPct())

	ledger.Reserve("a", models.ResourceRequirement{GPUMemoryGB: 12})
	assert.InDelta(t, 50.0, ledger.UtilizationPct(), 1e-9)
}
