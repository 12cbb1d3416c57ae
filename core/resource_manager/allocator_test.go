package resource_manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAndRelease(t *testing.T) {
	allocator := NewGPUAllocator(24)

	require.NoError(t, allocator.Load("unit-1", "owner-a", 8))
	require.Len(t, allocator.Units(), 1)

	// 8GB resident plus 0.8GB scratch.
	assert.InDelta(t, 8.8/24*100, allocator.UtilizationPct(), 1e-9)

	allocator.Release("unit-1")
	assert.Empty(t, allocator.Units())
}

func TestLoadRejectsOverCommit(t *testing.T) {
	allocator := NewGPUAllocator(10)

	require.NoError(t, allocator.Load("unit-1", "owner-a", 8))
	err := allocator.Load("unit-2", "owner-b", 4)
	assert.ErrorContains(t, err, "insufficient GPU memory")
	assert.Len(t, allocator.Units(), 1, "failed load must not register the unit")
}

func TestCompactReclaimsScratch(t *testing.T) {
	allocator := NewGPUAllocator(20)
	require.NoError(t, allocator.Load("unit-1", "owner-a", 10))

	utilization := allocator.Compact()
	assert.InDelta(t, 50.0, utilization, 1e-9, "scratch is gone, only the unit remains")
	assert.InDelta(t, 50.0, allocator.UtilizationPct(), 1e-9)
}

func TestEvictOldestSkipsKeepOwner(t *testing.T) {
	allocator := NewGPUAllocator(40)

	require.NoError(t, allocator.Load("old-unit", "owner-a", 8))
	time.Sleep(time.Millisecond)
	require.NoError(t, allocator.Load("peer-unit", "owner-b", 8))

	// The oldest unit belongs to owner-a, who is protected.
	evicted, ok := allocator.EvictOldest("owner-a")
	require.True(t, ok)
	assert.Equal(t, "peer-unit", evicted)

	_, ok = allocator.EvictOldest("owner-a")
	assert.False(t, ok, "nothing evictable besides the protected owner")
}

func TestEvictOldestHonorsTouch(t *testing.T) {
	allocator := NewGPUAllocator(40)

	require.NoError(t, allocator.Load("unit-1", "owner-a", 8))
	time.Sleep(time.Millisecond)
	require.NoError(t, allocator.Load("unit-2", "owner-b", 8))
	time.Sleep(time.Millisecond)
	allocator.Touch("unit-1")

	evicted, ok := allocator.EvictOldest("")
	require.True(t, ok)
	assert.Equal(t, "unit-2", evicted, "touching unit-1 made unit-2 the oldest")
}

func TestUnloadOwner(t *testing.T) {
	allocator := NewGPUAllocator(40)

	require.NoError(t, allocator.Load("unit-1", "owner-a", 8))
	require.NoError(t, allocator.Load("unit-2", "owner-a", 8))
	require.NoError(t, allocator.Load("unit-3", "owner-b", 8))

	assert.Equal(t, 2, allocator.UnloadOwner("owner-a"))
	units := allocator.Units()
	require.Len(t, units, 1)
	assert.Equal(t, "owner-b", units[0].OwnerID)

	assert.Zero(t, allocator.UnloadOwner("owner-c"))
}

func TestResetAccounting(t *testing.T) {
	allocator := NewGPUAllocator(20)
	require.NoError(t, allocator.Load("unit-1", "owner-a", 10))

	allocator.ResetAccounting()
	assert.InDelta(t, 50.0, allocator.UtilizationPct(), 1e-9, "scratch cleared, resident units kept")
	assert.Len(t, allocator.Units(), 1)
}
