package resource_manager

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// scratchFraction is the transient working-set overhead a unit accrues
// on load; compaction reclaims it.
const scratchFraction = 0.1

// ModelUnit is a model loaded on the GPU fleet on behalf of an owner.
type ModelUnit struct {
	UnitID     string
	OwnerID    string
	MemoryGB   float64
	LoadedAt   time.Time
	LastUsedAt time.Time
}

// GPUAllocator tracks loaded model units and GPU memory accounting for
// the fleet. Recovery strategies use it to compact, evict, and reset.
type GPUAllocator struct {
	mu            sync.Mutex
	totalMemoryGB float64
	units         map[string]*ModelUnit
	scratchGB     float64 // transient allocator overhead, cleared by Compact
}

// NewGPUAllocator creates a new GPU allocator
func NewGPUAllocator(totalMemoryGB float64) *GPUAllocator {
	return &GPUAllocator{
		totalMemoryGB: totalMemoryGB,
		units:         make(map[string]*ModelUnit),
	}
}

// Load records a model unit as resident. Loading accrues scratch
// overhead on top of the unit's own footprint.
func (a *GPUAllocator) Load(unitID, ownerID string, memoryGB float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.allocatedLocked()+memoryGB > a.totalMemoryGB {
		return errors.Errorf("insufficient GPU memory for unit %s: need %.1fGB, %.1fGB free",
			unitID, memoryGB, a.totalMemoryGB-a.allocatedLocked())
	}

	now := time.Now()
	a.units[unitID] = &ModelUnit{
		UnitID:     unitID,
		OwnerID:    ownerID,
		MemoryGB:   memoryGB,
		LoadedAt:   now,
		LastUsedAt: now,
	}
	a.scratchGB += memoryGB * scratchFraction
	return nil
}

// Release removes a unit from the accounting.
func (a *GPUAllocator) Release(unitID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.units, unitID)
}

// Touch refreshes a unit's last-use timestamp.
func (a *GPUAllocator) Touch(unitID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if unit, ok := a.units[unitID]; ok {
		unit.LastUsedAt = time.Now()
	}
}

// UtilizationPct returns the fraction of total GPU memory in use, 0..100.
func (a *GPUAllocator) UtilizationPct() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.totalMemoryGB == 0 {
		return 0
	}
	return a.allocatedLocked() / a.totalMemoryGB * 100
}

// Compact reclaims scratch overhead and returns the utilization that
// remains afterwards.
func (a *GPUAllocator) Compact() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	reclaimed := a.scratchGB
	a.scratchGB = 0
	if reclaimed > 0 {
		log.WithField("reclaimed_gb", reclaimed).Info("compacted GPU allocator")
	}
	if a.totalMemoryGB == 0 {
		return 0
	}
	return a.allocatedLocked() / a.totalMemoryGB * 100
}

// EvictOldest removes the unit with the oldest last-use timestamp,
// excluding units belonging to keepOwner. Returns the evicted unit id.
func (a *GPUAllocator) EvictOldest(keepOwner string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var oldest *ModelUnit
	for _, unit := range a.units {
		if unit.OwnerID == keepOwner {
			continue
		}
		if oldest == nil || unit.LastUsedAt.Before(oldest.LastUsedAt) {
			oldest = unit
		}
	}
	if oldest == nil {
		return "", false
	}

	delete(a.units, oldest.UnitID)
	log.WithFields(log.Fields{
		"unit":  oldest.UnitID,
		"owner": oldest.OwnerID,
	}).Info("evicted least recently used model unit")
	return oldest.UnitID, true
}

// UnloadOwner removes every unit belonging to an owner and returns how
// many were removed.
func (a *GPUAllocator) UnloadOwner(ownerID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for id, unit := range a.units {
		if unit.OwnerID == ownerID {
			delete(a.units, id)
			removed++
		}
	}
	return removed
}

// ResetAccounting clears scratch overhead and any accounting drift.
// Used after a hardware reset when resident units must be re-measured.
func (a *GPUAllocator) ResetAccounting() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scratchGB = 0
}

// Units returns a snapshot of resident units.
func (a *GPUAllocator) Units() []ModelUnit {
	a.mu.Lock()
	defer a.mu.Unlock()

	units := make([]ModelUnit, 0, len(a.units))
	for _, unit := range a.units {
		units = append(units, *unit)
	}
	return units
}

func (a *GPUAllocator) allocatedLocked() float64 {
	total := a.scratchGB
	for _, unit := range a.units {
		total += unit.MemoryGB
	}
	return total
}
