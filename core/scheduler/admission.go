package scheduler

import (
	"sync"

	"ml-scheduler/core/models"
)

// Limits is the aggregate capacity of the system.
type Limits struct {
	TotalGPUMemoryGB  float64
	TotalDiskGB       float64
	MaxConcurrentJobs int
}

// Usage is the portion of the limits currently reserved by running jobs.
type Usage struct {
	GPUMemoryGB float64
	DiskGB      float64
	RunningJobs int
}

// CanAdmit is the admission predicate: it reports whether a requirement
// fits the remaining capacity. Pure, no side effects.
func CanAdmit(req models.ResourceRequirement, usage Usage, limits Limits) bool {
	if usage.RunningJobs >= limits.MaxConcurrentJobs {
		return false
	}
	if usage.GPUMemoryGB+req.GPUMemoryGB > limits.TotalGPUMemoryGB {
		return false
	}
	if usage.DiskGB+req.DiskGB > limits.TotalDiskGB {
		return false
	}
	return true
}

// Ledger is the aggregate resource accounting shared across scheduling
// passes. Admission is atomic: Reserve takes a job's full requirement
// or none of it.
type Ledger struct {
	mu       sync.Mutex
	limits   Limits
	reserved map[string]models.ResourceRequirement
}

// NewLedger creates a new resource ledger
func NewLedger(limits Limits) *Ledger {
	return &Ledger{
		limits:   limits,
		reserved: make(map[string]models.ResourceRequirement),
	}
}

// Reserve atomically reserves the full requirement for a job. It
// returns false, reserving nothing, when the requirement does not fit.
func (l *Ledger) Reserve(jobID string, req models.ResourceRequirement) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !CanAdmit(req, l.usageLocked(), l.limits) {
		return false
	}
	l.reserved[jobID] = req
	return true
}

// Release returns a job's reservation to the pool.
func (l *Ledger) Release(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reserved, jobID)
}

// Admissible reports whether the requirement would fit right now,
// without reserving anything.
func (l *Ledger) Admissible(req models.ResourceRequirement) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return CanAdmit(req, l.usageLocked(), l.limits)
}

// Fits reports whether the requirement could ever be admitted on an
// otherwise idle system. Submissions failing this are rejected outright.
func (l *Ledger) Fits(req models.ResourceRequirement) bool {
	return CanAdmit(req, Usage{}, l.limits)
}

// Usage returns a snapshot of the current reservations.
func (l *Ledger) Usage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usageLocked()
}

// UtilizationPct returns reserved GPU memory as a percentage of the
// system limit.
func (l *Ledger) UtilizationPct() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limits.TotalGPUMemoryGB == 0 {
		return 0
	}
	return l.usageLocked().GPUMemoryGB / l.limits.TotalGPUMemoryGB * 100
}

func (l *Ledger) usageLocked() Usage {
	var usage Usage
	for _, req := range l.reserved {
		usage.GPUMemoryGB += req.GPUMemoryGB
		usage.DiskGB += req.DiskGB
		usage.RunningJobs++
	}
	return usage
}
