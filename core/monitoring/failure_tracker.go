package monitoring

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"ml-scheduler/core/models"
)

const (
	// healthWindow is the rolling window for owner health determination.
	healthWindow = 5 * time.Minute

	// healthFailureLimit is the number of failures within healthWindow
	// above which an owner is unhealthy.
	healthFailureLimit = 3

	// consecutiveHardwareLimit marks an owner unhealthy when this many
	// consecutive failures are all gpu_error or memory_error.
	consecutiveHardwareLimit = 3
)

// FailureTracker keeps a bounded, append-only rolling window of
// FailureEvents per owner. Events are never mutated; old events age out
// of the window and are pruned.
type FailureTracker struct {
	mu          sync.RWMutex
	events      map[string][]models.FailureEvent
	maxPerOwner int
	maxAge      time.Duration
}

// NewFailureTracker creates a new failure tracker
func NewFailureTracker(maxPerOwner int, maxAge time.Duration) *FailureTracker {
	return &FailureTracker{
		events:      make(map[string][]models.FailureEvent),
		maxPerOwner: maxPerOwner,
		maxAge:      maxAge,
	}
}

// Record appends a failure event to the owner's window.
func (t *FailureTracker) Record(event models.FailureEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	owner := event.OwnerID
	t.events[owner] = append(t.events[owner], event)
	if len(t.events[owner]) > t.maxPerOwner {
		t.events[owner] = t.events[owner][len(t.events[owner])-t.maxPerOwner:]
	}
}

// Recent returns the owner's failure events within the given window,
// oldest first.
func (t *FailureTracker) Recent(ownerID string, window time.Duration) []models.FailureEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	var recent []models.FailureEvent
	for _, event := range t.events[ownerID] {
		if event.Timestamp.After(cutoff) {
			recent = append(recent, event)
		}
	}
	return recent
}

// CountKind counts the owner's failures of one kind within the window.
func (t *FailureTracker) CountKind(ownerID string, kind models.FailureKind, window time.Duration) int {
	count := 0
	for _, event := range t.Recent(ownerID, window) {
		if event.Kind == kind {
			count++
		}
	}
	return count
}

// LastN returns the owner's most recent n events, oldest first.
func (t *FailureTracker) LastN(ownerID string, n int) []models.FailureEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	events := t.events[ownerID]
	if len(events) > n {
		events = events[len(events)-n:]
	}
	out := make([]models.FailureEvent, len(events))
	copy(out, events)
	return out
}

// IsHealthy reports whether new work should be routed to the owner. An
// owner is unhealthy when more than healthFailureLimit failures occurred
// within the health window, or when the last consecutive failures are
// all hardware faults (gpu_error/memory_error).
func (t *FailureTracker) IsHealthy(ownerID string) bool {
	if len(t.Recent(ownerID, healthWindow)) > healthFailureLimit {
		return false
	}

	last := t.LastN(ownerID, consecutiveHardwareLimit)
	if len(last) == consecutiveHardwareLimit {
		hardware := 0
		for _, event := range last {
			if event.Kind == models.FailureGPUError || event.Kind == models.FailureMemoryError {
				hardware++
			}
		}
		if hardware == consecutiveHardwareLimit {
			return false
		}
	}
	return true
}

// Start runs the age-based pruning loop until the context is cancelled.
func (t *FailureTracker) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.prune()
		}
	}
}

func (t *FailureTracker) prune() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.maxAge)
	for owner, events := range t.events {
		kept := events[:0]
		for _, event := range events {
			if event.Timestamp.After(cutoff) {
				kept = append(kept, event)
			}
		}
		if len(kept) == 0 {
			delete(t.events, owner)
			continue
		}
		t.events[owner] = kept
	}
	log.Debug("pruned failure history")
}
