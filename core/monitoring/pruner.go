package monitoring

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"ml-scheduler/core/repository"
)

// RetentionPruner archives terminal jobs past the retention period.
type RetentionPruner struct {
	store     repository.JobStore
	retention time.Duration
	interval  time.Duration
}

// NewRetentionPruner creates a new retention pruner
func NewRetentionPruner(store repository.JobStore, retention time.Duration) *RetentionPruner {
	return &RetentionPruner{
		store:     store,
		retention: retention,
		interval:  time.Hour,
	}
}

// Start runs the pruning loop until the context is cancelled.
func (p *RetentionPruner) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pruneOnce()
		}
	}
}

func (p *RetentionPruner) pruneOnce() {
	cutoff := time.Now().Add(-p.retention)
	removed, err := p.store.DeleteTerminalBefore(cutoff)
	if err != nil {
		log.WithError(err).Error("failed to prune terminal jobs")
		return
	}
	if removed > 0 {
		log.WithField("removed", removed).Info("pruned terminal jobs past retention")
	}
}
