package recovery

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"ml-scheduler/core/models"
	"ml-scheduler/core/monitoring"
)

// retryWindow is the rolling window over which a strategy's retry
// budget is counted.
const retryWindow = 10 * time.Minute

// Strategy is a bounded, backoff-governed remediation tied to one or
// more failure kinds. Strategies are stateless: attempt counts are
// derived from the failure history window.
type Strategy struct {
	Name        string
	Kinds       []models.FailureKind
	MaxRetries  int
	BackoffBase time.Duration
	Action      func(ctx context.Context, event models.FailureEvent) error
}

// Handles reports whether the strategy applies to a failure kind.
func (s *Strategy) Handles(kind models.FailureKind) bool {
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Registry selects and runs recovery strategies. Selection is first
// match in registration order; there is no fallback chaining.
type Registry struct {
	strategies []*Strategy
	tracker    *monitoring.FailureTracker
	sleep      func(time.Duration)
}

// NewRegistry creates a registry over the given ordered strategies.
func NewRegistry(strategies []*Strategy, tracker *monitoring.FailureTracker) *Registry {
	return &Registry{
		strategies: strategies,
		tracker:    tracker,
		sleep:      time.Sleep,
	}
}

// SetSleep replaces the backoff sleep function. Tests use this to
// observe delays without waiting them out.
func (r *Registry) SetSleep(sleep func(time.Duration)) {
	r.sleep = sleep
}

// Recover routes a classified failure through the first applicable
// strategy. It returns true when the job may be retried: the event was
// recoverable, the strategy's windowed retry budget is not exhausted,
// and the recovery action succeeded after its backoff delay.
//
// The event must already be recorded in the failure tracker: the
// attempt count for budget and backoff is derived from the window,
// current event included.
func (r *Registry) Recover(ctx context.Context, event models.FailureEvent) (bool, error) {
	logger := log.WithFields(log.Fields{
		"owner": event.OwnerID,
		"job":   event.JobID,
		"kind":  event.Kind,
	})

	if !event.Recoverable {
		logger.Info("failure not recoverable, no recovery attempted")
		return false, nil
	}

	strategy := r.selectStrategy(event.Kind)
	if strategy == nil {
		logger.Info("no recovery strategy applies")
		return false, nil
	}

	attempts := r.windowedAttempts(strategy, event.OwnerID)
	if attempts > strategy.MaxRetries {
		logger.WithFields(log.Fields{
			"strategy": strategy.Name,
			"attempts": attempts,
		}).Warn("recovery retry budget exhausted")
		return false, nil
	}

	delay := Backoff(strategy.BackoffBase, attempts)
	logger.WithFields(log.Fields{
		"strategy": strategy.Name,
		"attempt":  attempts,
		"backoff":  delay,
	}).Info("running recovery strategy")
	r.sleep(delay)

	if err := strategy.Action(ctx, event); err != nil {
		logger.WithError(err).Warn("recovery action failed")
		return false, err
	}
	return true, nil
}

// selectStrategy returns the first strategy handling the kind.
func (r *Registry) selectStrategy(kind models.FailureKind) *Strategy {
	for _, s := range r.strategies {
		if s.Handles(kind) {
			return s
		}
	}
	return nil
}

// windowedAttempts counts the owner's failures matching the strategy's
// kinds within the retry window.
func (r *Registry) windowedAttempts(s *Strategy, ownerID string) int {
	count := 0
	for _, event := range r.tracker.Recent(ownerID, retryWindow) {
		if s.Handles(event.Kind) {
			count++
		}
	}
	return count
}

// Backoff returns base * 2^(attempt-1), so successive attempts within a
// window wait strictly longer.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << uint(attempt-1)
}
