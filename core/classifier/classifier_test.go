package classifier

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"ml-scheduler/core/models"
)

func jobWithRetries(n int) *models.Job {
	return &models.Job{ID: "job-1", OwnerID: "owner-1", RetryCount: n}
}

func TestClassifyKinds(t *testing.T) {
	tests := map[string]struct {
		message string
		kind    models.FailureKind
	}{
		"timeout":              {"operation timed out after 30s", models.FailureTimeout},
		"deadline":             {"context deadline exceeded", models.FailureTimeout},
		"cuda":                 {"CUDA error: an illegal memory access was encountered", models.FailureGPUError},
		"driver":               {"nvml: Driver Not Loaded", models.FailureGPUError},
		"oom":                  {"worker OOM killed by allocator", models.FailureMemoryError},
		"allocation":           {"tensor allocation failed", models.FailureMemoryError},
		"process crash":        {"training process exited: exit status 137", models.FailureProcessError},
		"network":              {"dial tcp: connection refused", models.FailureNetworkError},
		"broken pipe":          {"write: broken pipe", models.FailureNetworkError},
		"unmatched":            {"loss diverged to NaN", models.FailureModelFailure},
	}

	c := New()
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			event := c.Classify(jobWithRetries(0), errors.New(tc.message))
			assert.Equal(t, tc.kind, event.Kind)
			assert.Equal(t, "owner-1", event.OwnerID)
			assert.Equal(t, "job-1", event.JobID)
			assert.Equal(t, tc.message, event.Message)
		})
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	c := New()

	// Contains both a timeout and a network signature; the timeout rule
	// is ordered first.
	event := c.Classify(jobWithRetries(0), errors.New("network request timed out"))
	assert.Equal(t, models.FailureTimeout, event.Kind)
}

func TestClassifyRecoverablePolicy(t *testing.T) {
	tests := map[string]struct {
		message    string
		limit      int
	}{
		"timeout recoverable below 3": {"operation timed out", 3},
		"gpu recoverable below 2":     {"CUDA failure", 2},
		"memory recoverable below 2":  {"out of memory", 2},
		"process recoverable below 2": {"process killed", 2},
		"network recoverable below 3": {"connection reset by peer", 3},
		"default recoverable below 1": {"something inexplicable", 1},
	}

	c := New()
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			below := c.Classify(jobWithRetries(tc.limit-1), errors.New(tc.message))
			assert.True(t, below.Recoverable)

			at := c.Classify(jobWithRetries(tc.limit), errors.New(tc.message))
			assert.False(t, at.Recoverable)
		})
	}
}

func TestClassifyCaseInsensitive(t *testing.T) {
	c := New()
	event := c.Classify(jobWithRetries(0), errors.New("OPERATION TIMED OUT"))
	assert.Equal(t, models.FailureTimeout, event.Kind)
}
