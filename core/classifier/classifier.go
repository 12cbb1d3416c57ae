package classifier

import (
	"strings"
	"time"

	"ml-scheduler/core/models"
)

// rule maps raw error message signatures to a failure kind. Rules are
// evaluated in order; the first match wins.
type rule struct {
	kind       models.FailureKind
	maxRetries int // recoverable while retryCount < maxRetries
	patterns   []string
}

// defaultRules is the ordered classification table. New transient-fault
// signatures are added here, not in control flow.
var defaultRules = []rule{
	{models.FailureTimeout, 3, []string{"timeout", "timed out", "deadline exceeded", "time budget"}},
	{models.FailureGPUError, 2, []string{"cuda", "gpu", "accelerator", "driver", "nvml"}},
	{models.FailureMemoryError, 2, []string{"out of memory", "oom", "allocation failed", "cannot allocate"}},
	{models.FailureProcessError, 2, []string{"process", "killed", "exit status", "signal: ", "crashed"}},
	{models.FailureNetworkError, 3, []string{"connection refused", "connection reset", "network", "broken pipe", "no route to host", "unreachable"}},
}

// fallback covers anything the table does not match. Conservative budget:
// an unknown failure is retried at most once.
var fallback = rule{kind: models.FailureModelFailure, maxRetries: 1}

// Classifier maps raw failure signals into the failure taxonomy.
type Classifier struct {
	rules []rule
}

// New creates a classifier with the default rule table.
func New() *Classifier {
	return &Classifier{rules: defaultRules}
}

// Classify builds a FailureEvent for a raw execution error. retryCount is
// the job's retry count at the time of failure and drives the per-kind
// recoverable policy.
func (c *Classifier) Classify(job *models.Job, rawErr error) models.FailureEvent {
	message := rawErr.Error()
	matched := c.match(message)

	return models.FailureEvent{
		Kind:        matched.kind,
		OwnerID:     job.OwnerID,
		JobID:       job.ID,
		Message:     message,
		Timestamp:   time.Now(),
		Recoverable: job.RetryCount < matched.maxRetries,
		RetryCount:  job.RetryCount,
		Context: map[string]string{
			"job_type": string(job.JobType),
			"priority": string(job.Priority),
		},
	}
}

func (c *Classifier) match(message string) rule {
	lower := strings.ToLower(message)
	for _, r := range c.rules {
		for _, p := range r.patterns {
			if strings.Contains(lower, p) {
				return r
			}
		}
	}
	return fallback
}
