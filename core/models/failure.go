package models

import "time"

// FailureKind is the fixed taxonomy of execution failures.
type FailureKind string

const (
	FailureTimeout      FailureKind = "timeout"
	FailureGPUError     FailureKind = "gpu_error"
	FailureMemoryError  FailureKind = "memory_error"
	FailureProcessError FailureKind = "process_error"
	FailureNetworkError FailureKind = "network_error"
	FailureModelFailure FailureKind = "model_failure"
)

// FailureEvent records one classified execution failure. Events are
// append-only: they are created by the classifier and never mutated.
type FailureEvent struct {
	Kind        FailureKind
	OwnerID     string
	JobID       string
	Message     string
	Timestamp   time.Time
	Recoverable bool
	RetryCount  int // job retry count at the time of failure
	Context     map[string]string
}
