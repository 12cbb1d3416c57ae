package models

import "time"

// LifecycleEventType identifies a job lifecycle notification.
type LifecycleEventType string

const (
	EventJobAdded     LifecycleEventType = "jobAdded"
	EventJobStarted   LifecycleEventType = "jobStarted"
	EventJobCompleted LifecycleEventType = "jobCompleted"
	EventJobCancelled LifecycleEventType = "jobCancelled"
	EventJobRetried   LifecycleEventType = "jobRetried"
)

// LifecycleEvent is published on the event bus for external listeners.
type LifecycleEvent struct {
	Type    LifecycleEventType
	JobID   string
	OwnerID string
	At      time.Time
	Success bool   // meaningful for jobCompleted
	Error   string // terminal error for jobCompleted failures
	RetryID string // ID of the fresh queued entry for jobRetried
}

// JobEvent represents a persisted state transition for a job.
type JobEvent struct {
	ID         int64
	JobID      string
	At         time.Time
	FromStatus *JobStatus
	ToStatus   JobStatus
	Reason     string
}
