package models

import "time"

// Job represents a GPU-bound training or inference job submitted by an owner.
type Job struct {
	ID           string
	OwnerID      string
	Name         string
	JobType      JobType
	Priority     Priority
	Status       JobStatus
	Config       TrainingConfig
	Requirement  ResourceRequirement
	SubmittedAt  time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
	RetryCount   int
	MaxRetries   int
	RetryOf      string // ID of the job this entry retries, empty for originals
	LastError    string
	CancelReason string
}

// JobType represents the type of job
type JobType string

const (
	JobTypeTraining  JobType = "training"
	JobTypeInference JobType = "inference"
)

// Priority represents the scheduling priority band of a job
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the numeric rank of a priority band; higher ranks schedule first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is a known priority band.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// JobStatus represents the current status of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// TrainingConfig specifies what a job trains or serves and how.
type TrainingConfig struct {
	ModelType       string
	DatasetSize     int // number of dataset items
	BatchSize       int
	Epochs          int
	MemoryCeilingGB float64 // per-job GPU memory cap, 0 means system default
}

// ResourceRequirement is the estimated footprint of a single job.
// Deterministic function of the job configuration; recomputed for every
// retry entry.
type ResourceRequirement struct {
	GPUMemoryGB       float64
	DiskGB            float64
	EstimatedDuration time.Duration
	EstimatedCostUSD  float64
}

// CanRetry reports whether the job has retry budget left.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// WaitTime returns how long the job sat queued before starting; zero if it
// has not started.
func (j *Job) WaitTime() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	return j.StartedAt.Sub(j.SubmittedAt)
}

// RunTime returns wall-clock run duration; zero unless the job finished.
func (j *Job) RunTime() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
