package repository

import (
	"time"

	"github.com/pkg/errors"

	"ml-scheduler/core/models"
)

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrStatusConflict is returned when a status transition loses a
	// compare-and-swap: the job is no longer in the expected state.
	ErrStatusConflict = errors.New("job status conflict")
)

// JobStore is the durable record of jobs and their status. Status
// transitions are compare-and-swap on the current status so that
// concurrent cancel/select interleavings resolve deterministically.
type JobStore interface {
	Create(job *models.Job) error
	Get(id string) (*models.Job, error)

	// UpdateStatus transitions the job from one status to another and
	// records a job event with the given reason. detail carries the
	// terminal error for failed or the cancel reason for cancelled.
	// Returns ErrStatusConflict if the job is not in the from status.
	UpdateStatus(id string, from, to models.JobStatus, reason, detail string) error

	ListByStatus(status models.JobStatus) ([]*models.Job, error)
	List(limit int) ([]*models.Job, error)
	ListByOwner(ownerID string, limit int) ([]*models.Job, error)
	Events(jobID string, limit int) ([]models.JobEvent, error)

	// CompletedSince counts terminal outcomes newer than the cutoff,
	// split into successes and failures. Used for queue metrics.
	CompletedSince(cutoff time.Time) (completed, failed int, err error)

	// DeleteTerminalBefore prunes terminal jobs older than the cutoff
	// per the retention policy. Returns the number of jobs removed.
	DeleteTerminalBefore(cutoff time.Time) (int, error)

	Close() error
}
