package repository

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"ml-scheduler/core/models"
)

// PostgresJobStore is the durable JobStore backed by postgres.
type PostgresJobStore struct {
	db *DB
}

// NewPostgresJobStore creates a new postgres job store
func NewPostgresJobStore(db *DB) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

const jobColumns = `
	id, owner_id, name, job_type, priority, status,
	model_type, dataset_size, batch_size, epochs, memory_ceiling_gb,
	gpu_memory_gb, disk_gb, estimated_duration_ms, estimated_cost_usd,
	submitted_at, started_at, completed_at, updated_at,
	retry_count, max_retries, retry_of, last_error, cancel_reason
`

// Create inserts a new job and its initial event.
func (s *PostgresJobStore) Create(job *models.Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24
		)
	`

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "beginning create transaction")
	}
	defer tx.Rollback()

	_, err = tx.Exec(query,
		job.ID,
		job.OwnerID,
		job.Name,
		job.JobType,
		job.Priority,
		job.Status,
		job.Config.ModelType,
		job.Config.DatasetSize,
		job.Config.BatchSize,
		job.Config.Epochs,
		job.Config.MemoryCeilingGB,
		job.Requirement.GPUMemoryGB,
		job.Requirement.DiskGB,
		job.Requirement.EstimatedDuration.Milliseconds(),
		job.Requirement.EstimatedCostUSD,
		job.SubmittedAt,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
		job.RetryCount,
		job.MaxRetries,
		job.RetryOf,
		job.LastError,
		job.CancelReason,
	)
	if err != nil {
		return errors.Wrapf(err, "inserting job %s", job.ID)
	}

	if err := s.insertEvent(tx, job.ID, nil, job.Status, "job_created"); err != nil {
		return err
	}

	return tx.Commit()
}

// Get retrieves a job by ID.
func (s *PostgresJobStore) Get(id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJob(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fetching job %s", id)
	}
	return job, nil
}

// UpdateStatus performs a compare-and-swap status transition and records
// the matching job event in the same transaction.
func (s *PostgresJobStore) UpdateStatus(id string, from, to models.JobStatus, reason, detail string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "beginning status transaction")
	}
	defer tx.Rollback()

	query := `UPDATE jobs SET status = $1, updated_at = NOW()`
	switch to {
	case models.JobStatusRunning:
		query += `, started_at = NOW()`
	case models.JobStatusCompleted:
		query += `, completed_at = NOW()`
	case models.JobStatusFailed:
		query += `, completed_at = NOW(), last_error = $4`
	case models.JobStatusCancelled:
		query += `, completed_at = NOW(), cancel_reason = $4`
	}
	query += ` WHERE id = $2 AND status = $3`

	args := []interface{}{to, id, from}
	if to == models.JobStatusFailed || to == models.JobStatusCancelled {
		args = append(args, detail)
	}

	res, err := tx.Exec(query, args...)
	if err != nil {
		return errors.Wrapf(err, "updating job %s status", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "reading rows affected")
	}
	if affected == 0 {
		return ErrStatusConflict
	}

	if err := s.insertEvent(tx, id, &from, to, reason); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresJobStore) insertEvent(tx *sql.Tx, jobID string, from *models.JobStatus, to models.JobStatus, reason string) error {
	query := `
		INSERT INTO job_events (job_id, at, from_status, to_status, reason)
		VALUES ($1, NOW(), $2, $3, $4)
	`

	var fromStr *string
	if from != nil {
		s := string(*from)
		fromStr = &s
	}

	_, err := tx.Exec(query, jobID, fromStr, to, reason)
	return errors.Wrapf(err, "inserting event for job %s", jobID)
}

// ListByStatus lists jobs in the given status, oldest submission first.
func (s *PostgresJobStore) ListByStatus(status models.JobStatus) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY submitted_at ASC`
	return s.queryJobs(query, status)
}

// List lists the most recently submitted jobs.
func (s *PostgresJobStore) List(limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY submitted_at DESC LIMIT $1`
	return s.queryJobs(query, limit)
}

// ListByOwner lists the most recently submitted jobs for one owner.
func (s *PostgresJobStore) ListByOwner(ownerID string, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE owner_id = $1 ORDER BY submitted_at DESC LIMIT $2`
	return s.queryJobs(query, ownerID, limit)
}

// Events retrieves state transition events for a job, newest first.
func (s *PostgresJobStore) Events(jobID string, limit int) ([]models.JobEvent, error) {
	query := `
		SELECT id, job_id, at, from_status, to_status, reason
		FROM job_events
		WHERE job_id = $1
		ORDER BY at DESC
		LIMIT $2
	`

	rows, err := s.db.Query(query, jobID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "listing events for job %s", jobID)
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var event models.JobEvent
		var fromStatus sql.NullString
		if err := rows.Scan(&event.ID, &event.JobID, &event.At, &fromStatus, &event.ToStatus, &event.Reason); err != nil {
			return nil, errors.Wrap(err, "scanning job event")
		}
		if fromStatus.Valid {
			status := models.JobStatus(fromStatus.String)
			event.FromStatus = &status
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// CompletedSince counts terminal outcomes newer than the cutoff.
func (s *PostgresJobStore) CompletedSince(cutoff time.Time) (int, int, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2)
		FROM jobs
		WHERE completed_at >= $3
	`

	var completed, failed int
	err := s.db.QueryRow(query, models.JobStatusCompleted, models.JobStatusFailed, cutoff).
		Scan(&completed, &failed)
	if err != nil {
		return 0, 0, errors.Wrap(err, "counting completed jobs")
	}
	return completed, failed, nil
}

// DeleteTerminalBefore prunes terminal jobs older than the cutoff.
func (s *PostgresJobStore) DeleteTerminalBefore(cutoff time.Time) (int, error) {
	query := `
		DELETE FROM jobs
		WHERE status IN ($1, $2, $3) AND completed_at < $4
	`

	res, err := s.db.Exec(query,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "pruning terminal jobs")
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// Close closes the underlying connection pool.
func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) queryJobs(query string, args ...interface{}) ([]*models.Job, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying jobs")
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var startedAt, completedAt sql.NullTime
	var durationMs int64

	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Name,
		&job.JobType,
		&job.Priority,
		&job.Status,
		&job.Config.ModelType,
		&job.Config.DatasetSize,
		&job.Config.BatchSize,
		&job.Config.Epochs,
		&job.Config.MemoryCeilingGB,
		&job.Requirement.GPUMemoryGB,
		&job.Requirement.DiskGB,
		&durationMs,
		&job.Requirement.EstimatedCostUSD,
		&job.SubmittedAt,
		&startedAt,
		&completedAt,
		&job.UpdatedAt,
		&job.RetryCount,
		&job.MaxRetries,
		&job.RetryOf,
		&job.LastError,
		&job.CancelReason,
	)
	if err != nil {
		return nil, err
	}

	job.Requirement.EstimatedDuration = time.Duration(durationMs) * time.Millisecond
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}

	return &job, nil
}
