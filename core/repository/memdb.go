package repository

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"ml-scheduler/core/models"
)

const (
	jobsTable   = "jobs"
	eventsTable = "job_events"
	idIndex     = "id"
	statusIndex = "status"
	ownerIndex  = "owner"
	jobIndex    = "job"
)

// MemJobStore is an in-memory JobStore built on go-memdb. It is the
// default store when no database is configured and the store used in
// tests. Objects handed to memdb are immutable, so every write inserts
// a fresh copy.
type MemJobStore struct {
	db      *memdb.MemDB
	eventID int64
}

type storedEvent struct {
	ID         int64
	JobID      string
	At         time.Time
	FromStatus *models.JobStatus
	ToStatus   models.JobStatus
	Reason     string
}

// NewMemJobStore creates a new in-memory job store
func NewMemJobStore() (*MemJobStore, error) {
	db, err := memdb.NewMemDB(storeSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemJobStore{db: db}, nil
}

func storeSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					statusIndex: {
						Name:    statusIndex,
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
					ownerIndex: {
						Name:    ownerIndex,
						Indexer: &memdb.StringFieldIndex{Field: "OwnerID"},
					},
				},
			},
			eventsTable: {
				Name: eventsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "ID"},
					},
					jobIndex: {
						Name:    jobIndex,
						Indexer: &memdb.StringFieldIndex{Field: "JobID"},
					},
				},
			},
		},
	}
}

// Create inserts a new job and its initial event.
func (s *MemJobStore) Create(job *models.Job) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(jobsTable, copyJob(job)); err != nil {
		return errors.WithStack(err)
	}
	if err := s.insertEvent(txn, job.ID, nil, job.Status, "job_created"); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// Get retrieves a job by ID.
func (s *MemJobStore) Get(id string) (*models.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(jobsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return copyJob(raw.(*models.Job)), nil
}

// UpdateStatus performs a compare-and-swap status transition and records
// the matching job event in the same transaction.
func (s *MemJobStore) UpdateStatus(id string, from, to models.JobStatus, reason, detail string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(jobsTable, idIndex, id)
	if err != nil {
		return errors.WithStack(err)
	}
	if raw == nil {
		return ErrNotFound
	}

	current := raw.(*models.Job)
	if current.Status != from {
		return ErrStatusConflict
	}

	now := time.Now()
	job := copyJob(current)
	job.Status = to
	job.UpdatedAt = now
	switch to {
	case models.JobStatusRunning:
		job.StartedAt = &now
	case models.JobStatusCompleted:
		job.CompletedAt = &now
	case models.JobStatusFailed:
		job.CompletedAt = &now
		job.LastError = detail
	case models.JobStatusCancelled:
		job.CompletedAt = &now
		job.CancelReason = detail
	}

	if err := txn.Insert(jobsTable, job); err != nil {
		return errors.WithStack(err)
	}
	if err := s.insertEvent(txn, id, &from, to, reason); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

func (s *MemJobStore) insertEvent(txn *memdb.Txn, jobID string, from *models.JobStatus, to models.JobStatus, reason string) error {
	event := &storedEvent{
		ID:         atomic.AddInt64(&s.eventID, 1),
		JobID:      jobID,
		At:         time.Now(),
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
	}
	return errors.WithStack(txn.Insert(eventsTable, event))
}

// ListByStatus lists jobs in the given status, oldest submission first.
func (s *MemJobStore) ListByStatus(status models.JobStatus) ([]*models.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(jobsTable, statusIndex, string(status))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var jobs []*models.Job
	for raw := it.Next(); raw != nil; raw = it.Next() {
		jobs = append(jobs, copyJob(raw.(*models.Job)))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt.Before(jobs[j].SubmittedAt)
	})
	return jobs, nil
}

// List lists the most recently submitted jobs.
func (s *MemJobStore) List(limit int) ([]*models.Job, error) {
	jobs, err := s.all()
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt.After(jobs[j].SubmittedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// ListByOwner lists the most recently submitted jobs for one owner.
func (s *MemJobStore) ListByOwner(ownerID string, limit int) ([]*models.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(jobsTable, ownerIndex, ownerID)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var jobs []*models.Job
	for raw := it.Next(); raw != nil; raw = it.Next() {
		jobs = append(jobs, copyJob(raw.(*models.Job)))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt.After(jobs[j].SubmittedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Events retrieves state transition events for a job, newest first.
func (s *MemJobStore) Events(jobID string, limit int) ([]models.JobEvent, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(eventsTable, jobIndex, jobID)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var events []models.JobEvent
	for raw := it.Next(); raw != nil; raw = it.Next() {
		e := raw.(*storedEvent)
		events = append(events, models.JobEvent{
			ID:         e.ID,
			JobID:      e.JobID,
			At:         e.At,
			FromStatus: e.FromStatus,
			ToStatus:   e.ToStatus,
			Reason:     e.Reason,
		})
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].At.After(events[j].At)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// CompletedSince counts terminal outcomes newer than the cutoff.
func (s *MemJobStore) CompletedSince(cutoff time.Time) (int, int, error) {
	jobs, err := s.all()
	if err != nil {
		return 0, 0, err
	}

	var completed, failed int
	for _, job := range jobs {
		if job.CompletedAt == nil || job.CompletedAt.Before(cutoff) {
			continue
		}
		switch job.Status {
		case models.JobStatusCompleted:
			completed++
		case models.JobStatusFailed:
			failed++
		}
	}
	return completed, failed, nil
}

// DeleteTerminalBefore prunes terminal jobs older than the cutoff.
func (s *MemJobStore) DeleteTerminalBefore(cutoff time.Time) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(jobsTable, idIndex)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	var stale []*models.Job
	for raw := it.Next(); raw != nil; raw = it.Next() {
		job := raw.(*models.Job)
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			stale = append(stale, job)
		}
	}
	for _, job := range stale {
		if err := txn.Delete(jobsTable, job); err != nil {
			return 0, errors.WithStack(err)
		}
	}

	txn.Commit()
	return len(stale), nil
}

// Close is a no-op for the in-memory store.
func (s *MemJobStore) Close() error {
	return nil
}

func (s *MemJobStore) all() ([]*models.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(jobsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var jobs []*models.Job
	for raw := it.Next(); raw != nil; raw = it.Next() {
		jobs = append(jobs, copyJob(raw.(*models.Job)))
	}
	return jobs, nil
}

// copyJob copies a job so callers never share memory with the store.
func copyJob(job *models.Job) *models.Job {
	c := *job
	if job.StartedAt != nil {
		t := *job.StartedAt
		c.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
