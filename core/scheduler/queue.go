package scheduler

import (
	"container/heap"
	"sync"

	"ml-scheduler/core/models"
)

// JobQueue is a priority queue over queued jobs. Ordering is the strict
// scheduling total order: priority band descending, then submission
// time ascending, which keeps scheduling fair within a band.
type JobQueue struct {
	jobs []*queuedJob
	mu   sync.Mutex
}

type queuedJob struct {
	job   *models.Job
	index int
}

// NewJobQueue creates a new job queue
func NewJobQueue() *JobQueue {
	jq := &JobQueue{jobs: make([]*queuedJob, 0)}
	heap.Init(jq)
	return jq
}

// Enqueue adds a job to the queue.
func (jq *JobQueue) Enqueue(job *models.Job) {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	heap.Push(jq, &queuedJob{job: job})
}

// PopJob removes and returns the next job in scheduling order, or nil.
func (jq *JobQueue) PopJob() *models.Job {
	jq.mu.Lock()
	defer jq.mu.Unlock()

	if len(jq.jobs) == 0 {
		return nil
	}
	return heap.Pop(jq).(*queuedJob).job
}

// Size returns the number of jobs in the queue.
func (jq *JobQueue) Size() int {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	return len(jq.jobs)
}

// Len implements heap.Interface. Callers use Size.
func (jq *JobQueue) Len() int { return len(jq.jobs) }

// Less implements the strict scheduling order.
func (jq *JobQueue) Less(i, j int) bool {
	a, b := jq.jobs[i].job, jq.jobs[j].job
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	return a.SubmittedAt.Before(b.SubmittedAt)
}

// Swap implements heap.Interface.
func (jq *JobQueue) Swap(i, j int) {
	jq.jobs[i], jq.jobs[j] = jq.jobs[j], jq.jobs[i]
	jq.jobs[i].index = i
	jq.jobs[j].index = j
}

// Push implements heap.Interface.
func (jq *JobQueue) Push(x interface{}) {
	item := x.(*queuedJob)
	item.index = len(jq.jobs)
	jq.jobs = append(jq.jobs, item)
}

// Pop implements heap.Interface.
func (jq *JobQueue) Pop() interface{} {
	old := jq.jobs
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	jq.jobs = old[:n-1]
	return item
}
