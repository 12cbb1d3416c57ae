package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"ml-scheduler/core/models"
	"ml-scheduler/core/repository"
	"ml-scheduler/core/scheduler"
)

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	store     repository.JobStore
	scheduler *scheduler.Scheduler
}

// NewJobHandler creates a new job handler
func NewJobHandler(store repository.JobStore, sched *scheduler.Scheduler) *JobHandler {
	return &JobHandler{store: store, scheduler: sched}
}

// SubmitJobRequest represents the request to submit a job
type SubmitJobRequest struct {
	OwnerID  string `json:"owner_id"`
	Name     string `json:"name"`
	Priority string `json:"priority"`
	Config   struct {
		ModelType       string  `json:"model_type"`
		DatasetSize     int     `json:"dataset_size"`
		BatchSize       int     `json:"batch_size"`
		Epochs          int     `json:"epochs"`
		MemoryCeilingGB float64 `json:"memory_ceiling_gb"`
	} `json:"config"`
}

// SubmitJob handles POST /v1/jobs
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	cfg := models.TrainingConfig{
		ModelType:       req.Config.ModelType,
		DatasetSize:     req.Config.DatasetSize,
		BatchSize:       req.Config.BatchSize,
		Epochs:          req.Config.Epochs,
		MemoryCeilingGB: req.Config.MemoryCeilingGB,
	}

	jobID, err := h.scheduler.AddJob(req.OwnerID, cfg, models.Priority(req.Priority))
	if err != nil {
		http.Error(w, "Failed to submit job: "+err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     jobID,
		"status": string(models.JobStatusQueued),
	})
}

// GetJob handles GET /v1/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobID := vars["id"]

	job, err := h.store.Get(jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jobResponse(job))
}

// ListJobs handles GET /v1/jobs
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	ownerID := r.URL.Query().Get("owner_id")

	var jobs []*models.Job
	var err error
	if ownerID != "" {
		jobs, err = h.store.ListByOwner(ownerID, limit)
	} else {
		jobs, err = h.store.List(limit)
	}
	if err != nil {
		http.Error(w, "Failed to list jobs: "+err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]interface{}, len(jobs))
	for i, job := range jobs {
		items[i] = jobResponse(job)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"items": items})
}

// CancelJob handles POST /v1/jobs/{id}/cancel
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobID := vars["id"]

	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body) // reason is optional

	if err := h.scheduler.CancelJob(jobID, body.Reason); err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     jobID,
		"status": string(models.JobStatusCancelled),
	})
}

// RetryJob handles POST /v1/jobs/{id}/retry
func (h *JobHandler) RetryJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobID := vars["id"]

	retryID, err := h.scheduler.RetryJob(jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       jobID,
		"retry_id": retryID,
	})
}

// GetJobEvents handles GET /v1/jobs/{id}/events
func (h *JobHandler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobID := vars["id"]

	if _, err := h.store.Get(jobID); err != nil {
		writeStoreError(w, err)
		return
	}

	events, err := h.store.Events(jobID, 100)
	if err != nil {
		http.Error(w, "Failed to fetch events: "+err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]interface{}, len(events))
	for i, event := range events {
		item := map[string]interface{}{
			"at":        event.At,
			"to_status": event.ToStatus,
			"reason":    event.Reason,
		}
		if event.FromStatus != nil {
			item["from_status"] = *event.FromStatus
		}
		items[i] = item
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"items": items})
}

// GetQueueStatus handles GET /v1/queue/status
func (h *JobHandler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.scheduler.GetQueueStatus()
	if err != nil {
		http.Error(w, "Failed to read queue status: "+err.Error(), http.StatusInternalServerError)
		return
	}

	jobs := make([]map[string]interface{}, len(status.Jobs))
	for i, job := range status.Jobs {
		jobs[i] = jobResponse(job)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jobs": jobs,
		"metrics": map[string]interface{}{
			"total":           status.Metrics.Total,
			"running":         status.Metrics.Running,
			"queued":          status.Metrics.Queued,
			"completed_today": status.Metrics.CompletedToday,
			"failed_today":    status.Metrics.FailedToday,
			"avg_wait_ms":     status.Metrics.AvgWaitTime.Milliseconds(),
			"avg_run_ms":      status.Metrics.AvgRunTime.Milliseconds(),
			"utilization_pct": status.Metrics.UtilizationPct,
		},
		"resource_usage": map[string]interface{}{
			"gpu_memory_gb": status.Usage.GPUMemoryGB,
			"disk_gb":       status.Usage.DiskGB,
			"running_jobs":  status.Usage.RunningJobs,
		},
	})
}

// GetOwnerHealth handles GET /v1/owners/{id}/health
func (h *JobHandler) GetOwnerHealth(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ownerID := vars["id"]

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"owner_id": ownerID,
		"healthy":  h.scheduler.IsOwnerHealthy(ownerID),
	})
}

func jobResponse(job *models.Job) map[string]interface{} {
	resp := map[string]interface{}{
		"id":           job.ID,
		"owner_id":     job.OwnerID,
		"name":         job.Name,
		"job_type":     job.JobType,
		"priority":     job.Priority,
		"status":       job.Status,
		"submitted_at": job.SubmittedAt,
		"retry_count":  job.RetryCount,
		"max_retries":  job.MaxRetries,
		"requirement": map[string]interface{}{
			"gpu_memory_gb":      job.Requirement.GPUMemoryGB,
			"disk_gb":            job.Requirement.DiskGB,
			"estimated_duration": job.Requirement.EstimatedDuration.String(),
			"estimated_cost_usd": job.Requirement.EstimatedCostUSD,
		},
	}
	if job.StartedAt != nil {
		resp["started_at"] = job.StartedAt
	}
	if job.CompletedAt != nil {
		resp["completed_at"] = job.CompletedAt
	}
	if job.RetryOf != "" {
		resp["retry_of"] = job.RetryOf
	}
	if job.LastError != "" {
		resp["last_error"] = job.LastError
	}
	if job.CancelReason != "" {
		resp["cancel_reason"] = job.CancelReason
	}
	return resp
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "Job not found", http.StatusNotFound)
	case errors.Is(err, repository.ErrStatusConflict):
		http.Error(w, "Job changed state: "+err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}
