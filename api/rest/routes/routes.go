package routes

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ml-scheduler/api/rest/handlers"
	"ml-scheduler/core/repository"
	"ml-scheduler/core/scheduler"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, store repository.JobStore, sched *scheduler.Scheduler) {
	jobHandler := handlers.NewJobHandler(store, sched)

	api := r.PathPrefix("/v1").Subrouter()

	// Job endpoints
	api.HandleFunc("/jobs", jobHandler.SubmitJob).Methods("POST")
	api.HandleFunc("/jobs", jobHandler.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", jobHandler.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", jobHandler.CancelJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/retry", jobHandler.RetryJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/events", jobHandler.GetJobEvents).Methods("GET")

	// Queue and health endpoints
	api.HandleFunc("/queue/status", jobHandler.GetQueueStatus).Methods("GET")
	api.HandleFunc("/owners/{id}/health", jobHandler.GetOwnerHealth).Methods("GET")

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
}
