package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"ml-scheduler/api/rest/routes"
	"ml-scheduler/config"
	"ml-scheduler/core/classifier"
	"ml-scheduler/core/estimator"
	"ml-scheduler/core/events"
	"ml-scheduler/core/executor"
	"ml-scheduler/core/models"
	"ml-scheduler/core/monitoring"
	"ml-scheduler/core/recovery"
	"ml-scheduler/core/repository"
	"ml-scheduler/core/resource_manager"
	"ml-scheduler/core/scheduler"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	// Initialize the job store
	var store repository.JobStore
	if cfg.DatabaseURL != "" {
		db, err := repository.NewDB(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to database")
		}
		store = repository.NewPostgresJobStore(db)
		log.Info("using postgres job store")
	} else {
		store, err = repository.NewMemJobStore()
		if err != nil {
			log.WithError(err).Fatal("failed to build in-memory job store")
		}
		log.Info("no DATABASE_URL set, using in-memory job store")
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Failure history and owner health
	tracker := monitoring.NewFailureTracker(256, time.Hour)
	go tracker.Start(ctx)

	// GPU fleet accounting
	allocator := resource_manager.NewGPUAllocator(cfg.Scheduler.TotalGPUMemoryGB)

	// Recovery
	lastGood := recovery.NewConfigCache()
	registry := recovery.NewRegistry(
		recovery.DefaultStrategies(allocator, tracker, lastGood, nil),
		tracker,
	)

	// Execution adapter
	trainingExecutor := executor.NewTrainingExecutor(allocator)

	// Lifecycle events
	bus := events.NewBus()
	defer bus.Close()
	go logLifecycleEvents(bus.Subscribe())

	// Metrics
	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)

	// Scheduler
	sched := scheduler.NewScheduler(
		store,
		estimator.New(cfg.Estimator),
		trainingExecutor,
		classifier.New(),
		registry,
		tracker,
		lastGood,
		bus,
		metrics,
		cfg.Scheduler,
	)
	go sched.Start(ctx)
	defer sched.Stop()

	// Retention
	pruner := monitoring.NewRetentionPruner(store, cfg.Scheduler.Retention)
	go pruner.Start(ctx)

	// Routes
	r := mux.NewRouter()
	routes.SetupRoutes(r, store, sched)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// Graceful shutdown
	go func() {
		log.WithField("port", cfg.ServerPort).Info("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}
	log.Info("server exited")
}

func logLifecycleEvents(ch <-chan models.LifecycleEvent) {
	for event := range ch {
		log.WithFields(log.Fields{
			"type":  event.Type,
			"job":   event.JobID,
			"owner": event.OwnerID,
		}).Debug("lifecycle event")
	}
}
