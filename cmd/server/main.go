package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fraudwatch/scoring-engine/internal/config"
	"github.com/fraudwatch/scoring-engine/internal/database"
	"github.com/fraudwatch/scoring-engine/internal/engine"
	"github.com/fraudwatch/scoring-engine/internal/events"
	"github.com/fraudwatch/scoring-engine/internal/handlers"
	"github.com/fraudwatch/scoring-engine/internal/ingest"
	"github.com/fraudwatch/scoring-engine/internal/logging"
	"github.com/fraudwatch/scoring-engine/internal/metrics"
	"github.com/fraudwatch/scoring-engine/internal/notification"
	"github.com/fraudwatch/scoring-engine/internal/queue"
	"github.com/fraudwatch/scoring-engine/internal/scheduler"
	"github.com/fraudwatch/scoring-engine/internal/worker"
)

func main() {
	configFile := pflag.String("config", "", "path to config file")
	pflag.String("log-level", "", "log level (debug, info, warn, error)")
	pflag.String("log-format", "", "log format (json, text)")
	pflag.Parse()

	// Flags override config file and environment when set.
	if err := viper.BindPFlag("logging.level", pflag.Lookup("log-level")); err != nil {
		fmt.Printf("Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("logging.format", pflag.Lookup("log-format")); err != nil {
		fmt.Printf("Failed to bind flags: %v\n", err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Setup logging
	logger := logging.Setup(cfg)
	logger.Info("Starting Scoring Engine Service")

	// Setup database connection
	db, err := database.Connect(cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database connection", "error", err)
		}
	}()

	// Run database migrations
	if err := database.RunMigrations(cfg.Database); err != nil {
		logger.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	// Setup repositories
	txRepo := database.NewTransactionRepository(db, logger)
	ruleRepo := database.NewRuleRepository(db, logger)

	// Setup the scoring queue shared by ingest and worker
	scoringQueue := queue.New()

	// Setup metrics collector
	metricsCollector := metrics.NewCollector(cfg.Metrics, logger, scoringQueue, ruleRepo)

	// Setup rule engine
	ruleEngine := engine.New(logger, ruleRepo)

	// Setup notifier
	notifier := notification.New(cfg.Notifications, logger, metricsCollector)
	logger.Info("Notification channels configured", "channels", notifier.Channels())

	// Setup optional event publisher
	var publisher worker.Publisher
	if cfg.Events.Enabled {
		kafkaPublisher := events.NewPublisher(cfg.Events, logger)
		defer func() {
			if err := kafkaPublisher.Close(); err != nil {
				logger.Error("Failed to close event publisher", "error", err)
			}
		}()
		publisher = kafkaPublisher
		logger.Info("Event publishing enabled", "topic", cfg.Events.Topic)
	}

	// Setup ingest gate and worker
	gate := ingest.NewGate(cfg.Pipeline, logger, txRepo, scoringQueue, metricsCollector)
	scoringWorker := worker.New(cfg.Pipeline, logger, scoringQueue, txRepo, ruleEngine, notifier, publisher, metricsCollector)

	// Setup scheduler for periodic maintenance tasks
	taskScheduler := scheduler.New(cfg.Scheduler, logger)
	if cfg.Scheduler.Enabled {
		tasks := []struct {
			schedule string
			handler  scheduler.TaskHandler
		}{
			{cfg.Scheduler.CleanupSchedule, scheduler.NewRetentionCleanupHandler(cfg.Scheduler.RetentionDays, txRepo, logger)},
			{cfg.Scheduler.HealthCheckSchedule, scheduler.NewHealthCheckHandler(db, scoringQueue, logger)},
			{cfg.Scheduler.GaugeRefreshSchedule, scheduler.NewGaugeRefreshHandler(metricsCollector)},
		}
		for _, t := range tasks {
			if err := taskScheduler.Register(t.schedule, t.handler); err != nil {
				logger.Error("Failed to register scheduled task", "error", err)
				os.Exit(1)
			}
		}
	}

	// Setup HTTP handlers
	httpHandlers := handlers.NewHTTPHandler(
		cfg,
		logger,
		gate,
		txRepo,
		ruleRepo,
		scoringQueue,
		db,
		metricsCollector,
	)

	// Setup HTTP router
	httpRouter := mux.NewRouter()
	httpHandlers.RegisterRoutes(httpRouter)

	// Add Prometheus metrics endpoint
	if cfg.Metrics.Enabled {
		httpRouter.Handle("/metrics", promhttp.Handler())
	}

	// Setup HTTP server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:      httpRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	// Start the scoring worker: the single consumer of the queue
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := scoringWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Worker failed", "error", err)
			cancel()
		}
	}()

	// Start metrics collector
	if cfg.Metrics.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsCollector.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Metrics collector failed", "error", err)
				cancel()
			}
		}()
	}

	// Start scheduler
	if cfg.Scheduler.Enabled {
		taskScheduler.Start()
	}

	// Start HTTP server
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting HTTP server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	// Graceful shutdown. Queued transactions are ephemeral and lost on exit.
	logger.Info("Shutting down services...", "queue_depth", scoringQueue.Len())

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server gracefully", "error", err)
	}

	if cfg.Scheduler.Enabled {
		taskScheduler.Stop()
	}

	wg.Wait()

	logger.Info("Service shutdown complete")
}
