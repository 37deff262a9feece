package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fraudwatch/scoring-engine/internal/config"
)

// TaskHandler is one schedulable maintenance task
type TaskHandler interface {
	Execute(ctx context.Context) error
	Name() string
	Description() string
}

// ScheduledTask tracks one registered task and its run statistics
type ScheduledTask struct {
	Name        string
	Description string
	Schedule    string
	Handler     TaskHandler
	LastRun     time.Time
	RunCount    int64
	ErrorCount  int64
	entryID     cron.EntryID
}

// Scheduler runs maintenance tasks on six-field cron schedules in UTC
type Scheduler struct {
	config config.SchedulerConfig
	logger *slog.Logger
	cron   *cron.Cron

	mu    sync.RWMutex
	tasks map[string]*ScheduledTask
}

// New creates an empty scheduler. Tasks are attached via Register before
// Start.
func New(cfg config.SchedulerConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		config: cfg,
		logger: logger,
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		tasks:  make(map[string]*ScheduledTask),
	}
}

// Register attaches a task to the given cron schedule. Malformed schedules
// are rejected here, before the scheduler starts.
func (s *Scheduler) Register(schedule string, handler TaskHandler) error {
	task := &ScheduledTask{
		Name:        handler.Name(),
		Description: handler.Description(),
		Schedule:    schedule,
		Handler:     handler,
	}

	entryID, err := s.cron.AddFunc(schedule, func() {
		s.executeTask(task)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", task.Name, err)
	}
	task.entryID = entryID

	s.mu.Lock()
	s.tasks[task.Name] = task
	s.mu.Unlock()

	s.logger.Info("Scheduled task registered",
		"task", task.Name,
		"schedule", schedule,
	)
	return nil
}

// Start begins running the registered tasks
func (s *Scheduler) Start() {
	s.mu.RLock()
	count := len(s.tasks)
	s.mu.RUnlock()

	s.cron.Start()
	s.logger.Info("Scheduler started", "tasks", count)
}

// Stop halts the scheduler and waits for running tasks to finish
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) executeTask(task *ScheduledTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	start := time.Now()

	s.mu.Lock()
	task.LastRun = start
	task.RunCount++
	s.mu.Unlock()

	if err := task.Handler.Execute(ctx); err != nil {
		s.mu.Lock()
		task.ErrorCount++
		s.mu.Unlock()

		s.logger.Error("Scheduled task failed",
			"task", task.Name,
			"error", err,
			"duration", time.Since(start),
		)
		return
	}

	s.logger.Debug("Scheduled task completed",
		"task", task.Name,
		"duration", time.Since(start),
	)
}
