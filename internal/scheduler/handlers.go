package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fraudwatch/scoring-engine/internal/metrics"
	"github.com/fraudwatch/scoring-engine/internal/queue"
)

// RetentionStore deletes transactions past the retention window
type RetentionStore interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pinger checks database connectivity
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RetentionCleanupHandler prunes transactions older than the configured
// retention window
type RetentionCleanupHandler struct {
	retentionDays int
	store         RetentionStore
	logger        *slog.Logger
}

// NewRetentionCleanupHandler creates a new retention cleanup handler
func NewRetentionCleanupHandler(retentionDays int, store RetentionStore, logger *slog.Logger) *RetentionCleanupHandler {
	return &RetentionCleanupHandler{
		retentionDays: retentionDays,
		store:         store,
		logger:        logger,
	}
}

// Execute deletes transactions whose timestamp fell out of the window
func (h *RetentionCleanupHandler) Execute(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -h.retentionDays)

	deleted, err := h.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("retention cleanup failed: %w", err)
	}

	h.logger.Info("Retention cleanup completed",
		"deleted", deleted,
		"cutoff", cutoff,
		"retention_days", h.retentionDays,
	)
	return nil
}

// Name returns the handler name
func (h *RetentionCleanupHandler) Name() string {
	return "retention_cleanup"
}

// Description returns the handler description
func (h *RetentionCleanupHandler) Description() string {
	return "Deletes transactions older than the retention window"
}

// HealthCheckHandler pings the database and reports queue pressure
type HealthCheckHandler struct {
	db     Pinger
	queue  *queue.Queue
	logger *slog.Logger
}

// NewHealthCheckHandler creates a new health check handler
func NewHealthCheckHandler(db Pinger, q *queue.Queue, logger *slog.Logger) *HealthCheckHandler {
	return &HealthCheckHandler{
		db:     db,
		queue:  q,
		logger: logger,
	}
}

// Execute checks database connectivity and logs the queue depth
func (h *HealthCheckHandler) Execute(ctx context.Context) error {
	if err := h.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	h.logger.Info("Health check passed", "queue_depth", h.queue.Len())
	return nil
}

// Name returns the handler name
func (h *HealthCheckHandler) Name() string {
	return "health_check"
}

// Description returns the handler description
func (h *HealthCheckHandler) Description() string {
	return "Verifies database connectivity and queue pressure"
}

// GaugeRefreshHandler re-samples the queue depth and enabled rules gauges
type GaugeRefreshHandler struct {
	collector *metrics.Collector
}

// NewGaugeRefreshHandler creates a new gauge refresh handler
func NewGaugeRefreshHandler(collector *metrics.Collector) *GaugeRefreshHandler {
	return &GaugeRefreshHandler{collector: collector}
}

// Execute refreshes the gauges outside the collector's own interval
func (h *GaugeRefreshHandler) Execute(ctx context.Context) error {
	h.collector.Refresh(ctx)
	return nil
}

// Name returns the handler name
func (h *GaugeRefreshHandler) Name() string {
	return "gauge_refresh"
}

// Description returns the handler description
func (h *GaugeRefreshHandler) Description() string {
	return "Refreshes the queue depth and enabled rules gauges"
}
