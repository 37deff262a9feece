package worker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/fraudwatch/scoring-engine/internal/config"
	"github.com/fraudwatch/scoring-engine/internal/database"
	"github.com/fraudwatch/scoring-engine/internal/engine"
	"github.com/fraudwatch/scoring-engine/internal/logging"
	"github.com/fraudwatch/scoring-engine/internal/metrics"
	"github.com/fraudwatch/scoring-engine/internal/queue"
)

// Store is the persistence surface the worker needs
type Store interface {
	Exists(ctx context.Context, correlationID string) (bool, error)
	Insert(ctx context.Context, tx *database.Transaction) error
	Snapshot(ctx context.Context, sender string, since time.Time) ([]*database.Transaction, error)
}

// Evaluator scores one transaction against the enabled rule set
type Evaluator interface {
	EvaluateAll(ctx context.Context, tx *database.Transaction, history []*database.Transaction, now time.Time) ([]engine.Result, error)
}

// Dispatcher fans one fired reason out to the notification channels
type Dispatcher interface {
	Notify(ctx context.Context, tx *database.Transaction, reason string)
}

// Publisher emits scored-transaction events. Optional; the worker tolerates
// a nil publisher.
type Publisher interface {
	PublishScored(ctx context.Context, tx *database.Transaction) error
}

// Worker is the single consumer of the scoring queue. It drains the queue
// on every poll tick and runs each transaction through evaluation,
// persistence and notification. Notifications only go out after the outcome
// is committed.
type Worker struct {
	config    config.PipelineConfig
	logger    *slog.Logger
	queue     *queue.Queue
	store     Store
	engine    Evaluator
	notifier  Dispatcher
	publisher Publisher
	metrics   *metrics.Collector
}

// New creates a new worker
func New(
	cfg config.PipelineConfig,
	logger *slog.Logger,
	q *queue.Queue,
	store Store,
	eval Evaluator,
	notifier Dispatcher,
	publisher Publisher,
	collector *metrics.Collector,
) *Worker {
	return &Worker{
		config:    cfg,
		logger:    logger,
		queue:     q,
		store:     store,
		engine:    eval,
		notifier:  notifier,
		publisher: publisher,
		metrics:   collector,
	}
}

// Run polls the queue until the context is cancelled
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Starting worker", "poll_interval", w.config.PollInterval)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping worker", "queue_depth", w.queue.Len())
			return ctx.Err()
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain processes queued transactions in FIFO order until the queue is
// empty or the context is cancelled
func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tx, ok := w.queue.Dequeue()
		if !ok {
			return
		}
		w.process(ctx, tx)
	}
}

// process runs one transaction through the scoring pipeline. Every failure
// path abandons the transaction after logging; nothing is re-enqueued.
func (w *Worker) process(ctx context.Context, tx *database.Transaction) {
	logging.Event(ctx, w.logger, slog.LevelInfo, logging.StageStartProcessing, "worker", tx)

	// Re-check against the store: the id may have been persisted between
	// enqueue and dequeue.
	exists, err := w.store.Exists(ctx, tx.CorrelationID)
	if err != nil {
		logging.Event(ctx, w.logger, slog.LevelError, logging.StageDBError, "worker", tx,
			"error", err.Error(),
		)
		return
	}
	if exists {
		logging.Event(ctx, w.logger, slog.LevelWarn, logging.StageDuplicateSkipped, "worker", tx,
			"reason", "duplicate_in_db",
		)
		return
	}

	now := time.Now().UTC()

	queryStart := time.Now()
	history, err := w.store.Snapshot(ctx, tx.SenderAccount, now.Add(-w.config.HistoryWindow))
	w.metrics.ObserveDBQuery("snapshot", time.Since(queryStart))
	if err != nil {
		logging.Event(ctx, w.logger, slog.LevelError, logging.StageDBError, "worker", tx,
			"error", err.Error(),
		)
		return
	}

	evalStart := time.Now()
	results, err := w.engine.EvaluateAll(ctx, tx, history, now)
	if err != nil {
		logging.Event(ctx, w.logger, slog.LevelError, logging.StageDBError, "worker", tx,
			"error", err.Error(),
		)
		return
	}
	w.metrics.ObserveEvaluation(time.Since(evalStart))

	reasons := w.collectReasons(ctx, tx, results)

	tx.Status = database.StatusProcessed
	if len(reasons) > 0 {
		tx.Status = database.StatusAlerted
	}
	tx.Alerts = strings.Join(reasons, "; ")

	queryStart = time.Now()
	err = w.store.Insert(ctx, tx)
	w.metrics.ObserveDBQuery("insert", time.Since(queryStart))
	if err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			logging.Event(ctx, w.logger, slog.LevelWarn, logging.StageDuplicateConstraint, "worker", tx,
				"error", err.Error(),
			)
		} else {
			logging.Event(ctx, w.logger, slog.LevelError, logging.StageDBError, "worker", tx,
				"error", err.Error(),
			)
		}
		return
	}

	w.metrics.RecordProcessed(tx.Status)
	logging.Event(ctx, w.logger, slog.LevelInfo, logging.StageDBCommit, "worker", tx)

	for _, reason := range reasons {
		w.notifier.Notify(ctx, tx, reason)
	}

	if w.publisher != nil {
		if err := w.publisher.PublishScored(ctx, tx); err != nil {
			w.logger.Warn("Failed to publish scored event",
				"correlation_id", tx.CorrelationID,
				"error", err,
			)
		}
	}
}

// collectReasons extracts the fired reasons in rule order. Faulted rules are
// logged and skipped; they never fire and never abort the evaluation.
func (w *Worker) collectReasons(ctx context.Context, tx *database.Transaction, results []engine.Result) []string {
	var reasons []string
	for _, res := range results {
		if res.Err != nil {
			w.metrics.RecordRuleError()
			logging.Event(ctx, w.logger, slog.LevelError, logging.StageRuleError, "worker", tx,
				"rule", res.Rule.Name,
				"rule_id", res.Rule.ID,
				"error", res.Err.Error(),
			)
			continue
		}

		w.metrics.RecordRuleEvaluation(res.Rule.RuleType)
		if res.Fired {
			w.metrics.RecordAlertFired(res.Rule.Name)
			reasons = append(reasons, res.Reason)
		}
	}
	return reasons
}
