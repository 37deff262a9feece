package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fraudwatch/scoring-engine/internal/config"
	"github.com/fraudwatch/scoring-engine/internal/database"
	"github.com/fraudwatch/scoring-engine/internal/logging"
	"github.com/fraudwatch/scoring-engine/internal/metrics"
	"github.com/fraudwatch/scoring-engine/internal/queue"
)

var (
	// ErrInvalid marks a submission that failed validation
	ErrInvalid = errors.New("invalid transaction data")

	// ErrDuplicateInStore marks a correlation id that was already persisted
	ErrDuplicateInStore = errors.New("correlation id already persisted")

	// ErrDuplicateInQueue marks a correlation id already waiting in the queue
	ErrDuplicateInQueue = errors.New("correlation id already queued")
)

var accountPattern = regexp.MustCompile(`^[A-Z0-9]{5,34}$`)

// Submission is one raw client payload. A client may supply its own
// correlation id to make retries detectable.
type Submission struct {
	CorrelationID   string  `json:"correlation_id,omitempty"`
	SenderAccount   string  `json:"sender_account" validate:"required"`
	ReceiverAccount string  `json:"receiver_account" validate:"required"`
	Amount          float64 `json:"amount" validate:"required,gt=0"`
	TransactionType string  `json:"transaction_type" validate:"required,oneof=payment withdrawal transfer deposit"`
}

// Store checks whether a correlation id has already been persisted
type Store interface {
	Exists(ctx context.Context, correlationID string) (bool, error)
}

// Gate validates submissions and admits them to the scoring queue. The
// duplicate checks run store first, then queue, so the two rejection causes
// stay distinguishable in logs and responses.
type Gate struct {
	config   config.PipelineConfig
	logger   *slog.Logger
	validate *validator.Validate
	store    Store
	queue    *queue.Queue
	metrics  *metrics.Collector
}

// NewGate creates a new ingest gate
func NewGate(cfg config.PipelineConfig, logger *slog.Logger, store Store, q *queue.Queue, collector *metrics.Collector) *Gate {
	return &Gate{
		config:   cfg,
		logger:   logger,
		validate: validator.New(),
		store:    store,
		queue:    q,
		metrics:  collector,
	}
}

// Submit validates the submission, stamps it and enqueues it for scoring.
// On duplicate rejection the returned transaction still carries the
// correlation id so the caller can report it.
func (g *Gate) Submit(ctx context.Context, sub Submission) (*database.Transaction, error) {
	tx := &database.Transaction{
		SenderAccount:   sub.SenderAccount,
		ReceiverAccount: sub.ReceiverAccount,
		Amount:          sub.Amount,
		TransactionType: sub.TransactionType,
		Status:          database.StatusQueued,
	}

	logging.Event(ctx, g.logger, slog.LevelInfo, logging.StageReceived, "ingest", tx)

	if err := g.validateSubmission(sub); err != nil {
		g.metrics.RecordRejected("validation_failed")
		logging.Event(ctx, g.logger, slog.LevelWarn, logging.StageValidationFailed, "ingest", tx,
			"error", err.Error(),
		)
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	tx.CorrelationID = stampCorrelationID(sub.CorrelationID)
	tx.Timestamp = time.Now().UTC()

	exists, err := g.store.Exists(ctx, tx.CorrelationID)
	if err != nil {
		logging.Event(ctx, g.logger, slog.LevelError, logging.StageDBError, "ingest", tx,
			"error", err.Error(),
		)
		return nil, fmt.Errorf("failed to check persisted duplicates: %w", err)
	}
	if exists {
		g.metrics.RecordRejected("duplicate_in_store")
		logging.Event(ctx, g.logger, slog.LevelWarn, logging.StageDuplicateInStore, "ingest", tx)
		return tx, ErrDuplicateInStore
	}

	if err := g.queue.Enqueue(tx); err != nil {
		g.metrics.RecordRejected("duplicate_in_queue")
		logging.Event(ctx, g.logger, slog.LevelWarn, logging.StageDuplicateInQueue, "ingest", tx)
		return tx, ErrDuplicateInQueue
	}

	g.metrics.RecordIngested()
	logging.Event(ctx, g.logger, slog.LevelInfo, logging.StageQueued, "ingest", tx,
		"queue_depth", g.queue.Len(),
	)

	return tx, nil
}

func (g *Gate) validateSubmission(sub Submission) error {
	if err := g.validate.Struct(sub); err != nil {
		return err
	}

	if math.IsNaN(sub.Amount) || math.IsInf(sub.Amount, 0) {
		return fmt.Errorf("amount must be finite")
	}

	if g.config.StrictAccounts {
		if !accountPattern.MatchString(sub.SenderAccount) {
			return fmt.Errorf("sender account %q is not a valid account identifier", sub.SenderAccount)
		}
		if !accountPattern.MatchString(sub.ReceiverAccount) {
			return fmt.Errorf("receiver account %q is not a valid account identifier", sub.ReceiverAccount)
		}
	}

	return nil
}

// stampCorrelationID keeps a well-formed client-supplied id so the duplicate
// checks can catch retries, otherwise assigns a fresh UUID.
func stampCorrelationID(supplied string) string {
	if supplied != "" {
		if _, err := uuid.Parse(supplied); err == nil {
			return supplied
		}
	}
	return uuid.NewString()
}
