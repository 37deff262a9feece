package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/fraudwatch/scoring-engine/internal/config"
	"github.com/fraudwatch/scoring-engine/internal/database"
)

// Pipeline stages emitted as structured events. Every transaction leaves a
// trail of these from ingest to notification.
const (
	StageReceived            = "received"
	StageValidationFailed    = "validation_failed"
	StageDuplicateInStore    = "duplicate_in_store"
	StageDuplicateInQueue    = "duplicate_in_queue"
	StageQueued              = "queued"
	StageStartProcessing     = "start_processing"
	StageDuplicateSkipped    = "duplicate_skipped"
	StageRuleError           = "rule_error"
	StageRuleParseError      = "rule_parse_error"
	StageDBCommit            = "db_commit"
	StageDuplicateConstraint = "duplicate_constraint_violation"
	StageDBError             = "db_error"
	StageNotifySent          = "notify_sent"
	StageNotifySkipped       = "notify_skipped"
	StageNotifyRetry         = "notify_retry"
	StageNotifyError         = "notify_error"
)

// Setup builds the root logger. JSON output carries the pipeline field set
// with the standard time key renamed to "timestamp".
func Setup(cfg config.Config) *slog.Logger {
	logLevel := parseLevel(cfg.Logging.Level)
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}

	handlerOptions := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: cfg.Debug || cfg.Logging.IncludeSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" || cfg.Environment == "production" {
		handler = slog.NewJSONHandler(os.Stdout, handlerOptions)
	} else {
		handler = slog.NewTextHandler(os.Stdout, handlerOptions)
	}

	logger := slog.New(handler)
	logger = logger.With(
		"service", "scoring-engine",
		"version", cfg.Version,
		"environment", cfg.Environment,
	)

	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Event emits one pipeline event as a single structured log line. The stage
// doubles as the message; tx may be nil for events raised before a
// transaction exists. Extra attrs are appended after the standard field set.
func Event(ctx context.Context, logger *slog.Logger, level slog.Level, stage, component string, tx *database.Transaction, extra ...any) {
	attrs := make([]any, 0, 18+len(extra))
	attrs = append(attrs,
		"stage", stage,
		"component", component,
	)

	if tx != nil {
		attrs = append(attrs,
			"correlation_id", tx.CorrelationID,
			"sender", tx.SenderAccount,
			"receiver", tx.ReceiverAccount,
			"amount", tx.Amount,
			"transaction_type", tx.TransactionType,
			"status", tx.Status,
			"alerts", tx.Alerts,
		)
	} else {
		attrs = append(attrs,
			"correlation_id", "",
			"sender", "",
			"receiver", "",
			"amount", 0.0,
			"transaction_type", "",
			"status", "",
			"alerts", "",
		)
	}

	attrs = append(attrs, extra...)
	logger.Log(ctx, level, stage, attrs...)
}
