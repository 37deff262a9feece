package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// TransactionRepository handles transaction data operations
type TransactionRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *sqlx.DB, logger *slog.Logger) *TransactionRepository {
	return &TransactionRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Insert persists a new transaction. A unique constraint violation on the
// correlation id is reported as ErrDuplicate.
func (r *TransactionRepository) Insert(ctx context.Context, tx *Transaction) error {
	query := `
		INSERT INTO transactions (
			correlation_id, sender_account, receiver_account, amount,
			transaction_type, timestamp, status, alerts,
			created_at, updated_at
		) VALUES (
			:correlation_id, :sender_account, :receiver_account, :amount,
			:transaction_type, :timestamp, :status, :alerts,
			:created_at, :updated_at
		)`

	tx.CreatedAt = time.Now().UTC()
	tx.UpdatedAt = tx.CreatedAt

	_, err := r.db.NamedExecContext(ctx, query, tx)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("transaction %s: %w", tx.CorrelationID, ErrDuplicate)
		}
		r.logger.Error("Failed to insert transaction", "correlation_id", tx.CorrelationID, "error", err)
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	return nil
}

// Exists reports whether a transaction with the given correlation id has
// been persisted.
func (r *TransactionRepository) Exists(ctx context.Context, correlationID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM transactions WHERE correlation_id = $1)`

	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, correlationID); err != nil {
		r.logger.Error("Failed to check transaction existence", "correlation_id", correlationID, "error", err)
		return false, fmt.Errorf("failed to check transaction existence: %w", err)
	}

	return exists, nil
}

// Get retrieves a transaction by correlation id
func (r *TransactionRepository) Get(ctx context.Context, correlationID string) (*Transaction, error) {
	query := `SELECT * FROM transactions WHERE correlation_id = $1`

	var tx Transaction
	err := r.db.GetContext(ctx, &tx, query, correlationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("transaction %s: %w", correlationID, ErrNotFound)
		}
		r.logger.Error("Failed to get transaction", "correlation_id", correlationID, "error", err)
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	return &tx, nil
}

// UpdateOutcome records the terminal status and joined alert reasons for a
// previously persisted transaction.
func (r *TransactionRepository) UpdateOutcome(ctx context.Context, correlationID, status, alerts string) error {
	query := `
		UPDATE transactions
		SET status = $1, alerts = $2, updated_at = $3
		WHERE correlation_id = $4`

	result, err := r.db.ExecContext(ctx, query, status, alerts, time.Now().UTC(), correlationID)
	if err != nil {
		r.logger.Error("Failed to update transaction outcome", "correlation_id", correlationID, "error", err)
		return fmt.Errorf("failed to update transaction outcome: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("transaction %s: %w", correlationID, ErrNotFound)
	}

	return nil
}

// Snapshot returns the persisted transactions of one sender newer than the
// given instant, oldest first. Serves rule evaluation off the
// (sender_account, timestamp) index; per-rule window filtering stays with
// the evaluators.
func (r *TransactionRepository) Snapshot(ctx context.Context, sender string, since time.Time) ([]*Transaction, error) {
	query := `
		SELECT * FROM transactions
		WHERE sender_account = $1 AND timestamp > $2
		ORDER BY timestamp ASC`

	var txs []*Transaction
	if err := r.db.SelectContext(ctx, &txs, query, sender, since); err != nil {
		r.logger.Error("Failed to load history snapshot", "sender", sender, "error", err)
		return nil, fmt.Errorf("failed to load history snapshot: %w", err)
	}

	return txs, nil
}

// List returns transactions for the admin surface, newest first
func (r *TransactionRepository) List(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	var conditions []string
	var args []interface{}
	argIndex := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, filter.Status)
		argIndex++
	}

	query := `SELECT * FROM transactions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC"

	page := filter.Page
	if page < 1 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage < 1 || perPage > 500 {
		perPage = 50
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, perPage, (page-1)*perPage)

	var txs []*Transaction
	if err := r.db.SelectContext(ctx, &txs, query, args...); err != nil {
		r.logger.Error("Failed to list transactions", "error", err)
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	return txs, nil
}

// Count returns the number of transactions matching the filter
func (r *TransactionRepository) Count(ctx context.Context, filter TransactionFilter) (int, error) {
	query := `SELECT COUNT(*) FROM transactions`
	var args []interface{}

	if filter.Status != "" {
		query += " WHERE status = $1"
		args = append(args, filter.Status)
	}

	var count int
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		r.logger.Error("Failed to count transactions", "error", err)
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	return count, nil
}

// Stats returns transaction totals broken down by status
func (r *TransactionRepository) Stats(ctx context.Context) (*TransactionStats, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'queued') AS queued,
			COUNT(*) FILTER (WHERE status = 'processed') AS processed,
			COUNT(*) FILTER (WHERE status = 'alerted') AS alerted
		FROM transactions`

	var stats TransactionStats
	if err := r.db.GetContext(ctx, &stats, query); err != nil {
		r.logger.Error("Failed to get transaction stats", "error", err)
		return nil, fmt.Errorf("failed to get transaction stats: %w", err)
	}

	return &stats, nil
}

// TopSenders returns the senders with the most alerted transactions
func (r *TransactionRepository) TopSenders(ctx context.Context, limit int) ([]*SenderCount, error) {
	if limit < 1 {
		limit = 10
	}

	query := `
		SELECT sender_account, COUNT(*) AS count
		FROM transactions
		WHERE status = 'alerted'
		GROUP BY sender_account
		ORDER BY count DESC, sender_account ASC
		LIMIT $1`

	var senders []*SenderCount
	if err := r.db.SelectContext(ctx, &senders, query, limit); err != nil {
		r.logger.Error("Failed to get top senders", "error", err)
		return nil, fmt.Errorf("failed to get top senders: %w", err)
	}

	return senders, nil
}

// ExportAll streams every transaction ordered by timestamp for CSV export
func (r *TransactionRepository) ExportAll(ctx context.Context) ([]*Transaction, error) {
	query := `SELECT * FROM transactions ORDER BY timestamp ASC`

	var txs []*Transaction
	if err := r.db.SelectContext(ctx, &txs, query); err != nil {
		r.logger.Error("Failed to export transactions", "error", err)
		return nil, fmt.Errorf("failed to export transactions: %w", err)
	}

	return txs, nil
}

// DeleteOlderThan removes transactions whose timestamp falls before the
// cutoff. Used by the retention cleanup task.
func (r *TransactionRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM transactions WHERE timestamp < $1`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		r.logger.Error("Failed to delete old transactions", "cutoff", cutoff, "error", err)
		return 0, fmt.Errorf("failed to delete old transactions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows > 0 {
		r.logger.Info("Deleted old transactions", "count", rows, "cutoff", cutoff)
	}

	return rows, nil
}
