package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// RuleRepository handles rule data operations. Every mutation writes its
// audit record to rule_history inside the same database transaction.
type RuleRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *sqlx.DB, logger *slog.Logger) *RuleRepository {
	return &RuleRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create creates a new enabled rule with params {"value": value}
func (r *RuleRepository) Create(ctx context.Context, name, ruleType string, value float64, changedBy string) (*Rule, error) {
	params, err := json.Marshal(map[string]interface{}{"value": value})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rule params: %w", err)
	}
	return r.CreateWithParams(ctx, name, ruleType, string(params), changedBy)
}

// CreateWithParams creates a new enabled rule carrying a full params payload
func (r *RuleRepository) CreateWithParams(ctx context.Context, name, ruleType, params, changedBy string) (*Rule, error) {
	now := time.Now().UTC()
	rule := &Rule{
		ID:        uuid.NewString(),
		Name:      name,
		RuleType:  ruleType,
		Params:    params,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := r.Transaction(func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO rules (id, name, rule_type, params, enabled, created_at, updated_at)
			VALUES (:id, :name, :rule_type, :params, :enabled, :created_at, :updated_at)`

		if _, err := tx.NamedExecContext(ctx, query, rule); err != nil {
			return fmt.Errorf("failed to insert rule: %w", err)
		}

		return r.insertHistory(ctx, tx, rule.ID, ActionCreate, nil, snapshotJSON(rule), changedBy)
	})
	if err != nil {
		r.logger.Error("Failed to create rule", "name", name, "error", err)
		return nil, err
	}

	r.logger.Info("Rule created", "rule_id", rule.ID, "name", rule.Name, "rule_type", rule.RuleType)
	return rule, nil
}

// Update replaces name, type and value of an existing rule. Name and type
// keep their current values when the caller passes them empty. Threshold
// rules get the full comparison payload, every other type keeps the bare
// value.
func (r *RuleRepository) Update(ctx context.Context, id, name, ruleType string, value float64, changedBy string) (*Rule, error) {
	var updated *Rule

	err := r.Transaction(func(tx *sqlx.Tx) error {
		var existing Rule
		if err := tx.GetContext(ctx, &existing, `SELECT * FROM rules WHERE id = $1`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("rule %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("failed to load rule: %w", err)
		}

		next := existing
		if name != "" {
			next.Name = name
		}
		if ruleType != "" {
			next.RuleType = ruleType
		}

		var payload map[string]interface{}
		if next.RuleType == RuleTypeThreshold {
			payload = map[string]interface{}{"field": "amount", "operator": ">", "value": value}
		} else {
			payload = map[string]interface{}{"value": value}
		}
		params, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal rule params: %w", err)
		}

		next.Params = string(params)
		next.UpdatedAt = time.Now().UTC()

		query := `UPDATE rules SET name = $1, rule_type = $2, params = $3, updated_at = $4 WHERE id = $5`
		if _, err := tx.ExecContext(ctx, query, next.Name, next.RuleType, next.Params, next.UpdatedAt, id); err != nil {
			return fmt.Errorf("failed to update rule: %w", err)
		}

		if err := r.insertHistory(ctx, tx, id, ActionUpdate, snapshotJSON(&existing), snapshotJSON(&next), changedBy); err != nil {
			return err
		}

		updated = &next
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Error("Failed to update rule", "rule_id", id, "error", err)
		}
		return nil, err
	}

	r.logger.Info("Rule updated", "rule_id", id, "value", value)
	return updated, nil
}

// Delete removes a rule, keeping its audit trail
func (r *RuleRepository) Delete(ctx context.Context, id, changedBy string) error {
	err := r.Transaction(func(tx *sqlx.Tx) error {
		var existing Rule
		if err := tx.GetContext(ctx, &existing, `SELECT * FROM rules WHERE id = $1`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("rule %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("failed to load rule: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete rule: %w", err)
		}

		return r.insertHistory(ctx, tx, id, ActionDelete, snapshotJSON(&existing), nil, changedBy)
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Error("Failed to delete rule", "rule_id", id, "error", err)
		}
		return err
	}

	r.logger.Info("Rule deleted", "rule_id", id)
	return nil
}

// Get retrieves a rule by id
func (r *RuleRepository) Get(ctx context.Context, id string) (*Rule, error) {
	var rule Rule
	err := r.db.GetContext(ctx, &rule, `SELECT * FROM rules WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		r.logger.Error("Failed to get rule", "rule_id", id, "error", err)
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return &rule, nil
}

// List returns all rules ordered by name
func (r *RuleRepository) List(ctx context.Context) ([]*Rule, error) {
	var rules []*Rule
	err := r.db.SelectContext(ctx, &rules, `SELECT * FROM rules ORDER BY name ASC`)
	if err != nil {
		r.logger.Error("Failed to list rules", "error", err)
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	return rules, nil
}

// ListEnabled returns the enabled rules ordered by name. This is the set
// the worker evaluates on every transaction.
func (r *RuleRepository) ListEnabled(ctx context.Context) ([]*Rule, error) {
	var rules []*Rule
	err := r.db.SelectContext(ctx, &rules, `SELECT * FROM rules WHERE enabled = true ORDER BY name ASC`)
	if err != nil {
		r.logger.Error("Failed to list enabled rules", "error", err)
		return nil, fmt.Errorf("failed to list enabled rules: %w", err)
	}

	return rules, nil
}

// History returns the audit trail of one rule, newest first
func (r *RuleRepository) History(ctx context.Context, ruleID string) ([]*RuleHistory, error) {
	query := `SELECT * FROM rule_history WHERE rule_id = $1 ORDER BY timestamp DESC, id DESC`

	var entries []*RuleHistory
	if err := r.db.SelectContext(ctx, &entries, query, ruleID); err != nil {
		r.logger.Error("Failed to get rule history", "rule_id", ruleID, "error", err)
		return nil, fmt.Errorf("failed to get rule history: %w", err)
	}

	return entries, nil
}

func (r *RuleRepository) insertHistory(ctx context.Context, tx *sqlx.Tx, ruleID, action string, oldValues, newValues *string, changedBy string) error {
	entry := &RuleHistory{
		ID:        uuid.NewString(),
		RuleID:    ruleID,
		Action:    action,
		OldValues: oldValues,
		NewValues: newValues,
		ChangedBy: changedBy,
		Timestamp: time.Now().UTC(),
	}

	query := `
		INSERT INTO rule_history (id, rule_id, action, old_values, new_values, changed_by, timestamp)
		VALUES (:id, :rule_id, :action, :old_values, :new_values, :changed_by, :timestamp)`

	if _, err := tx.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("failed to insert rule history: %w", err)
	}

	return nil
}

// snapshotJSON renders a rule snapshot for the audit trail
func snapshotJSON(rule *Rule) *string {
	raw, err := json.Marshal(rule)
	if err != nil {
		return nil
	}
	s := string(raw)
	return &s
}
