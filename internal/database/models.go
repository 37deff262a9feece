package database

import "time"

// Transaction statuses. A transaction is queued on ingest and ends in
// exactly one terminal state.
const (
	StatusQueued    = "queued"
	StatusProcessed = "processed"
	StatusAlerted   = "alerted"
)

// Rule types understood by the evaluation engine.
const (
	RuleTypeThreshold = "threshold"
	RuleTypePattern   = "pattern"
	RuleTypeComposite = "composite"
	RuleTypeML        = "ml"
)

// Rule history actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Transaction represents a scored money movement
type Transaction struct {
	CorrelationID   string    `db:"correlation_id" json:"correlation_id"`
	SenderAccount   string    `db:"sender_account" json:"sender_account"`
	ReceiverAccount string    `db:"receiver_account" json:"receiver_account"`
	Amount          float64   `db:"amount" json:"amount"`
	TransactionType string    `db:"transaction_type" json:"transaction_type"`
	Timestamp       time.Time `db:"timestamp" json:"timestamp"`
	Status          string    `db:"status" json:"status"`
	Alerts          string    `db:"alerts" json:"alerts"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Rule represents a scoring rule. Params holds the rule_type specific
// parameters as a JSON object.
type Rule struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	RuleType  string    `db:"rule_type" json:"rule_type"`
	Params    string    `db:"params" json:"params"`
	Enabled   bool      `db:"enabled" json:"enabled"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// RuleHistory is one append-only audit record for a rule mutation, written
// in the same database transaction as the mutation itself.
type RuleHistory struct {
	ID        string    `db:"id" json:"id"`
	RuleID    string    `db:"rule_id" json:"rule_id"`
	Action    string    `db:"action" json:"action"`
	OldValues *string   `db:"old_values" json:"old_values,omitempty"`
	NewValues *string   `db:"new_values" json:"new_values,omitempty"`
	ChangedBy string    `db:"changed_by" json:"changed_by"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
}

// TransactionStats represents transaction statistics for the admin surface
type TransactionStats struct {
	Total     int `db:"total" json:"total"`
	Queued    int `db:"queued" json:"queued"`
	Processed int `db:"processed" json:"processed"`
	Alerted   int `db:"alerted" json:"alerted"`
}

// SenderCount is one row of the top-senders breakdown
type SenderCount struct {
	SenderAccount string `db:"sender_account" json:"sender_account"`
	Count         int    `db:"count" json:"count"`
}

// TransactionFilter represents listing options for the admin surface
type TransactionFilter struct {
	Status  string `json:"status,omitempty"`
	Page    int    `json:"page,omitempty"`
	PerPage int    `json:"per_page,omitempty"`
}
