package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/fraudwatch/scoring-engine/internal/config"
	"github.com/fraudwatch/scoring-engine/internal/database"
)

// EventTypeScored is emitted once per transaction that reached a terminal
// status.
const EventTypeScored = "transaction.scored"

// ScoredEvent is the wire payload published for every scored transaction
type ScoredEvent struct {
	EventID         string    `json:"event_id"`
	EventType       string    `json:"event_type"`
	CorrelationID   string    `json:"correlation_id"`
	SenderAccount   string    `json:"sender_account"`
	ReceiverAccount string    `json:"receiver_account"`
	Amount          float64   `json:"amount"`
	TransactionType string    `json:"transaction_type"`
	Status          string    `json:"status"`
	Alerts          string    `json:"alerts"`
	Timestamp       time.Time `json:"timestamp"`
}

// Publisher writes scored-transaction events to Kafka. Publishing runs
// after the outcome is committed; callers treat failures as log-and-continue.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewPublisher creates a Kafka publisher for the configured topic
func NewPublisher(cfg config.EventsConfig, logger *slog.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}

	return &Publisher{
		writer: writer,
		logger: logger,
	}
}

// PublishScored emits one event keyed by correlation id
func (p *Publisher) PublishScored(ctx context.Context, tx *database.Transaction) error {
	event := ScoredEvent{
		EventID:         uuid.NewString(),
		EventType:       EventTypeScored,
		CorrelationID:   tx.CorrelationID,
		SenderAccount:   tx.SenderAccount,
		ReceiverAccount: tx.ReceiverAccount,
		Amount:          tx.Amount,
		TransactionType: tx.TransactionType,
		Status:          tx.Status,
		Alerts:          tx.Alerts,
		Timestamp:       tx.Timestamp,
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize scored event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(tx.CorrelationID),
		Value: value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "source-service", Value: []byte("scoring-engine")},
		},
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("failed to publish scored event: %w", err)
	}

	p.logger.Debug("Published scored event",
		"correlation_id", tx.CorrelationID,
		"status", tx.Status,
	)

	return nil
}

// Close flushes and closes the underlying writer
func (p *Publisher) Close() error {
	return p.writer.Close()
}
