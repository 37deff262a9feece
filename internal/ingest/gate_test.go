package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraudwatch/scoring-engine/internal/config"
	"github.com/fraudwatch/scoring-engine/internal/metrics"
	"github.com/fraudwatch/scoring-engine/internal/queue"
)

var testCollector = metrics.NewCollector(
	config.MetricsConfig{CollectionInterval: time.Minute},
	slog.New(slog.NewTextHandler(io.Discard, nil)),
	nil, nil,
)

type mockStore struct {
	existing map[string]bool
	err      error
}

func (m *mockStore) Exists(ctx context.Context, correlationID string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.existing[correlationID], nil
}

func newTestGate(cfg config.PipelineConfig, store *mockStore) (*Gate, *queue.Queue) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.New()
	return NewGate(cfg, logger, store, q, testCollector), q
}

func validSubmission() Submission {
	return Submission{
		SenderAccount:   "ACC11111",
		ReceiverAccount: "ACC22222",
		Amount:          250.0,
		TransactionType: "payment",
	}
}

func TestGate_Submit(t *testing.T) {
	gate, q := newTestGate(config.PipelineConfig{}, &mockStore{})

	before := time.Now().UTC()
	tx, err := gate.Submit(context.Background(), validSubmission())
	require.NoError(t, err)
	require.NotNil(t, tx)

	_, parseErr := uuid.Parse(tx.CorrelationID)
	assert.NoError(t, parseErr, "a fresh UUID is stamped when the client supplies none")
	assert.Equal(t, "queued", tx.Status)
	assert.False(t, tx.Timestamp.Before(before), "timestamp is stamped at ingest")
	assert.False(t, tx.Timestamp.After(time.Now().UTC()), "timestamp is never in the future")

	assert.Equal(t, 1, q.Len())
	assert.True(t, q.Contains(tx.CorrelationID))
}

func TestGate_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Submission)
	}{
		{"zero amount", func(s *Submission) { s.Amount = 0 }},
		{"negative amount", func(s *Submission) { s.Amount = -10 }},
		{"unknown type", func(s *Submission) { s.TransactionType = "loan" }},
		{"empty sender", func(s *Submission) { s.SenderAccount = "" }},
		{"empty receiver", func(s *Submission) { s.ReceiverAccount = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, q := newTestGate(config.PipelineConfig{}, &mockStore{})

			sub := validSubmission()
			tt.mutate(&sub)

			tx, err := gate.Submit(context.Background(), sub)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Nil(t, tx)
			assert.Zero(t, q.Len(), "rejected submissions never reach the queue")
		})
	}
}

func TestGate_StrictAccounts(t *testing.T) {
	t.Run("enforced", func(t *testing.T) {
		gate, _ := newTestGate(config.PipelineConfig{StrictAccounts: true}, &mockStore{})

		sub := validSubmission()
		sub.SenderAccount = "acc11111"

		_, err := gate.Submit(context.Background(), sub)
		assert.ErrorIs(t, err, ErrInvalid)

		sub = validSubmission()
		_, err = gate.Submit(context.Background(), sub)
		assert.NoError(t, err, "uppercase alphanumeric ids pass the strict pattern")
	})

	t.Run("disabled", func(t *testing.T) {
		gate, _ := newTestGate(config.PipelineConfig{StrictAccounts: false}, &mockStore{})

		sub := validSubmission()
		sub.SenderAccount = "free-form sender"

		_, err := gate.Submit(context.Background(), sub)
		assert.NoError(t, err)
	})
}

func TestGate_DuplicateInStore(t *testing.T) {
	id := uuid.NewString()
	gate, q := newTestGate(config.PipelineConfig{}, &mockStore{existing: map[string]bool{id: true}})

	sub := validSubmission()
	sub.CorrelationID = id

	tx, err := gate.Submit(context.Background(), sub)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateInStore)
	require.NotNil(t, tx, "the rejected transaction still carries the id")
	assert.Equal(t, id, tx.CorrelationID)
	assert.Zero(t, q.Len())
}

func TestGate_DuplicateInQueue(t *testing.T) {
	gate, q := newTestGate(config.PipelineConfig{}, &mockStore{})

	sub := validSubmission()
	sub.CorrelationID = uuid.NewString()

	_, err := gate.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())

	// Replaying the same id while the first submission is still queued.
	tx, err := gate.Submit(context.Background(), sub)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateInQueue)
	assert.Equal(t, sub.CorrelationID, tx.CorrelationID)
	assert.Equal(t, 1, q.Len())
}

func TestGate_StorePrecedesQueue(t *testing.T) {
	// An id that is somehow both persisted and queued reports the store
	// duplicate: the checks run in a fixed order.
	id := uuid.NewString()
	gate, q := newTestGate(config.PipelineConfig{}, &mockStore{existing: map[string]bool{id: true}})

	sub := validSubmission()
	sub.CorrelationID = id

	_, err := gate.Submit(context.Background(), sub)
	assert.ErrorIs(t, err, ErrDuplicateInStore)
	assert.Zero(t, q.Len())
}

func TestGate_ClientSuppliedID(t *testing.T) {
	t.Run("valid uuid is honored", func(t *testing.T) {
		gate, _ := newTestGate(config.PipelineConfig{}, &mockStore{})

		id := uuid.NewString()
		sub := validSubmission()
		sub.CorrelationID = id

		tx, err := gate.Submit(context.Background(), sub)
		require.NoError(t, err)
		assert.Equal(t, id, tx.CorrelationID)
	})

	t.Run("malformed id gets replaced", func(t *testing.T) {
		gate, _ := newTestGate(config.PipelineConfig{}, &mockStore{})

		sub := validSubmission()
		sub.CorrelationID = "not-a-uuid"

		tx, err := gate.Submit(context.Background(), sub)
		require.NoError(t, err)
		assert.NotEqual(t, "not-a-uuid", tx.CorrelationID)

		_, parseErr := uuid.Parse(tx.CorrelationID)
		assert.NoError(t, parseErr)
	})
}

func TestGate_StoreError(t *testing.T) {
	gate, q := newTestGate(config.PipelineConfig{}, &mockStore{err: errors.New("connection refused")})

	tx, err := gate.Submit(context.Background(), validSubmission())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)
	assert.NotErrorIs(t, err, ErrDuplicateInStore)
	assert.Nil(t, tx)
	assert.Zero(t, q.Len())
}
