package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraudwatch/scoring-engine/internal/config"
	"github.com/fraudwatch/scoring-engine/internal/database"
	"github.com/fraudwatch/scoring-engine/internal/engine"
	"github.com/fraudwatch/scoring-engine/internal/metrics"
	"github.com/fraudwatch/scoring-engine/internal/queue"
)

var testCollector = metrics.NewCollector(
	config.MetricsConfig{CollectionInterval: time.Minute},
	slog.New(slog.NewTextHandler(io.Discard, nil)),
	nil, nil,
)

type mockStore struct {
	mu        sync.Mutex
	existing  map[string]bool
	existsErr error
	insertErr error
	history   []*database.Transaction
	inserted  []*database.Transaction
}

func (m *mockStore) Exists(ctx context.Context, correlationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsErr != nil {
		return false, m.existsErr
	}
	return m.existing[correlationID], nil
}

func (m *mockStore) Insert(ctx context.Context, tx *database.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.inserted = append(m.inserted, tx)
	return nil
}

func (m *mockStore) Snapshot(ctx context.Context, sender string, since time.Time) ([]*database.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history, nil
}

func (m *mockStore) insertedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.inserted))
	for _, tx := range m.inserted {
		ids = append(ids, tx.CorrelationID)
	}
	return ids
}

type fakeEvaluator struct {
	results []engine.Result
	err     error
}

func (f *fakeEvaluator) EvaluateAll(ctx context.Context, tx *database.Transaction, history []*database.Transaction, now time.Time) ([]engine.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type fakeDispatcher struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeDispatcher) Notify(ctx context.Context, tx *database.Transaction, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
}

func (f *fakeDispatcher) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reasons...)
}

type fakePublisher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakePublisher) PublishScored(ctx context.Context, tx *database.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func ruleFixture(name, ruleType string) *database.Rule {
	return &database.Rule{
		ID:       "rule-" + name,
		Name:     name,
		RuleType: ruleType,
		Enabled:  true,
	}
}

func queuedTx(id string) *database.Transaction {
	return &database.Transaction{
		CorrelationID:   id,
		SenderAccount:   "ACC11111",
		ReceiverAccount: "ACC22222",
		Amount:          1500.0,
		TransactionType: "payment",
		Timestamp:       time.Now().UTC(),
		Status:          database.StatusQueued,
	}
}

func newTestWorker(store *mockStore, eval Evaluator, disp Dispatcher, pub Publisher) *Worker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.PipelineConfig{
		PollInterval:  5 * time.Millisecond,
		HistoryWindow: time.Hour,
	}
	return New(cfg, logger, queue.New(), store, eval, disp, pub, testCollector)
}

func TestWorker_ProcessAlerted(t *testing.T) {
	store := &mockStore{}
	eval := &fakeEvaluator{results: []engine.Result{
		{Rule: ruleFixture("big-amount", database.RuleTypeThreshold), Fired: true, Reason: "amount 1500.0 > 1000"},
		{Rule: ruleFixture("velocity", database.RuleTypePattern), Fired: false},
	}}
	disp := &fakeDispatcher{}
	pub := &fakePublisher{}

	w := newTestWorker(store, eval, disp, pub)
	w.process(context.Background(), queuedTx("tx-1"))

	require.Len(t, store.inserted, 1)
	got := store.inserted[0]
	assert.Equal(t, database.StatusAlerted, got.Status)
	assert.Equal(t, "amount 1500.0 > 1000", got.Alerts)

	assert.Equal(t, []string{"amount 1500.0 > 1000"}, disp.sent())
	assert.Equal(t, 1, pub.calls)
}

func TestWorker_ProcessClean(t *testing.T) {
	store := &mockStore{}
	eval := &fakeEvaluator{results: []engine.Result{
		{Rule: ruleFixture("big-amount", database.RuleTypeThreshold), Fired: false},
	}}
	disp := &fakeDispatcher{}

	w := newTestWorker(store, eval, disp, nil)
	w.process(context.Background(), queuedTx("tx-1"))

	require.Len(t, store.inserted, 1)
	assert.Equal(t, database.StatusProcessed, store.inserted[0].Status)
	assert.Empty(t, store.inserted[0].Alerts)
	assert.Empty(t, disp.sent(), "clean transactions never notify")
}

func TestWorker_ReasonsJoinedInRuleOrder(t *testing.T) {
	store := &mockStore{}
	eval := &fakeEvaluator{results: []engine.Result{
		{Rule: ruleFixture("a-rule", database.RuleTypeThreshold), Fired: true, Reason: "amount 1500.0 > 1000"},
		{Rule: ruleFixture("b-rule", database.RuleTypePattern), Fired: true, Reason: "3 tx in last 5 min"},
	}}
	disp := &fakeDispatcher{}

	w := newTestWorker(store, eval, disp, nil)
	w.process(context.Background(), queuedTx("tx-1"))

	require.Len(t, store.inserted, 1)
	assert.Equal(t, "amount 1500.0 > 1000; 3 tx in last 5 min", store.inserted[0].Alerts)
	assert.Equal(t, []string{"amount 1500.0 > 1000", "3 tx in last 5 min"}, disp.sent())
}

func TestWorker_RuleFaultIsolation(t *testing.T) {
	store := &mockStore{}
	eval := &fakeEvaluator{results: []engine.Result{
		{Rule: ruleFixture("broken", database.RuleTypeComposite), Err: errors.New("rule evaluation panic: boom")},
		{Rule: ruleFixture("big-amount", database.RuleTypeThreshold), Fired: true, Reason: "amount 1500.0 > 1000"},
	}}
	disp := &fakeDispatcher{}

	w := newTestWorker(store, eval, disp, nil)
	w.process(context.Background(), queuedTx("tx-1"))

	require.Len(t, store.inserted, 1)
	assert.Equal(t, database.StatusAlerted, store.inserted[0].Status)
	assert.Equal(t, "amount 1500.0 > 1000", store.inserted[0].Alerts,
		"the faulted rule neither fires nor blocks the others")
}

func TestWorker_DuplicateSkipped(t *testing.T) {
	store := &mockStore{existing: map[string]bool{"tx-1": true}}
	eval := &fakeEvaluator{}
	disp := &fakeDispatcher{}

	w := newTestWorker(store, eval, disp, nil)
	w.process(context.Background(), queuedTx("tx-1"))

	assert.Empty(t, store.inserted, "already persisted transactions are dropped")
	assert.Empty(t, disp.sent())
}

func TestWorker_InsertDuplicateAbandons(t *testing.T) {
	store := &mockStore{insertErr: fmt.Errorf("transaction tx-1: %w", database.ErrDuplicate)}
	eval := &fakeEvaluator{results: []engine.Result{
		{Rule: ruleFixture("big-amount", database.RuleTypeThreshold), Fired: true, Reason: "amount 1500.0 > 1000"},
	}}
	disp := &fakeDispatcher{}
	pub := &fakePublisher{}

	w := newTestWorker(store, eval, disp, pub)
	w.process(context.Background(), queuedTx("tx-1"))

	assert.Empty(t, disp.sent(), "no notification without a commit")
	assert.Zero(t, pub.calls)
}

func TestWorker_DBErrorAbandons(t *testing.T) {
	store := &mockStore{insertErr: errors.New("connection reset")}
	eval := &fakeEvaluator{results: []engine.Result{
		{Rule: ruleFixture("big-amount", database.RuleTypeThreshold), Fired: true, Reason: "amount 1500.0 > 1000"},
	}}
	disp := &fakeDispatcher{}

	w := newTestWorker(store, eval, disp, nil)
	w.process(context.Background(), queuedTx("tx-1"))

	assert.Empty(t, disp.sent())
}

func TestWorker_PublisherFailureTolerated(t *testing.T) {
	store := &mockStore{}
	eval := &fakeEvaluator{results: []engine.Result{
		{Rule: ruleFixture("big-amount", database.RuleTypeThreshold), Fired: true, Reason: "amount 1500.0 > 1000"},
	}}
	disp := &fakeDispatcher{}
	pub := &fakePublisher{err: errors.New("broker unreachable")}

	w := newTestWorker(store, eval, disp, pub)
	w.process(context.Background(), queuedTx("tx-1"))

	require.Len(t, store.inserted, 1)
	assert.Equal(t, database.StatusAlerted, store.inserted[0].Status)
	assert.Equal(t, []string{"amount 1500.0 > 1000"}, disp.sent(),
		"publish failures never unwind the pipeline")
}

func TestWorker_RunDrainsFIFO(t *testing.T) {
	store := &mockStore{}
	eval := &fakeEvaluator{}
	disp := &fakeDispatcher{}

	w := newTestWorker(store, eval, disp, nil)

	for i := 1; i <= 5; i++ {
		require.NoError(t, w.queue.Enqueue(queuedTx(fmt.Sprintf("tx-%d", i))))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(store.insertedIDs()) == 5
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, []string{"tx-1", "tx-2", "tx-3", "tx-4", "tx-5"}, store.insertedIDs(),
		"transactions are persisted in acceptance order")
	assert.Zero(t, w.queue.Len())
}
