package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraudwatch/scoring-engine/internal/config"
	"github.com/fraudwatch/scoring-engine/internal/queue"
)

type stubHandler struct {
	name  string
	calls int
	err   error
}

func (h *stubHandler) Execute(ctx context.Context) error {
	h.calls++
	return h.err
}

func (h *stubHandler) Name() string        { return h.name }
func (h *stubHandler) Description() string { return "stub" }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_Register(t *testing.T) {
	s := New(config.SchedulerConfig{}, testLogger())

	t.Run("accepts six-field schedule", func(t *testing.T) {
		err := s.Register("0 0 3 * * *", &stubHandler{name: "cleanup"})
		assert.NoError(t, err)
	})

	t.Run("rejects malformed schedule", func(t *testing.T) {
		err := s.Register("not-a-schedule", &stubHandler{name: "broken"})
		assert.Error(t, err)
	})
}

func TestScheduler_ExecuteTaskTracksRuns(t *testing.T) {
	s := New(config.SchedulerConfig{}, testLogger())

	handler := &stubHandler{name: "cleanup"}
	require.NoError(t, s.Register("0 0 3 * * *", handler))

	task := s.tasks["cleanup"]
	require.NotNil(t, task)

	s.executeTask(task)
	assert.Equal(t, 1, handler.calls)
	assert.EqualValues(t, 1, task.RunCount)
	assert.EqualValues(t, 0, task.ErrorCount)

	handler.err = errors.New("boom")
	s.executeTask(task)
	assert.EqualValues(t, 2, task.RunCount)
	assert.EqualValues(t, 1, task.ErrorCount)
}

type stubRetentionStore struct {
	gotCutoff time.Time
	deleted   int64
	err       error
}

func (s *stubRetentionStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.gotCutoff = cutoff
	return s.deleted, s.err
}

func TestRetentionCleanupHandler(t *testing.T) {
	t.Run("deletes past the retention window", func(t *testing.T) {
		store := &stubRetentionStore{deleted: 42}
		h := NewRetentionCleanupHandler(90, store, testLogger())

		err := h.Execute(context.Background())
		require.NoError(t, err)

		wantCutoff := time.Now().UTC().AddDate(0, 0, -90)
		assert.WithinDuration(t, wantCutoff, store.gotCutoff, time.Minute)
	})

	t.Run("propagates store errors", func(t *testing.T) {
		store := &stubRetentionStore{err: errors.New("connection refused")}
		h := NewRetentionCleanupHandler(90, store, testLogger())

		assert.Error(t, h.Execute(context.Background()))
	})
}

type stubPinger struct {
	err error
}

func (p *stubPinger) PingContext(ctx context.Context) error { return p.err }

func TestHealthCheckHandler(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		h := NewHealthCheckHandler(&stubPinger{}, queue.New(), testLogger())
		assert.NoError(t, h.Execute(context.Background()))
	})

	t.Run("database down", func(t *testing.T) {
		h := NewHealthCheckHandler(&stubPinger{err: errors.New("no route to host")}, queue.New(), testLogger())
		assert.Error(t, h.Execute(context.Background()))
	})
}
