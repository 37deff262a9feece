package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolation(t *testing.T) {
	t.Run("pq unique violation", func(t *testing.T) {
		err := &pq.Error{Code: "23505"}
		assert.True(t, isUniqueViolation(err))
	})

	t.Run("wrapped pq unique violation", func(t *testing.T) {
		err := fmt.Errorf("insert failed: %w", &pq.Error{Code: "23505"})
		assert.True(t, isUniqueViolation(err))
	})

	t.Run("other pq error", func(t *testing.T) {
		err := &pq.Error{Code: "23503"}
		assert.False(t, isUniqueViolation(err))
	})

	t.Run("plain error", func(t *testing.T) {
		assert.False(t, isUniqueViolation(errors.New("connection reset")))
	})
}

func TestSentinelErrorsWrap(t *testing.T) {
	notFound := fmt.Errorf("rule abc: %w", ErrNotFound)
	assert.True(t, errors.Is(notFound, ErrNotFound))

	duplicate := fmt.Errorf("transaction xyz: %w", ErrDuplicate)
	assert.True(t, errors.Is(duplicate, ErrDuplicate))
}

func TestSnapshotJSON(t *testing.T) {
	rule := &Rule{
		ID:       "rule-1",
		Name:     "big-amount",
		RuleType: RuleTypeThreshold,
		Params:   `{"value":1000}`,
		Enabled:  true,
	}

	snap := snapshotJSON(rule)
	require.NotNil(t, snap)
	assert.Contains(t, *snap, `"id":"rule-1"`)
	assert.Contains(t, *snap, `"rule_type":"threshold"`)
}
