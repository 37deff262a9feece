package queue

import (
	"errors"
	"sync"

	"github.com/fraudwatch/scoring-engine/internal/database"
)

// ErrDuplicate is returned when a transaction with the same correlation id
// is already waiting in the queue.
var ErrDuplicate = errors.New("duplicate correlation id in queue")

// Queue is an unbounded in-memory FIFO of transactions awaiting scoring.
// Multiple producers enqueue, a single worker consumes. An id index makes
// the duplicate scan O(1) and atomic with the append.
type Queue struct {
	mu    sync.Mutex
	items []*database.Transaction
	ids   map[string]struct{}
}

// New creates an empty queue
func New() *Queue {
	return &Queue{
		ids: make(map[string]struct{}),
	}
}

// Enqueue appends a transaction to the tail. A correlation id already in
// the queue is rejected with ErrDuplicate.
func (q *Queue) Enqueue(tx *database.Transaction) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.ids[tx.CorrelationID]; ok {
		return ErrDuplicate
	}

	q.items = append(q.items, tx)
	q.ids[tx.CorrelationID] = struct{}{}
	return nil
}

// Dequeue pops the head of the queue. The second return value is false when
// the queue is empty.
func (q *Queue) Dequeue() (*database.Transaction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}

	tx := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	delete(q.ids, tx.CorrelationID)
	return tx, true
}

// Contains reports whether a transaction with the given correlation id is
// waiting in the queue.
func (q *Queue) Contains(correlationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.ids[correlationID]
	return ok
}

// Len returns the number of queued transactions
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}
