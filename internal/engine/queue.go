// Package engine contains the trade execution core: an in-process keyed FIFO
// queue that serializes trades touching the same book, and the executor that
// prices and settles them inside a database transaction.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/predictlabs/exchange/internal/domain"
)

// DefaultQueueTimeout bounds how long an operation may wait for its turn.
const DefaultQueueTimeout = 30 * time.Second

// KeyedQueue forces operations sharing a key to run strictly sequentially
// within this process. It reduces row-lock contention on hot books; the
// database row lock remains the correctness boundary across processes.
//
// Each key holds a chain of hand-off channels: an enqueued operation waits on
// its predecessor's channel and closes its own when finished, so ordering is
// FIFO by construction. A timed-out waiter still closes its channel, so one
// expiry never stalls the operations queued behind it.
type KeyedQueue struct {
	mu      sync.Mutex
	tails   map[string]chan struct{}
	pending map[string]int
	timeout time.Duration
}

// NewKeyedQueue creates a queue with the given wait timeout; zero or negative
// values fall back to DefaultQueueTimeout.
func NewKeyedQueue(timeout time.Duration) *KeyedQueue {
	if timeout <= 0 {
		timeout = DefaultQueueTimeout
	}
	return &KeyedQueue{
		tails:   make(map[string]chan struct{}),
		pending: make(map[string]int),
		timeout: timeout,
	}
}

// Do enqueues fn under key and runs it once every previously enqueued
// operation for that key has finished. It returns domain.ErrQueueTimeout if
// the operation's turn does not arrive within the queue timeout, or the
// context error if ctx is cancelled while waiting. fn's own error is
// returned unchanged.
func (q *KeyedQueue) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	q.mu.Lock()
	prev := q.tails[key]
	done := make(chan struct{})
	q.tails[key] = done
	q.pending[key]++
	q.mu.Unlock()

	release := func() {
		close(done)
		q.mu.Lock()
		q.pending[key]--
		if q.pending[key] == 0 {
			delete(q.pending, key)
			if q.tails[key] == done {
				delete(q.tails, key)
			}
		}
		q.mu.Unlock()
	}

	if prev != nil {
		timer := time.NewTimer(q.timeout)
		defer timer.Stop()

		select {
		case <-prev:
		case <-timer.C:
			// Rejected, but successors must still wait for the predecessor:
			// releasing early would let them overlap with the running head.
			go func() {
				<-prev
				release()
			}()
			return domain.ErrQueueTimeout
		case <-ctx.Done():
			go func() {
				<-prev
				release()
			}()
			return ctx.Err()
		}
	}

	defer release()
	return fn(ctx)
}

// Depth returns the number of operations currently queued or running for key.
func (q *KeyedQueue) Depth(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[key]
}
