// Package queue is the hand-off between the capture source and the workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/firm/internal/types"
)

// ErrClosed is returned by Push and Pop once Close has been called and, for
// Pop, the queue has been drained.
var ErrClosed = errors.New("queue closed")

// Policy decides what Push does when a bounded queue is full.
type Policy string

const (
	Block      Policy = "block"       // producer waits for room
	DropOldest Policy = "drop-oldest" // evict the head, keep the fresh batch
	DropNewest Policy = "drop-newest" // discard the incoming batch
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case Block, DropOldest, DropNewest:
		return p, nil
	default:
		return "", fmt.Errorf("unknown queue policy %q", s)
	}
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"` // 0 = unbounded
	Pushed    uint64 `json:"pushed"`
	Popped    uint64 `json:"popped"`
	Completed uint64 `json:"completed"`
	Dropped   uint64 `json:"dropped"`
}

// Queue is a FIFO of frame batches safe for one producer and many consumers.
// With capacity 0 it is unbounded and Push never blocks; that trades memory
// for never stalling capture, so bounded is the default.
type Queue struct {
	mu       sync.Mutex
	items    []types.Batch
	capacity int
	policy   Policy
	closed   bool

	// notEmpty / notFull are closed and replaced whenever the respective
	// condition may have changed, waking every waiter.
	notEmpty chan struct{}
	notFull  chan struct{}

	pushed, popped, completed, dropped uint64
}

func New(capacity int, policy Policy) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		capacity: capacity,
		policy:   policy,
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
	}
}

// Push enqueues b. It returns false if b (or, under DropOldest, an older
// batch) was dropped. Under Block it waits for room until ctx is done.
func (q *Queue) Push(ctx context.Context, b types.Batch) (bool, error) {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return false, ErrClosed
		}
		if q.capacity == 0 || len(q.items) < q.capacity {
			break
		}

		switch q.policy {
		case DropNewest:
			q.dropped++
			q.mu.Unlock()
			return false, nil
		case DropOldest:
			q.items[0] = nil
			q.items = q.items[1:]
			q.dropped++
			q.appendLocked(b)
			q.mu.Unlock()
			return false, nil
		}

		wait := q.notFull
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		q.mu.Lock()
	}

	q.appendLocked(b)
	q.mu.Unlock()
	return true, nil
}

func (q *Queue) appendLocked(b types.Batch) {
	q.items = append(q.items, b)
	q.pushed++
	close(q.notEmpty)
	q.notEmpty = make(chan struct{})
}

// Pop blocks until a batch is available, ctx is done, or the queue is closed
// and empty. Every batch returned must be acknowledged with Done.
func (q *Queue) Pop(ctx context.Context) (types.Batch, error) {
	q.mu.Lock()
	for len(q.items) == 0 {
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		wait := q.notEmpty
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		q.mu.Lock()
	}

	b := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.popped++
	close(q.notFull)
	q.notFull = make(chan struct{})
	q.mu.Unlock()
	return b, nil
}

// Done marks one popped batch as processed. Bookkeeping only.
func (q *Queue) Done() {
	q.mu.Lock()
	q.completed++
	q.mu.Unlock()
}

// Close wakes every blocked Push and Pop. Batches still queued can be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notEmpty)
	close(q.notFull)
	q.notEmpty = make(chan struct{})
	q.notFull = make(chan struct{})
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:     len(q.items),
		Capacity:  q.capacity,
		Pushed:    q.pushed,
		Popped:    q.popped,
		Completed: q.completed,
		Dropped:   q.dropped,
	}
}
