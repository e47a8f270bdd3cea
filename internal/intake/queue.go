package intake

import (
	"context"
	"sync"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
)

// Queue is a FIFO of issues awaiting scoring. It is safe for concurrent
// producers and consumers.
type Queue struct {
	mu     sync.Mutex
	items  []domain.Issue
	signal chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Push appends an issue.
func (q *Queue) Push(issue domain.Issue) {
	q.mu.Lock()
	q.items = append(q.items, issue)
	q.mu.Unlock()
	q.notify()
}

// Pop removes the oldest issue, blocking until one is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (domain.Issue, error) {
	for {
		if issue, ok := q.TryPop(); ok {
			return issue, nil
		}
		select {
		case <-ctx.Done():
			return domain.Issue{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// TryPop removes the oldest issue without blocking.
func (q *Queue) TryPop() (domain.Issue, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return domain.Issue{}, false
	}
	issue := q.items[0]
	q.items = q.items[1:]
	remaining := len(q.items)
	q.mu.Unlock()

	// Wake another waiter if work is left.
	if remaining > 0 {
		q.notify()
	}
	return issue, true
}

// Drain removes and returns everything currently queued.
func (q *Queue) Drain() []domain.Issue {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of queued issues.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Queues holds one queue per session.
type Queues struct {
	mu sync.Mutex
	m  map[string]*Queue
}

// NewQueues creates an empty registry.
func NewQueues() *Queues {
	return &Queues{m: make(map[string]*Queue)}
}

// For returns the session's queue, creating it on first use.
func (qs *Queues) For(sessionID string) *Queue {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	q, ok := qs.m[sessionID]
	if !ok {
		q = NewQueue()
		qs.m[sessionID] = q
	}
	return q
}

// Remove drops a session's queue.
func (qs *Queues) Remove(sessionID string) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	delete(qs.m, sessionID)
}
