package scheduler

import (
	"context"
	"sync"

	"github.com/openbuilders/payout-orchestrator/internal/metrics"

	"github.com/google/uuid"
)

// dispatchQueue is the FIFO of job ids waiting for a worker, shared by all
// batches. A job id is held at most once.
type dispatchQueue struct {
	mu     sync.Mutex
	items  []uuid.UUID
	queued map[uuid.UUID]struct{}
	notify chan struct{}
}

func newDispatchQueue() *dispatchQueue {
	return &dispatchQueue{
		queued: make(map[uuid.UUID]struct{}),
		notify: make(chan struct{}, 1),
	}
}

// push appends id unless it is already waiting.
func (q *dispatchQueue) push(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queued[id]; ok {
		return false
	}

	q.items = append(q.items, id)
	q.queued[id] = struct{}{}
	metrics.QueueDepth.Set(float64(len(q.items)))

	q.signal()

	return true
}

// pop blocks until an id is available or ctx is done.
func (q *dispatchQueue) pop(ctx context.Context) (uuid.UUID, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items[0] = uuid.Nil
			q.items = q.items[1:]
			delete(q.queued, id)
			metrics.QueueDepth.Set(float64(len(q.items)))

			// hand the baton to the next waiting worker
			if len(q.items) > 0 {
				q.signal()
			}
			q.mu.Unlock()

			return id, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return uuid.Nil, false
		case <-q.notify:
		}
	}
}

func (q *dispatchQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

func (q *dispatchQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
