// Package events carries job outcomes from the scheduler to the error
// monitor, the compliance tracker and the notifier.
package events

import (
	"context"
	stderrors "errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/types"
)

type Kind string

const (
	JobSucceeded Kind = "job_succeeded"
	// JobRetrying is published after a retryable attempt that will be retried.
	JobRetrying Kind = "job_retrying"
	// JobFailed is published once per job reaching failed_final.
	JobFailed Kind = "job_failed"
)

var ErrClosed = stderrors.New("event bus is closed")

type Event struct {
	Kind       Kind              `json:"kind"`
	Job        types.TransferJob `json:"job"`
	Outcome    types.Outcome     `json:"outcome"`
	OccurredAt time.Time         `json:"occurred_at"`
}

type Handler func(context.Context, Event)

type subscription struct {
	name    string
	kinds   []Kind
	events  chan Event
	handler Handler
}

func (s *subscription) wants(kind Kind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, kind)
}

// Bus fans events out to subscribers. Each subscriber drains its own buffered
// channel in a dedicated goroutine; a full buffer blocks the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	closed  bool
	started bool
	// closing is closed by Close to release publishers blocked on a full
	// buffer.
	closing    chan struct{}
	publishing sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	log        *slog.Logger
}

func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())

	return &Bus{
		closing: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		log:     slog.With("component", "event-bus"),
	}
}

// Subscribe registers handler for the given kinds, or for every kind when
// none is passed. Subscriptions must be made before Start.
func (b *Bus) Subscribe(name string, buffer int, handler Handler, kinds ...Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		panic("events: Subscribe called after Start")
	}

	b.subs = append(b.subs, &subscription{
		name:    name,
		kinds:   kinds,
		events:  make(chan Event, buffer),
		handler: handler,
	})
}

// Start launches one consumer goroutine per subscription.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return
	}
	b.started = true

	for _, sub := range b.subs {
		b.wg.Add(1)
		go b.consume(sub)
	}
}

func (b *Bus) consume(sub *subscription) {
	defer b.wg.Done()

	log := b.log.With("subscriber", sub.name)
	log.Debug("Subscriber started")

	for event := range sub.events {
		sub.handler(b.ctx, event)
	}

	log.Debug("Subscriber drained")
}

// Publish delivers event to every interested subscriber. It blocks while a
// subscriber buffer is full, unless ctx is done or the bus is closing.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	b.publishing.Add(1)
	b.mu.RUnlock()

	defer b.publishing.Done()

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	for _, sub := range b.subs {
		if !sub.wants(event.Kind) {
			continue
		}

		select {
		case sub.events <- event:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closing:
			b.log.Warn("event dropped on close",
				"subscriber", sub.name,
				"kind", event.Kind,
				"job", event.Job.ID,
			)
			return ErrClosed
		}
	}

	return nil
}

// Close stops accepting events and waits for the subscribers to drain their
// buffers. When ctx expires first, the handlers' context is cancelled so
// blocked handlers can return.
func (b *Bus) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.closing)
	b.mu.Unlock()

	// no publisher may send once the channels are closed
	b.publishing.Wait()
	for _, sub := range b.subs {
		close(sub.events)
	}

	drained := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		b.log.Warn("event bus drain timed out, cancelling handlers")
		b.cancel()
		<-drained
	}

	b.cancel()
}
