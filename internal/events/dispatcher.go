package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/nugget/jarvis/internal/metrics"
)

// ErrStopped is returned by Enqueue once the dispatcher has shut down.
var ErrStopped = errors.New("event dispatcher stopped")

// Handler processes one event. It runs on the event's conversation
// worker; a conversation never has two handlers running at once.
type Handler func(ctx context.Context, ev Event)

// Dispatcher reads one ordered inbound channel and fans events out to
// per-conversation FIFO workers. Different conversations run
// concurrently.
type Dispatcher struct {
	in      chan Event
	handler Handler
	logger  *slog.Logger

	mu     sync.Mutex
	queues map[string][]Event // pending events per conversation with a live worker
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewDispatcher creates a dispatcher with an inbound buffer of size
// buffer.
func NewDispatcher(handler Handler, buffer int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Dispatcher{
		in:      make(chan Event, buffer),
		handler: handler,
		logger:  logger,
		queues:  make(map[string][]Event),
		done:    make(chan struct{}),
	}
}

// Enqueue submits an event. It blocks while the inbound buffer is full
// until ctx is done. A nil error means the event was accepted.
func (d *Dispatcher) Enqueue(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = newID()
	}
	select {
	case <-d.done:
		return ErrStopped
	default:
	}
	select {
	case d.in <- ev:
		metrics.EventsEnqueuedTotal.WithLabelValues(string(ev.Origin)).Inc()
		return nil
	case <-d.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run routes events until ctx is done, then waits for in-flight cycles
// to finish. Events still queued at shutdown are dropped with a log
// line.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			d.logDropped()
			return nil
		case ev := <-d.in:
			d.route(ctx, ev)
		}
	}
}

func (d *Dispatcher) route(ctx context.Context, ev Event) {
	key := ev.ConversationID
	d.mu.Lock()
	defer d.mu.Unlock()

	if q, running := d.queues[key]; running {
		d.queues[key] = append(q, ev)
		d.logger.Debug("event queued behind active cycle",
			"conversation", key, "origin", ev.Origin, "pending", len(q)+1)
		return
	}

	d.queues[key] = []Event{}
	d.wg.Add(1)
	go d.work(ctx, key, ev)
}

// work drains one conversation's queue, then exits.
func (d *Dispatcher) work(ctx context.Context, key string, ev Event) {
	defer d.wg.Done()
	for {
		d.handle(ctx, ev)

		d.mu.Lock()
		q := d.queues[key]
		if len(q) == 0 || ctx.Err() != nil {
			if len(q) > 0 {
				d.logger.Warn("dropping queued events at shutdown", "conversation", key, "count", len(q))
			}
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		ev, d.queues[key] = q[0], q[1:]
		d.mu.Unlock()
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				"conversation", ev.ConversationID, "origin", ev.Origin, "panic", r)
		}
	}()
	d.handler(ctx, ev)
}

func (d *Dispatcher) logDropped() {
	for {
		select {
		case ev := <-d.in:
			d.logger.Warn("dropping event at shutdown", "conversation", ev.ConversationID, "origin", ev.Origin)
		default:
			return
		}
	}
}
