package events

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the buffer depth used by the component loops.
const DefaultQueueSize = 32

// Queue is a bounded FIFO owned by exactly one consuming goroutine. Any
// number of producers may Post to it; Post never blocks.
type Queue struct {
	name    string
	ch      chan Event
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewQueue creates a queue with the given capacity. A size below one is
// replaced with [DefaultQueueSize].
func NewQueue(name string, size int, logger *slog.Logger) *Queue {
	if size < 1 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		name:   name,
		ch:     make(chan Event, size),
		logger: logger,
	}
}

// Name returns the queue's diagnostic name.
func (q *Queue) Name() string { return q.name }

// Post enqueues e. If the queue is full the event is dropped, counted,
// and false is returned.
func (q *Queue) Post(e Event) bool {
	select {
	case q.ch <- e:
		return true
	default:
		n := q.dropped.Add(1)
		q.logger.Warn("event queue full, dropping event",
			"queue", q.name,
			"source", e.Source,
			"kind", e.Kind,
			"dropped_total", n,
		)
		return false
	}
}

// Receive blocks until an event arrives, timeout elapses or ctx is done.
// It returns ok=false on timeout and a non-nil error only when ctx is
// done. A non-positive timeout waits without a deadline.
func (q *Queue) Receive(ctx context.Context, timeout time.Duration) (e Event, ok bool, err error) {
	if timeout <= 0 {
		select {
		case <-ctx.Done():
			return Event{}, false, ctx.Err()
		case e = <-q.ch:
			return e, true, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Event{}, false, ctx.Err()
	case e = <-q.ch:
		return e, true, nil
	case <-timer.C:
		return Event{}, false, nil
	}
}

// TryReceive returns the next queued event without blocking.
func (q *Queue) TryReceive() (Event, bool) {
	select {
	case e := <-q.ch:
		return e, true
	default:
		return Event{}, false
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int { return len(q.ch) }

// Dropped returns how many events were discarded because the queue was
// full.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }
