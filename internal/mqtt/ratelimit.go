package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// inboundLimiter admits at most limit broker messages per window and
// counts the rest as dropped. allow runs on the paho receive goroutine
// and only touches atomics.
type inboundLimiter struct {
	limit  int64
	window time.Duration
	logger *slog.Logger

	seen    atomic.Int64
	dropped atomic.Int64
}

func newInboundLimiter(limit int64, window time.Duration, logger *slog.Logger) *inboundLimiter {
	return &inboundLimiter{limit: limit, window: window, logger: logger}
}

// run opens a fresh window every r.window until ctx is done.
func (r *inboundLimiter) run(ctx context.Context) {
	t := time.NewTicker(r.window)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.rollover()
		}
	}
}

// rollover ends the current window, warning if it dropped anything.
func (r *inboundLimiter) rollover() {
	seen, dropped := r.seen.Swap(0), r.dropped.Swap(0)
	if dropped == 0 {
		return
	}
	r.logger.Warn("broker flooding, inbound messages dropped",
		"seen", seen,
		"dropped", dropped,
		"limit", r.limit,
		"window", r.window,
	)
}

// allow admits one message if the window has room.
func (r *inboundLimiter) allow() bool {
	if r.seen.Add(1) <= r.limit {
		return true
	}
	r.dropped.Add(1)
	return false
}
