// Package indicator is the boundary to the charge point's status
// display. The orchestrator is its only caller.
package indicator

import (
	"log/slog"
	"sync"
)

// Status names understood by every indicator. Charge-point statuses
// received from the cloud are passed through verbatim.
const (
	StatusOff            = "off"
	StatusUnprovisioned  = "unprovisioned"
	StatusOffline        = "offline"
	StatusAwaitingStatus = "awaiting_status"
)

// Indicator shows a named status with a progress percentage. Calls are
// fire-and-forget.
type Indicator interface {
	SetStatus(name string, percent int)
}

// Log is an Indicator for hosts without a physical display. It logs
// each change and remembers the last status.
type Log struct {
	logger *slog.Logger

	mu      sync.Mutex
	name    string
	percent int
	changes int
}

// NewLog creates a logging indicator.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "indicator"), name: StatusOff}
}

// SetStatus records and logs the status. Repeating the current status
// is not logged.
func (l *Log) SetStatus(name string, percent int) {
	percent = max(0, min(100, percent))

	l.mu.Lock()
	same := name == l.name && percent == l.percent
	l.name = name
	l.percent = percent
	if !same {
		l.changes++
	}
	l.mu.Unlock()

	if !same {
		l.logger.Info("indicator status", "status", name, "percent", percent)
	}
}

// Status returns the last status shown.
func (l *Log) Status() (name string, percent int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.name, l.percent
}

// Changes returns how many distinct statuses have been shown.
func (l *Log) Changes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changes
}
