// Package events carries every cross-component signal in chargelight.
// Components never share mutable state; instead each long-lived task owns
// a bounded FIFO [Queue] and receives copies of immutable [Event] values,
// either posted to it directly or fanned out by the [Bus]. The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do not
// need guard checks.
package events

import (
	"sync"
	"time"
)

// Source identifies which component produced an event.
type Source string

// Source constants.
const (
	// SourceLink identifies events from an interface connection.
	SourceLink Source = "link"
	// SourceNetwork identifies events from the connectivity coordinator.
	SourceNetwork Source = "network"
	// SourceSession identifies events from the broker session manager.
	SourceSession Source = "session"
	// SourceDevice identifies orchestrator-internal events.
	SourceDevice Source = "device"
)

// Kind describes the type of event within a source.
type Kind string

// Link, network and session state reports.
const (
	KindConnecting    Kind = "connecting"
	KindConnected     Kind = "connected"
	KindDisconnecting Kind = "disconnecting"
	KindDisconnected  Kind = "disconnected"
)

// Commands and timers.
const (
	// KindConnect asks the coordinator to bring links up.
	KindConnect Kind = "connect"
	// KindDisconnect asks the coordinator to bring links down.
	KindDisconnect Kind = "disconnect"
	// KindRestart asks the coordinator to disconnect, settle and connect.
	KindRestart Kind = "restart"
	// KindTimeout is synthesized by a loop whose queue wait expired.
	KindTimeout Kind = "timeout"
	// KindProbeOK and KindProbeFailed carry liveness probe results.
	KindProbeOK     Kind = "probe_ok"
	KindProbeFailed Kind = "probe_failed"
	// KindTurnOn and KindTurnOff drive the device orchestrator.
	KindTurnOn  Kind = "turn_on"
	KindTurnOff Kind = "turn_off"
)

// Session-only kinds.
const (
	// KindGaveUp signals the session manager exhausted its retry budget.
	KindGaveUp Kind = "gave_up"
	// KindMessage carries an inbound broker message.
	// Fields: Topic, Payload.
	KindMessage Kind = "message"
)

// Event is a single immutable signal. It is copied into queues by value
// and never references another component's state.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source Source `json:"source"`
	// Kind describes the type of event within the source.
	Kind Kind `json:"kind"`
	// Interface names the link for SourceLink events ("wifi", "eth").
	Interface string `json:"interface,omitempty"`
	// Topic and Payload are set for KindMessage.
	Topic   string `json:"topic,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	// Err is a human-readable failure reason, if any.
	Err string `json:"error,omitempty"`
}

// New builds an event stamped with the current time.
func New(source Source, kind Kind) Event {
	return Event{Timestamp: time.Now(), Source: source, Kind: kind}
}

// Link builds a SourceLink event for the named interface.
func Link(iface string, kind Kind) Event {
	e := New(SourceLink, kind)
	e.Interface = iface
	return e
}

// Message builds a KindMessage event. The payload is copied so the
// event stays immutable after the producer reuses its buffer.
func Message(topic string, payload []byte) Event {
	e := New(SourceSession, KindMessage)
	e.Topic = topic
	e.Payload = append([]byte(nil), payload...)
	return e
}

// Filter selects which published events a subscriber receives. A nil
// Filter accepts everything.
type Filter func(Event) bool

// FromSources returns a Filter accepting only the listed sources.
func FromSources(sources ...Source) Filter {
	return func(e Event) bool {
		for _, s := range sources {
			if e.Source == s {
				return true
			}
		}
		return false
	}
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on their own bounded queues; a full queue drops the event for that
// subscriber rather than blocking the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Queue]Filter
}

// NewBus creates a new event bus ready for use.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Queue]Filter)}
}

// Publish sends an event to all matching subscribers. Safe to call on a
// nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for q, filter := range b.subs {
		if filter != nil && !filter(e) {
			continue
		}
		q.Post(e)
	}
}

// Subscribe attaches q to the bus. Events matching filter are posted to
// q in publish order.
func (b *Bus) Subscribe(q *Queue, filter Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[q] = filter
}

// Unsubscribe detaches q. Safe to call with a queue that is not
// subscribed (no-op). The queue itself stays usable for direct posts.
func (b *Bus) Unsubscribe(q *Queue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, q)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
