// Package session maintains the device's single logical session with the
// cloud broker.
//
// A [Manager] dials a TLS transport, performs the broker handshake and
// then pumps the connection, dispatching inbound messages onto the event
// bus. It only tries while the network coordinator reports connectivity.
// Connection attempts are bounded by a retry budget with exponential
// backoff; when the budget is spent the manager announces that it gave
// up and asks the network for a restart.
package session

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrNeedMoreData means the codec has nothing to deliver yet. It is
	// not a failure; the caller retries after a short delay.
	ErrNeedMoreData = errors.New("session: need more data")

	// ErrRetriesExhausted is returned once the connect retry budget is
	// spent. Further connects fail without dialing until the budget is
	// reset.
	ErrRetriesExhausted = errors.New("session: retries exhausted")

	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("session: not connected")
)

// State is the session's lifecycle state.
type State int32

const (
	// Disconnected means no session exists.
	Disconnected State = iota
	// Connecting means a connect-with-retries call is in progress.
	Connecting
	// Connected means the broker accepted the session.
	Connected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Message is one application message to or from the broker.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Status is a point-in-time copy of the session bookkeeping.
type Status struct {
	State State

	// Connecting is true while a connect-with-retries call runs.
	Connecting bool

	// ClientSessionPresent records whether this device believes a prior
	// session exists. It decides whether the next CONNECT asks to resume.
	ClientSessionPresent bool

	// BrokerSessionPresent is what the broker reported in the last
	// CONNACK.
	BrokerSessionPresent bool

	// RetryAttempt counts connect attempts since the budget was last
	// reset.
	RetryAttempt int

	// Outbox is the number of undelivered messages awaiting a session.
	Outbox int
}

// Network is the part of the connectivity coordinator the manager needs.
type Network interface {
	IsConnected() bool
	Restart()
}

// Dialer opens the secure transport to the broker.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// Handshaker runs the broker handshake over an established transport.
// cleanStart asks the broker to discard prior session state. It returns
// whether the broker still holds a session for this client.
type Handshaker interface {
	Handshake(ctx context.Context, conn net.Conn, cleanStart bool) (Conn, bool, error)
}

// Conn is a live broker session.
type Conn interface {
	// Process delivers the next inbound message. It returns
	// ErrNeedMoreData when nothing is pending; any other error is fatal
	// to the session.
	Process(ctx context.Context) (Message, error)

	// Publish sends one message and waits for its acknowledgement when
	// QoS > 0.
	Publish(ctx context.Context, m Message) error

	// Disconnect sends the graceful session-close message.
	Disconnect(ctx context.Context) error

	// Close tears down the transport.
	Close() error
}
