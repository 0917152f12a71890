package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/chargelight/internal/backoff"
	"github.com/nugget/chargelight/internal/events"
	"github.com/nugget/chargelight/internal/opstate"
)

// Store persists whether a broker session should be resumed after a
// reboot. *opstate.Store satisfies it.
type Store interface {
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
}

const (
	storeNamespace    = "iot"
	keySessionPresent = "client_session_present"
)

// Config configures a Manager.
type Config struct {
	// MaxAttempts is the connect retry budget (default: 5).
	MaxAttempts int

	// Backoff shapes the delay between connect attempts.
	Backoff backoff.Config

	// ProcessDelay is the pause after ErrNeedMoreData (default: 100ms).
	ProcessDelay time.Duration

	// PublishRetryDelay is the pause between publish retries
	// (default: 250ms).
	PublishRetryDelay time.Duration

	// DisconnectTimeout bounds the graceful close on shutdown
	// (default: 2s).
	DisconnectTimeout time.Duration

	// QoS is used for messages sent with Publish. nil means 1; point
	// at 0 to publish fire-and-forget with no outbox.
	QoS *byte

	// OutboxSize caps undelivered QoS>0 messages kept for the next
	// session (default: 64). The oldest message is dropped when full.
	OutboxSize int

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Manager owns the broker session.
type Manager struct {
	cfg    Config
	qos    byte
	dialer Dialer
	hs     Handshaker
	net    Network
	bus    *events.Bus
	store  Store
	queue  *events.Queue
	logger *slog.Logger

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) bool

	// Owned by the goroutine calling ConnectWithRetries (normally Run).
	backoff *backoff.Backoff
	gaveUp  bool

	mu                   sync.Mutex
	conn                 Conn
	outbox               []Message
	clientSessionPresent bool
	brokerSessionPresent bool
	attempt              int

	connecting atomic.Bool
	state      atomic.Int32
}

// New creates a session manager. store may be nil, in which case the
// resume flag is kept in memory only.
func New(cfg Config, dialer Dialer, hs Handshaker, network Network, bus *events.Bus, store Store) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ProcessDelay <= 0 {
		cfg.ProcessDelay = 100 * time.Millisecond
	}
	if cfg.PublishRetryDelay <= 0 {
		cfg.PublishRetryDelay = 250 * time.Millisecond
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = 2 * time.Second
	}
	qos := byte(1)
	if cfg.QoS != nil && *cfg.QoS <= 2 {
		qos = *cfg.QoS
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "session")

	m := &Manager{
		cfg:     cfg,
		qos:     qos,
		dialer:  dialer,
		hs:      hs,
		net:     network,
		bus:     bus,
		store:   store,
		queue:   events.NewQueue("session", events.DefaultQueueSize, logger),
		logger:  logger,
		sleep:   backoff.Sleep,
		backoff: backoff.New(cfg.Backoff),
	}

	if store != nil {
		present, err := opstate.GetBool(store, storeNamespace, keySessionPresent, false)
		if err != nil {
			logger.Warn("failed to load session resume flag", "error", err)
		}
		m.clientSessionPresent = present
	}
	return m
}

// IsConnected reports whether a broker session is up.
func (m *Manager) IsConnected() bool { return m.State() == Connected }

// State returns the session lifecycle state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Status returns a snapshot of the session bookkeeping.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:                m.State(),
		Connecting:           m.connecting.Load(),
		ClientSessionPresent: m.clientSessionPresent,
		BrokerSessionPresent: m.brokerSessionPresent,
		RetryAttempt:         m.attempt,
		Outbox:               len(m.outbox),
	}
}

// ResetRetries restores the full connect budget.
func (m *Manager) ResetRetries() {
	m.mu.Lock()
	m.attempt = 0
	m.mu.Unlock()
	m.backoff.Reset()
}

// ConnectWithRetries dials and handshakes until a session is up or
// maxAttempts attempts (counted since the last reset) have failed.
// Between failures it sleeps the next backoff delay; cancelling ctx
// aborts the sleep. Once the budget is spent every call returns
// ErrRetriesExhausted without dialing. Not safe for concurrent use with
// itself or Run.
func (m *Manager) ConnectWithRetries(ctx context.Context, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = m.cfg.MaxAttempts
	}
	if m.IsConnected() {
		return nil
	}

	m.connecting.Store(true)
	defer m.connecting.Store(false)
	m.setState(Connecting)

	var lastErr error
	for {
		m.mu.Lock()
		attempt := m.attempt
		if attempt >= maxAttempts {
			m.mu.Unlock()
			m.setState(Disconnected)
			if lastErr != nil {
				return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, lastErr)
			}
			return fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, attempt)
		}
		attempt++
		m.attempt = attempt
		m.mu.Unlock()

		err := m.connectOnce(ctx)
		if err == nil {
			m.ResetRetries()
			return nil
		}
		if ctx.Err() != nil {
			m.setState(Disconnected)
			return ctx.Err()
		}
		lastErr = err
		m.logger.Warn("broker connect failed",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", err,
		)
		if attempt >= maxAttempts {
			continue
		}

		delay := m.backoff.Next()
		m.logger.Debug("waiting before next connect attempt", "delay", delay.String())
		if !m.sleep(ctx, delay) {
			m.setState(Disconnected)
			return ctx.Err()
		}
	}
}

// connectOnce runs one dial and handshake, tearing down the transport if
// the handshake fails.
func (m *Manager) connectOnce(ctx context.Context) error {
	raw, err := m.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	m.mu.Lock()
	cleanStart := !m.clientSessionPresent
	m.mu.Unlock()

	conn, brokerPresent, err := m.hs.Handshake(ctx, raw, cleanStart)
	if err != nil {
		raw.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.brokerSessionPresent = brokerPresent
	m.clientSessionPresent = true
	m.mu.Unlock()

	if m.store != nil {
		if err := opstate.SetBool(m.store, storeNamespace, keySessionPresent, true); err != nil {
			m.logger.Warn("failed to persist session resume flag", "error", err)
		}
	}

	m.setState(Connected)
	m.logger.Info("broker session established",
		"clean_start", cleanStart,
		"session_present", brokerPresent,
	)
	m.bus.Publish(events.New(events.SourceSession, events.KindConnected))

	if !cleanStart && !brokerPresent {
		m.logger.Info("broker lost our session, redelivering unacknowledged messages")
	}
	m.flushOutbox(ctx, conn)
	return nil
}

// Disconnect closes the session gracefully: it sends the close message
// and then tears down the transport whether or not that succeeded.
func (m *Manager) Disconnect(ctx context.Context) {
	m.teardown(ctx, true)
}

func (m *Manager) teardown(ctx context.Context, graceful bool) {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn == nil {
		return
	}

	if graceful {
		if err := conn.Disconnect(ctx); err != nil {
			m.logger.Debug("graceful disconnect failed", "error", err)
		}
	}
	if err := conn.Close(); err != nil {
		m.logger.Debug("transport close failed", "error", err)
	}

	m.setState(Disconnected)
	m.logger.Info("broker session closed", "graceful", graceful)
	m.bus.Publish(events.New(events.SourceSession, events.KindDisconnected))
}

// Publish sends payload to topic at the configured QoS, trying up to
// retryCount+1 times. A QoS>0 message that cannot be delivered is kept
// in the outbox and sent when the next session comes up; the error is
// still returned.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte, retryCount int) error {
	msg := Message{
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
		QoS:     m.qos,
	}

	var err error
	for i := 0; i <= retryCount; i++ {
		if i > 0 && !m.sleep(ctx, m.cfg.PublishRetryDelay) {
			err = ctx.Err()
			break
		}
		conn := m.currentConn()
		if conn == nil {
			err = ErrNotConnected
			continue
		}
		if err = conn.Publish(ctx, msg); err == nil {
			return nil
		}
		m.logger.Debug("publish attempt failed", "topic", topic, "attempt", i+1, "error", err)
	}

	if msg.QoS > 0 {
		m.park(msg)
	}
	return fmt.Errorf("publish %s: %w", topic, err)
}

func (m *Manager) currentConn() Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// park queues msg for the next session, dropping the oldest entry when
// the outbox is full.
func (m *Manager) park(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.outbox) >= m.cfg.OutboxSize {
		m.logger.Warn("outbox full, dropping oldest message", "topic", m.outbox[0].Topic)
		m.outbox = m.outbox[1:]
	}
	m.outbox = append(m.outbox, msg)
}

// flushOutbox sends parked messages in order. The first failure stops
// the flush and keeps the rest.
func (m *Manager) flushOutbox(ctx context.Context, conn Conn) {
	m.mu.Lock()
	pending := m.outbox
	m.outbox = nil
	m.mu.Unlock()

	for i, msg := range pending {
		if err := conn.Publish(ctx, msg); err != nil {
			m.logger.Warn("outbox redelivery failed", "topic", msg.Topic, "error", err)
			m.mu.Lock()
			m.outbox = append(append([]Message(nil), pending[i:]...), m.outbox...)
			m.mu.Unlock()
			return
		}
	}
	if len(pending) > 0 {
		m.logger.Info("outbox redelivered", "messages", len(pending))
	}
}

// Run maintains the session until ctx is cancelled. It connects only
// while the network is connected, tears the session down when the
// network goes away, and pumps the connection while it is up.
func (m *Manager) Run(ctx context.Context) {
	m.bus.Subscribe(m.queue, events.FromSources(events.SourceNetwork))
	defer m.bus.Unsubscribe(m.queue)
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), m.cfg.DisconnectTimeout)
		defer cancel()
		m.teardown(dctx, true)
	}()

	for ctx.Err() == nil {
		switch {
		case m.IsConnected():
			m.pump(ctx)
		case m.net.IsConnected() && !m.gaveUp:
			m.connect(ctx)
		default:
			m.wait(ctx, 0)
		}
	}
}

func (m *Manager) connect(ctx context.Context) {
	err := m.ConnectWithRetries(ctx, m.cfg.MaxAttempts)
	if err == nil || ctx.Err() != nil {
		return
	}
	if errors.Is(err, ErrRetriesExhausted) {
		m.gaveUp = true
		m.logger.Warn("giving up on broker, restarting network", "error", err)
		m.bus.Publish(events.New(events.SourceSession, events.KindGaveUp))
		m.net.Restart()
	}
}

// pump handles pending network events, then processes one inbound unit.
func (m *Manager) pump(ctx context.Context) {
	for {
		e, ok := m.queue.TryReceive()
		if !ok {
			break
		}
		m.handle(ctx, e)
	}

	conn := m.currentConn()
	if conn == nil {
		return
	}
	msg, err := conn.Process(ctx)
	switch {
	case err == nil:
		m.bus.Publish(events.Message(msg.Topic, msg.Payload))
	case errors.Is(err, ErrNeedMoreData):
		m.wait(ctx, m.cfg.ProcessDelay)
	case ctx.Err() != nil:
	default:
		m.logger.Warn("session failed, reconnecting", "error", err)
		m.teardown(ctx, false)
	}
}

// wait blocks on the queue for up to timeout (zero waits indefinitely)
// and handles what arrives.
func (m *Manager) wait(ctx context.Context, timeout time.Duration) {
	e, ok, err := m.queue.Receive(ctx, timeout)
	if err != nil || !ok {
		return
	}
	m.handle(ctx, e)
}

func (m *Manager) handle(ctx context.Context, e events.Event) {
	switch e.Kind {
	case events.KindConnected:
		if m.gaveUp {
			m.logger.Info("network back, restoring connect budget")
		}
		m.gaveUp = false
		m.ResetRetries()
	case events.KindDisconnecting:
		m.teardown(ctx, true)
	case events.KindDisconnected:
		m.teardown(ctx, false)
	}
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}
