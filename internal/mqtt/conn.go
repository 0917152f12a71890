package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/chargelight/internal/session"
)

// Conn is an established broker session. It implements [session.Conn].
// Paho delivers callbacks on its own goroutines; they only push onto
// buffered channels that Process drains.
type Conn struct {
	client    *paho.Client
	transport net.Conn
	inbox     chan session.Message
	fatal     chan error
	limiter   *inboundLimiter
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func newConn(opts Options, logger *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		inbox:  make(chan session.Message, opts.InboxSize),
		fatal:  make(chan error, 1),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.RateLimit > 0 {
		c.limiter = newInboundLimiter(opts.RateLimit, opts.RateInterval, logger)
	}
	return c
}

func (c *Conn) startLimiter() {
	if c.limiter != nil {
		go c.limiter.run(c.ctx)
	}
}

func (c *Conn) subscribe(ctx context.Context, subs []Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	opts := make([]paho.SubscribeOptions, 0, len(subs))
	for _, s := range subs {
		opts = append(opts, paho.SubscribeOptions{Topic: s.Topic, QoS: s.QoS})
	}
	if _, err := c.client.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		return fmt.Errorf("mqtt subscribe: %w", err)
	}
	for _, s := range subs {
		c.logger.Info("mqtt subscribed", "topic", s.Topic, "qos", s.QoS)
	}
	return nil
}

// Process returns the next buffered inbound message,
// session.ErrNeedMoreData when none is waiting, or the error that broke
// the session.
func (c *Conn) Process(ctx context.Context) (session.Message, error) {
	select {
	case err := <-c.fatal:
		return session.Message{}, err
	default:
	}
	select {
	case m := <-c.inbox:
		return m, nil
	case err := <-c.fatal:
		return session.Message{}, err
	case <-ctx.Done():
		return session.Message{}, ctx.Err()
	default:
		return session.Message{}, session.ErrNeedMoreData
	}
}

// Publish sends m. For QoS 1 and 2 it returns once the broker has
// acknowledged the message.
func (c *Conn) Publish(ctx context.Context, m session.Message) error {
	if c.client == nil {
		return session.ErrNotConnected
	}
	_, err := c.client.Publish(ctx, &paho.Publish{
		Topic:   m.Topic,
		Payload: m.Payload,
		QoS:     m.QoS,
		Retain:  m.Retain,
	})
	if err != nil {
		return fmt.Errorf("mqtt publish %s: %w", m.Topic, err)
	}
	return nil
}

// Disconnect sends DISCONNECT with reason "normal disconnection".
func (c *Conn) Disconnect(ctx context.Context) error {
	if c.client == nil {
		return session.ErrNotConnected
	}
	return c.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}

// Close stops background work and closes the transport.
func (c *Conn) Close() error {
	c.cancel()
	if c.transport == nil {
		return nil
	}
	if err := c.transport.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// onPublish buffers one inbound message. It always reports the message
// as handled so paho acknowledges it.
func (c *Conn) onPublish(pr paho.PublishReceived) (bool, error) {
	if c.limiter != nil && !c.limiter.allow() {
		return true, nil
	}
	p := pr.Packet
	logMessage(c.logger, p.Topic, p.Payload)

	m := session.Message{
		Topic:   p.Topic,
		Payload: append([]byte(nil), p.Payload...),
		QoS:     p.QoS,
		Retain:  p.Retain,
	}
	select {
	case c.inbox <- m:
	default:
		c.logger.Warn("mqtt inbox full, dropping message", "topic", p.Topic)
	}
	return true, nil
}

func (c *Conn) onClientError(err error) {
	c.fail(fmt.Errorf("mqtt client error: %w", err))
}

func (c *Conn) onServerDisconnect(d *paho.Disconnect) {
	c.fail(fmt.Errorf("mqtt broker disconnected (reason %d)", d.ReasonCode))
}

// fail records the first error that broke the session.
func (c *Conn) fail(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}
