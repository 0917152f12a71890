package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/chargelight/internal/session"
)

// Subscription is one topic filter to subscribe to after connecting.
type Subscription struct {
	Topic string
	QoS   byte
}

// Options configures the codec.
type Options struct {
	// ClientID identifies the device to the broker. Required.
	ClientID string

	// Username and Password are optional broker credentials.
	Username string
	Password string

	// KeepAlive is the ping interval in seconds (default: 60).
	KeepAlive uint16

	// SessionExpiry asks the broker to keep session state for this
	// many seconds after a disconnect. Zero ends the session with the
	// connection.
	SessionExpiry uint32

	// Subscriptions are (re-)established after every clean connect.
	Subscriptions []Subscription

	// InboxSize bounds buffered inbound messages (default: 64).
	InboxSize int

	// RateLimit caps inbound messages per RateInterval. Zero disables.
	RateLimit int64

	// RateInterval is the rate limit window (default: 1s).
	RateInterval time.Duration

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Codec performs the broker handshake. It implements
// [session.Handshaker].
type Codec struct {
	opts   Options
	logger *slog.Logger
}

// NewCodec creates a Codec. Zero-value Options fields are replaced with
// defaults.
func NewCodec(opts Options) *Codec {
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 60
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	if opts.RateInterval <= 0 {
		opts.RateInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Codec{
		opts:   opts,
		logger: opts.Logger.With("component", "mqtt"),
	}
}

// Handshake sends CONNECT over conn, waits for CONNACK and subscribes to
// the configured topics. The returned Conn owns conn.
func (c *Codec) Handshake(ctx context.Context, conn net.Conn, cleanStart bool) (session.Conn, bool, error) {
	if c.opts.ClientID == "" {
		return nil, false, errors.New("mqtt: client ID is required")
	}

	sc := newConn(c.opts, c.logger)
	sc.transport = conn
	sc.client = paho.NewClient(paho.ClientConfig{
		ClientID:           c.opts.ClientID,
		Conn:               conn,
		OnPublishReceived:  []func(paho.PublishReceived) (bool, error){sc.onPublish},
		OnClientError:      sc.onClientError,
		OnServerDisconnect: sc.onServerDisconnect,
	})

	ack, err := sc.client.Connect(ctx, c.connectPacket(cleanStart))
	if err != nil {
		sc.Close()
		if ack != nil {
			return nil, false, fmt.Errorf("mqtt connect refused (reason %d): %w", ack.ReasonCode, err)
		}
		return nil, false, fmt.Errorf("mqtt connect: %w", err)
	}

	if !ack.SessionPresent {
		if err := sc.subscribe(ctx, c.opts.Subscriptions); err != nil {
			sc.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
			sc.Close()
			return nil, false, err
		}
	} else {
		c.logger.Debug("broker kept our subscriptions", "topics", len(c.opts.Subscriptions))
	}

	sc.startLimiter()
	c.logger.Debug("mqtt handshake complete",
		"client_id", c.opts.ClientID,
		"clean_start", cleanStart,
		"session_present", ack.SessionPresent,
	)
	return sc, ack.SessionPresent, nil
}

// connectPacket builds the CONNECT request.
func (c *Codec) connectPacket(cleanStart bool) *paho.Connect {
	cp := &paho.Connect{
		ClientID:   c.opts.ClientID,
		CleanStart: cleanStart,
		KeepAlive:  c.opts.KeepAlive,
	}
	if c.opts.Username != "" {
		cp.Username = c.opts.Username
		cp.UsernameFlag = true
	}
	if c.opts.Password != "" {
		cp.Password = []byte(c.opts.Password)
		cp.PasswordFlag = true
	}
	if c.opts.SessionExpiry > 0 {
		expiry := c.opts.SessionExpiry
		cp.Properties = &paho.ConnectProperties{SessionExpiryInterval: &expiry}
	}
	return cp
}

// logMessage logs an inbound message at debug level. For JSON payloads
// carrying a "status" field the status is included.
func logMessage(logger *slog.Logger, topic string, payload []byte) {
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	fields := []any{
		"topic", topic,
		"payload_size", len(payload),
	}

	var body map[string]any
	if err := json.Unmarshal(payload, &body); err == nil {
		if s, ok := body["status"]; ok {
			fields = append(fields, "status", s)
		}
	}

	logger.Debug("mqtt message received", fields...)
}
