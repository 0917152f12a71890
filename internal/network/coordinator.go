// Package network merges the device's interfaces into one logical
// "are we online" state machine.
//
// The [Coordinator] treats interfaces as redundant: it is connected when
// any interface is usable and only reports a loss when none is. It runs
// its own event loop that blocks on a bounded queue; when the queue stays
// quiet for the liveness interval (15 minutes by default) it synthesizes a
// timeout that drives a non-blocking liveness probe and, in
// NoConnectionError, the configured escalation policy.
//
// Transitions:
//
//	Disabled          connecting/connected   -> Connecting/Connected
//	Connecting        connected              -> Connected
//	Connecting        disconnecting          -> Disconnecting
//	Connecting        disconnected           -> NoConnectionError
//	Connected         disconnecting          -> Disconnecting
//	Connected         disconnected           -> NoConnectionError
//	Disconnecting     connecting/connected   -> Connecting/Connected
//	Disconnecting     disconnected           -> NoConnectionError
//	NoConnectionError connecting/connected   -> Connecting/Connected
//
// Every other (state, event) pair leaves the state unchanged and fires no
// side effects.
package network

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/nugget/chargelight/internal/events"
	"github.com/nugget/chargelight/internal/netif"
)

// Link is the coordinator's view of one interface connection.
type Link interface {
	Name() string
	Up(ctx context.Context, persistent bool) error
	Down(ctx context.Context, persistent bool) error
	IsConnected() bool
	AdminEnabled() bool
}

// ProbeFunc checks that a connection believed up actually works. Return
// nil if healthy.
type ProbeFunc func(ctx context.Context) error

// RebootFunc asks the platform to reboot the device.
type RebootFunc func(reason string)

// Config configures a Coordinator.
type Config struct {
	// LivenessInterval is how long the loop waits for an event before
	// synthesizing a timeout (default: 15m).
	LivenessInterval time.Duration

	// SettleInterval is the pause between disconnect and connect during
	// a restart (default: 2s).
	SettleInterval time.Duration

	// ProbeTimeout limits each liveness probe (default: 10s).
	ProbeTimeout time.Duration

	// ProbeFailuresBeforeRestart is how many consecutive failed probes
	// while Connected trigger a restart. Zero disables.
	ProbeFailuresBeforeRestart int

	// NoConnectionPolicy is applied after NoConnectionEscalateAfter
	// consecutive timeouts in NoConnectionError (default: wait).
	NoConnectionPolicy Policy

	// NoConnectionEscalateAfter counts timeouts before escalation
	// (default: 4, one hour at the default liveness interval).
	NoConnectionEscalateAfter int

	// Probe is the liveness check. Optional.
	Probe ProbeFunc

	// Reboot is invoked by PolicyReboot. Optional.
	Reboot RebootFunc

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		LivenessInterval:           15 * time.Minute,
		SettleInterval:             2 * time.Second,
		ProbeTimeout:               10 * time.Second,
		ProbeFailuresBeforeRestart: 2,
		NoConnectionPolicy:         PolicyWait,
		NoConnectionEscalateAfter:  4,
	}
}

// Coordinator owns the aggregate connectivity state.
type Coordinator struct {
	cfg    Config
	bus    *events.Bus
	links  []Link
	queue  *events.Queue
	logger *slog.Logger

	// Owned by the Run goroutine.
	state          State
	up             map[string]bool
	wanted         bool
	restartAt      time.Time
	probing        bool
	probeFailures  int
	noConnTimeouts int

	snap atomic.Int32
}

// New creates a coordinator over links. Zero-value Config fields are
// replaced with defaults.
func New(cfg Config, bus *events.Bus, links []Link) *Coordinator {
	defaults := DefaultConfig()
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = defaults.LivenessInterval
	}
	if cfg.SettleInterval <= 0 {
		cfg.SettleInterval = defaults.SettleInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaults.ProbeTimeout
	}
	if cfg.ProbeFailuresBeforeRestart < 0 {
		cfg.ProbeFailuresBeforeRestart = 0
	}
	if !cfg.NoConnectionPolicy.Valid() {
		cfg.NoConnectionPolicy = defaults.NoConnectionPolicy
	}
	if cfg.NoConnectionEscalateAfter <= 0 {
		cfg.NoConnectionEscalateAfter = defaults.NoConnectionEscalateAfter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "network")

	return &Coordinator{
		cfg:    cfg,
		bus:    bus,
		links:  links,
		queue:  events.NewQueue("network", events.DefaultQueueSize, logger),
		logger: logger,
		state:  Disabled,
		up:     make(map[string]bool, len(links)),
	}
}

// Connect asks the coordinator to bring up every interface whose
// persisted enabled flag is set. It returns immediately.
func (c *Coordinator) Connect() {
	c.queue.Post(events.New(events.SourceNetwork, events.KindConnect))
}

// Disconnect asks the coordinator to bring every interface down. It
// returns immediately.
func (c *Coordinator) Disconnect() {
	c.queue.Post(events.New(events.SourceNetwork, events.KindDisconnect))
}

// Restart disconnects, waits the settle interval, then connects. It
// returns immediately; the wait happens inside the coordinator loop.
func (c *Coordinator) Restart() {
	c.queue.Post(events.New(events.SourceNetwork, events.KindRestart))
}

// IsConnected reports whether the network is Connected.
func (c *Coordinator) IsConnected() bool { return c.State() == Connected }

// State returns the current connectivity state.
func (c *Coordinator) State() State { return State(c.snap.Load()) }

// Run subscribes to interface events and processes the queue until ctx
// is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	c.bus.Subscribe(c.queue, events.FromSources(events.SourceLink))
	defer c.bus.Unsubscribe(c.queue)

	for _, l := range c.links {
		c.up[l.Name()] = l.IsConnected()
	}

	for {
		wait := c.cfg.LivenessInterval
		if !c.restartAt.IsZero() {
			until := time.Until(c.restartAt)
			if until <= 0 {
				c.finishRestart(ctx)
				continue
			}
			if until < wait {
				wait = until
			}
		}

		e, ok, err := c.queue.Receive(ctx, wait)
		if err != nil {
			return
		}
		if !ok {
			if !c.restartAt.IsZero() && !time.Now().Before(c.restartAt) {
				c.finishRestart(ctx)
				continue
			}
			e = events.New(events.SourceNetwork, events.KindTimeout)
		}
		c.handle(ctx, e)
	}
}

func (c *Coordinator) handle(ctx context.Context, e events.Event) {
	if e.Source == events.SourceLink {
		c.handleLink(e)
		return
	}

	switch e.Kind {
	case events.KindConnect:
		c.connect(ctx)
	case events.KindDisconnect:
		c.disconnect(ctx)
	case events.KindRestart:
		c.restart(ctx)
	case events.KindTimeout:
		c.onTimeout(ctx)
	case events.KindProbeOK, events.KindProbeFailed:
		c.onProbe(ctx, e)
	default:
		c.logger.Debug("ignoring event", "source", e.Source, "kind", e.Kind)
	}
}

// handleLink folds one interface report into the aggregate (logical OR).
func (c *Coordinator) handleLink(e events.Event) {
	switch e.Kind {
	case events.KindConnected:
		c.up[e.Interface] = true
		c.transition(events.KindConnected)
	case events.KindConnecting:
		if !c.anyUp() {
			c.transition(events.KindConnecting)
		}
	case events.KindDisconnected:
		c.up[e.Interface] = false
		if !c.anyUp() {
			c.transition(events.KindDisconnected)
		}
	}
}

func (c *Coordinator) anyUp() bool {
	for _, up := range c.up {
		if up {
			return true
		}
	}
	return false
}

func (c *Coordinator) connect(ctx context.Context) {
	c.restartAt = time.Time{}
	c.wanted = true
	for _, l := range c.links {
		if !l.AdminEnabled() {
			c.logger.Debug("interface disabled by preference, not bringing up", "interface", l.Name())
			continue
		}
		if err := l.Up(ctx, false); err != nil && !errors.Is(err, netif.ErrInvalidState) {
			c.logger.Warn("interface up failed", "interface", l.Name(), "error", err)
		}
	}
	if c.anyUp() {
		c.transition(events.KindConnected)
	} else {
		c.transition(events.KindConnecting)
	}
}

func (c *Coordinator) disconnect(ctx context.Context) {
	c.restartAt = time.Time{}
	c.wanted = false
	for _, l := range c.links {
		if err := l.Down(ctx, false); err != nil && !errors.Is(err, netif.ErrInvalidState) {
			c.logger.Warn("interface down failed", "interface", l.Name(), "error", err)
		}
	}
	c.transition(events.KindDisconnecting)
}

func (c *Coordinator) restart(ctx context.Context) {
	c.logger.Info("network restart requested", "settle", c.cfg.SettleInterval.String())
	c.disconnect(ctx)
	c.wanted = true
	c.restartAt = time.Now().Add(c.cfg.SettleInterval)
}

func (c *Coordinator) finishRestart(ctx context.Context) {
	c.restartAt = time.Time{}
	c.connect(ctx)
}

func (c *Coordinator) onTimeout(ctx context.Context) {
	switch c.state {
	case Connected, Connecting:
		c.startProbe(ctx)
	case NoConnectionError:
		c.noConnTimeouts++
		c.logger.Info("still no network connection",
			"timeouts", c.noConnTimeouts,
			"policy", c.cfg.NoConnectionPolicy,
		)
		if !c.wanted || c.cfg.NoConnectionPolicy == PolicyWait {
			return
		}
		if c.noConnTimeouts < c.cfg.NoConnectionEscalateAfter {
			return
		}
		c.noConnTimeouts = 0
		switch c.cfg.NoConnectionPolicy {
		case PolicyRestart:
			c.restart(ctx)
		case PolicyReboot:
			if c.cfg.Reboot != nil {
				c.logger.Warn("no network connection, requesting reboot")
				c.cfg.Reboot("no network connection")
			}
		}
	}
}

// startProbe runs the liveness probe without blocking the loop. The
// result comes back as an event.
func (c *Coordinator) startProbe(ctx context.Context) {
	if c.cfg.Probe == nil || c.probing {
		return
	}
	c.probing = true
	probe := c.cfg.Probe
	timeout := c.cfg.ProbeTimeout
	go func() {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		e := events.New(events.SourceNetwork, events.KindProbeOK)
		if err := probe(pctx); err != nil {
			e.Kind = events.KindProbeFailed
			e.Err = err.Error()
		}
		c.queue.Post(e)
	}()
}

func (c *Coordinator) onProbe(ctx context.Context, e events.Event) {
	c.probing = false
	if e.Kind == events.KindProbeOK {
		c.probeFailures = 0
		c.logger.Debug("liveness probe ok", "state", c.state)
		return
	}

	c.probeFailures++
	c.logger.Warn("liveness probe failed",
		"state", c.state,
		"consecutive", c.probeFailures,
		"error", e.Err,
	)
	limit := c.cfg.ProbeFailuresBeforeRestart
	if c.state == Connected && limit > 0 && c.probeFailures >= limit {
		c.probeFailures = 0
		c.restart(ctx)
	}
}

// nextState applies the transition table.
func nextState(s State, sig events.Kind) State {
	switch s {
	case Disabled:
		switch sig {
		case events.KindConnecting:
			return Connecting
		case events.KindConnected:
			return Connected
		}
	case Connecting:
		switch sig {
		case events.KindConnected:
			return Connected
		case events.KindDisconnecting:
			return Disconnecting
		case events.KindDisconnected:
			return NoConnectionError
		}
	case Connected:
		switch sig {
		case events.KindDisconnecting:
			return Disconnecting
		case events.KindDisconnected:
			return NoConnectionError
		}
	case Disconnecting:
		switch sig {
		case events.KindConnecting:
			return Connecting
		case events.KindConnected:
			return Connected
		case events.KindDisconnected:
			return NoConnectionError
		}
	case NoConnectionError:
		switch sig {
		case events.KindConnecting:
			return Connecting
		case events.KindConnected:
			return Connected
		}
	}
	return s
}

// reportKind is the bus event announced on entering s.
func reportKind(s State) events.Kind {
	switch s {
	case Connecting:
		return events.KindConnecting
	case Connected:
		return events.KindConnected
	case Disconnecting:
		return events.KindDisconnecting
	default:
		return events.KindDisconnected
	}
}

func (c *Coordinator) transition(sig events.Kind) {
	next := nextState(c.state, sig)
	if next == c.state {
		return
	}
	prev := c.state
	c.state = next
	c.snap.Store(int32(next))

	switch next {
	case Connected:
		c.probeFailures = 0
	case NoConnectionError:
		c.noConnTimeouts = 0
	}

	c.logger.Info("network state changed",
		"from", prev.String(),
		"to", next.String(),
		"event", sig,
	)
	c.bus.Publish(events.New(events.SourceNetwork, reportKind(next)))
}

// DialProbe returns a ProbeFunc that opens and closes a TCP connection
// to address (host:port).
func DialProbe(address string) ProbeFunc {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}
