// Package device is the top-level lifecycle state machine of the charge
// point status indicator.
//
// The [Orchestrator] turns network and session events into device
// states, drives the status indicator and schedules heartbeats. It is
// the only component that calls the indicator or triggers a heartbeat.
// Connected is reached only after both the network and the broker
// session have been observed up and the station pairing check passes;
// with network and session up but no pairing the device parks in the
// terminal CpUnprovisioned state.
//
// Enter side effects:
//
//	IotUnprovisioned, CpUnprovisioned  indicator "unprovisioned"
//	Connecting                         indicator "offline", network restart
//	Connected                          heartbeat, indicator "awaiting_status"
//	ConnectionError                    indicator "offline", arm policy timer
//
// Side effects fire once per distinct transition and never on a
// self-transition.
package device

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/chargelight/internal/events"
	"github.com/nugget/chargelight/internal/indicator"
)

// Network is the connectivity coordinator as seen by the orchestrator.
type Network interface {
	Connect()
	Disconnect()
	Restart()
	IsConnected() bool
}

// Session is the broker session as seen by the orchestrator.
type Session interface {
	IsConnected() bool
}

// Telemetry publishes heartbeats. Implementations must not block.
type Telemetry interface {
	PublishHeartbeat(state string)
}

// Config configures an Orchestrator.
type Config struct {
	// Provisioned is the one-time cloud identity check made at startup.
	// False starts the orchestrator in IotUnprovisioned.
	Provisioned bool

	// Paired reports whether the station pairing flag is set. It is
	// evaluated each time Connecting sees network and session up. Nil
	// means paired.
	Paired func() (bool, error)

	// HeartbeatInterval is the period between heartbeats while
	// Connected (default: 5m).
	HeartbeatInterval time.Duration

	// StatusTopic carries charge-point status updates for the
	// indicator. Empty disables status handling.
	StatusTopic string

	// ErrorPolicy governs recovery from ConnectionError (default: wait).
	ErrorPolicy ErrorPolicy

	// ErrorRetry is how long ConnectionError waits before applying
	// ErrorPolicy (default: 10m).
	ErrorRetry time.Duration

	// Reboot is invoked by ErrorPolicyReboot. Optional.
	Reboot func(reason string)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Orchestrator owns the device lifecycle state.
type Orchestrator struct {
	cfg    Config
	bus    *events.Bus
	net    Network
	sess   Session
	ind    indicator.Indicator
	tel    Telemetry
	queue  *events.Queue
	logger *slog.Logger

	// Owned by the Run goroutine.
	state         State
	netUp         bool
	sessUp        bool
	sessStale     bool
	connectAsked  bool
	nextHeartbeat time.Time
	errorDeadline time.Time

	snap atomic.Int32
}

// New creates an orchestrator. The initial state is Off, or
// IotUnprovisioned when cfg.Provisioned is false.
func New(cfg Config, bus *events.Bus, network Network, sess Session, ind indicator.Indicator, tel Telemetry) *Orchestrator {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Minute
	}
	if !cfg.ErrorPolicy.Valid() {
		cfg.ErrorPolicy = ErrorPolicyWait
	}
	if cfg.ErrorRetry <= 0 {
		cfg.ErrorRetry = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "device")

	o := &Orchestrator{
		cfg:    cfg,
		bus:    bus,
		net:    network,
		sess:   sess,
		ind:    ind,
		tel:    tel,
		queue:  events.NewQueue("device", events.DefaultQueueSize, logger),
		logger: logger,
		state:  Off,
	}
	if !cfg.Provisioned {
		o.state = IotUnprovisioned
	}
	o.snap.Store(int32(o.state))
	return o
}

// TurnOn asks the device to come online. It returns immediately.
func (o *Orchestrator) TurnOn() {
	o.queue.Post(events.New(events.SourceDevice, events.KindTurnOn))
}

// TurnOff asks the device to go offline. It returns immediately.
func (o *Orchestrator) TurnOff() {
	o.queue.Post(events.New(events.SourceDevice, events.KindTurnOff))
}

// HandleEvent queues e for the orchestrator. It returns immediately.
func (o *Orchestrator) HandleEvent(e events.Event) {
	o.queue.Post(e)
}

// State returns the current state.
func (o *Orchestrator) State() State { return State(o.snap.Load()) }

// CurrentStateName returns the current state's name.
func (o *Orchestrator) CurrentStateName() string { return o.State().String() }

// Run subscribes to network and session events and processes the queue
// until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	o.bus.Subscribe(o.queue, events.FromSources(events.SourceNetwork, events.SourceSession))
	defer o.bus.Unsubscribe(o.queue)

	o.netUp = o.net.IsConnected()
	o.sessUp = o.sess.IsConnected()
	o.logger.Info("device starting", "state", o.state.String())
	o.enter(o.state)

	for {
		var wait time.Duration
		if dl := o.deadline(); !dl.IsZero() {
			wait = time.Until(dl)
			if wait <= 0 {
				o.handle(events.New(events.SourceDevice, events.KindTimeout))
				continue
			}
		}

		e, ok, err := o.queue.Receive(ctx, wait)
		if err != nil {
			return
		}
		if !ok {
			e = events.New(events.SourceDevice, events.KindTimeout)
		}
		o.handle(e)
	}
}

// deadline is the next timer the loop must wake for, or zero.
func (o *Orchestrator) deadline() time.Time {
	switch o.state {
	case Connected:
		return o.nextHeartbeat
	case ConnectionError:
		return o.errorDeadline
	}
	return time.Time{}
}

func (o *Orchestrator) handle(e events.Event) {
	o.observe(e)

	switch o.state {
	case Off:
		if isDevice(e, events.KindTurnOn) {
			o.requestConnect()
			o.transition(Connecting, e)
		}

	case IotUnprovisioned:
		if isDevice(e, events.KindTurnOn) {
			o.net.Connect()
		}

	case CpUnprovisioned:

	case Connecting:
		switch {
		case isDevice(e, events.KindTurnOff):
			o.requestDisconnect(e)
		case is(e, events.SourceSession, events.KindGaveUp):
			o.transition(ConnectionError, e)
		}

	case ConnectionError:
		switch {
		case isDevice(e, events.KindTurnOff):
			o.requestDisconnect(e)
		case isDevice(e, events.KindTimeout):
			o.onErrorTimeout(e)
		default:
			o.evaluate(e)
		}

	case Connected:
		switch {
		case isDevice(e, events.KindTurnOff):
			o.requestDisconnect(e)
		case lostNetwork(e), is(e, events.SourceSession, events.KindDisconnected):
			o.transition(Connecting, e)
		case isDevice(e, events.KindTimeout):
			o.onHeartbeatTimer()
		case is(e, events.SourceSession, events.KindMessage):
			o.onMessage(e)
		}

	case Disconnecting:
		switch {
		case isDevice(e, events.KindTurnOn):
			o.requestConnect()
			o.transition(Connecting, e)
		case !o.sessUp:
			o.transition(Disconnected, e)
		}

	case Disconnected:
		switch {
		case isDevice(e, events.KindTurnOn):
			o.requestConnect()
			o.transition(Connecting, e)
		case is(e, events.SourceNetwork, events.KindConnected):
			if o.sessLive() && o.paired() {
				o.transition(Connected, e)
			} else {
				// The network just came up; wait for the session.
				o.connectAsked = true
				o.transition(Connecting, e)
			}
		}
	}

	// Connecting may already see both sides up, including right after
	// entering it.
	if o.state == Connecting {
		o.evaluate(e)
	}
}

// observe folds network and session reports into the up flags.
func (o *Orchestrator) observe(e events.Event) {
	switch e.Source {
	case events.SourceNetwork:
		switch e.Kind {
		case events.KindConnected:
			o.netUp = true
		case events.KindConnecting:
			o.netUp = false
		case events.KindDisconnecting, events.KindDisconnected:
			// The session manager tears the session down on these, and
			// its own report may arrive after the network is back.
			o.netUp = false
			o.sessStale = true
		}
	case events.SourceSession:
		switch e.Kind {
		case events.KindConnected:
			o.sessUp = true
			o.sessStale = false
		case events.KindDisconnected:
			o.sessUp = false
			o.sessStale = false
		}
	}
}

// evaluate is the Connecting check: with network and session both up,
// go to Connected when paired and CpUnprovisioned otherwise.
func (o *Orchestrator) evaluate(e events.Event) {
	if !o.netUp || !o.sessLive() {
		return
	}
	paired, err := o.checkPaired()
	if err != nil {
		o.logger.Warn("station pairing check failed, staying in state",
			"state", o.state.String(), "error", err)
		return
	}
	if paired {
		o.transition(Connected, e)
	} else {
		o.transition(CpUnprovisioned, e)
	}
}

// sessLive reports a session known to have survived the last network
// loss.
func (o *Orchestrator) sessLive() bool {
	return o.sessUp && !o.sessStale
}

func (o *Orchestrator) paired() bool {
	ok, err := o.checkPaired()
	return err == nil && ok
}

func (o *Orchestrator) checkPaired() (bool, error) {
	if o.cfg.Paired == nil {
		return true, nil
	}
	return o.cfg.Paired()
}

func (o *Orchestrator) requestConnect() {
	o.connectAsked = true
	o.net.Connect()
}

func (o *Orchestrator) requestDisconnect(e events.Event) {
	o.net.Disconnect()
	o.transition(Disconnecting, e)
	if !o.sessUp {
		o.transition(Disconnected, e)
	}
}

func (o *Orchestrator) onHeartbeatTimer() {
	if time.Now().Before(o.nextHeartbeat) {
		return
	}
	o.heartbeat()
}

func (o *Orchestrator) heartbeat() {
	o.tel.PublishHeartbeat(o.state.String())
	o.nextHeartbeat = time.Now().Add(o.cfg.HeartbeatInterval)
}

func (o *Orchestrator) onErrorTimeout(e events.Event) {
	if o.errorDeadline.IsZero() || time.Now().Before(o.errorDeadline) {
		return
	}
	o.errorDeadline = time.Time{}

	switch o.cfg.ErrorPolicy {
	case ErrorPolicyRetry:
		o.logger.Info("retrying after connection error")
		o.transition(Connecting, e)
	case ErrorPolicyReboot:
		if o.cfg.Reboot != nil {
			o.logger.Warn("connection error persisted, requesting reboot")
			o.cfg.Reboot("broker unreachable")
		}
	}
}

// statusMessage is the payload on the status topic.
type statusMessage struct {
	Status  string `json:"status"`
	Percent int    `json:"percent"`
}

func (o *Orchestrator) onMessage(e events.Event) {
	if o.cfg.StatusTopic == "" || e.Topic != o.cfg.StatusTopic {
		return
	}
	var msg statusMessage
	if err := json.Unmarshal(e.Payload, &msg); err != nil {
		o.logger.Warn("malformed status message", "topic", e.Topic, "error", err)
		return
	}
	if msg.Status == "" {
		o.logger.Warn("status message without status", "topic", e.Topic)
		return
	}
	o.ind.SetStatus(msg.Status, msg.Percent)
}

// transition moves to next and runs its enter side effects. Moving to
// the current state does nothing.
func (o *Orchestrator) transition(next State, cause events.Event) {
	if next == o.state {
		return
	}
	prev := o.state
	o.state = next
	o.snap.Store(int32(next))

	o.logger.Info("device state changed",
		"from", prev.String(),
		"to", next.String(),
		"source", cause.Source,
		"event", cause.Kind,
	)
	o.enter(next)
}

func (o *Orchestrator) enter(s State) {
	switch s {
	case IotUnprovisioned, CpUnprovisioned:
		o.ind.SetStatus(indicator.StatusUnprovisioned, 0)

	case Connecting:
		o.ind.SetStatus(indicator.StatusOffline, 0)
		// A fresh connect request already brings the links up.
		if !o.connectAsked {
			o.net.Restart()
		}
		o.connectAsked = false

	case Connected:
		o.heartbeat()
		o.ind.SetStatus(indicator.StatusAwaitingStatus, 0)

	case ConnectionError:
		o.ind.SetStatus(indicator.StatusOffline, 0)
		o.errorDeadline = time.Time{}
		if o.cfg.ErrorPolicy != ErrorPolicyWait {
			o.errorDeadline = time.Now().Add(o.cfg.ErrorRetry)
		}
	}
}

func is(e events.Event, source events.Source, kind events.Kind) bool {
	return e.Source == source && e.Kind == kind
}

func isDevice(e events.Event, kind events.Kind) bool {
	return is(e, events.SourceDevice, kind)
}

func lostNetwork(e events.Event) bool {
	if e.Source != events.SourceNetwork {
		return false
	}
	switch e.Kind {
	case events.KindConnecting, events.KindDisconnecting, events.KindDisconnected:
		return true
	}
	return false
}
