package device

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/chargelight/internal/events"
	"github.com/nugget/chargelight/internal/indicator"
)

type fakeNetwork struct {
	up          atomic.Bool
	connects    atomic.Int32
	disconnects atomic.Int32
	restarts    atomic.Int32
}

func (n *fakeNetwork) Connect()          { n.connects.Add(1) }
func (n *fakeNetwork) Disconnect()       { n.disconnects.Add(1) }
func (n *fakeNetwork) Restart()          { n.restarts.Add(1) }
func (n *fakeNetwork) IsConnected() bool { return n.up.Load() }

type fakeSession struct {
	up atomic.Bool
}

func (s *fakeSession) IsConnected() bool { return s.up.Load() }

type fakeTelemetry struct {
	mu     sync.Mutex
	states []string
}

func (t *fakeTelemetry) PublishHeartbeat(state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = append(t.states, state)
}

func (t *fakeTelemetry) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

type harness struct {
	o    *Orchestrator
	bus  *events.Bus
	net  *fakeNetwork
	sess *fakeSession
	ind  *indicator.Log
	tel  *fakeTelemetry
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		bus:  events.NewBus(),
		net:  &fakeNetwork{},
		sess: &fakeSession{},
		ind:  indicator.NewLog(nil),
		tel:  &fakeTelemetry{},
	}
	h.o = New(cfg, h.bus, h.net, h.sess, h.ind, h.tel)
	return h
}

func provisioned() Config {
	return Config{Provisioned: true, StatusTopic: "cp/status"}
}

func (h *harness) step(e events.Event) { h.o.handle(e) }

func (h *harness) network(kind events.Kind) { h.step(events.New(events.SourceNetwork, kind)) }
func (h *harness) session(kind events.Kind) { h.step(events.New(events.SourceSession, kind)) }
func (h *harness) device(kind events.Kind)  { h.step(events.New(events.SourceDevice, kind)) }

func (h *harness) status() string {
	name, _ := h.ind.Status()
	return name
}

// connect drives a fresh orchestrator to Connected.
func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.device(events.KindTurnOn)
	h.network(events.KindConnected)
	h.session(events.KindConnected)
	require.Equal(t, Connected, h.o.State())
}

func TestInitialState(t *testing.T) {
	h := newHarness(t, provisioned())
	assert.Equal(t, Off, h.o.State())
	assert.Equal(t, "off", h.o.CurrentStateName())

	h = newHarness(t, Config{Provisioned: false})
	assert.Equal(t, IotUnprovisioned, h.o.State())
	assert.Equal(t, "iot_unprovisioned", h.o.CurrentStateName())
}

func TestIotUnprovisionedIsTerminal(t *testing.T) {
	h := newHarness(t, Config{})
	h.o.enter(h.o.state)
	assert.Equal(t, indicator.StatusUnprovisioned, h.status())

	h.device(events.KindTurnOn)
	assert.EqualValues(t, 1, h.net.connects.Load(), "turn on still brings the network up")

	h.network(events.KindConnected)
	h.session(events.KindConnected)
	h.device(events.KindTurnOff)
	assert.Equal(t, IotUnprovisioned, h.o.State())
	assert.Zero(t, h.tel.count())
}

func TestTurnOnFromOff(t *testing.T) {
	h := newHarness(t, provisioned())
	h.device(events.KindTurnOn)

	assert.Equal(t, Connecting, h.o.State())
	assert.EqualValues(t, 1, h.net.connects.Load())
	assert.Zero(t, h.net.restarts.Load(), "turn on already requested a connect")
	assert.Equal(t, indicator.StatusOffline, h.status())
}

func TestConnectScenario_OneHeartbeat(t *testing.T) {
	h := newHarness(t, provisioned())
	h.device(events.KindTurnOn)
	h.network(events.KindConnecting)
	h.network(events.KindConnected)
	assert.Equal(t, Connecting, h.o.State())

	h.session(events.KindConnected)
	assert.Equal(t, Connected, h.o.State())
	assert.Equal(t, 1, h.tel.count())
	assert.Equal(t, []string{"connected"}, h.tel.states)
	assert.Equal(t, indicator.StatusAwaitingStatus, h.status())

	// Redelivery changes nothing and fires no second heartbeat.
	h.session(events.KindConnected)
	h.network(events.KindConnected)
	assert.Equal(t, Connected, h.o.State())
	assert.Equal(t, 1, h.tel.count())
}

func TestSessionBeforeNetwork(t *testing.T) {
	h := newHarness(t, provisioned())
	h.device(events.KindTurnOn)
	h.session(events.KindConnected)
	assert.Equal(t, Connecting, h.o.State())
	h.network(events.KindConnected)
	assert.Equal(t, Connected, h.o.State())
}

func TestUnpairedGoesCpUnprovisioned(t *testing.T) {
	cfg := provisioned()
	cfg.Paired = func() (bool, error) { return false, nil }
	h := newHarness(t, cfg)

	h.device(events.KindTurnOn)
	h.network(events.KindConnected)
	h.session(events.KindConnected)
	assert.Equal(t, CpUnprovisioned, h.o.State())
	assert.Equal(t, indicator.StatusUnprovisioned, h.status())
	assert.Zero(t, h.tel.count())

	// Terminal: nothing moves it.
	h.device(events.KindTurnOff)
	h.network(events.KindDisconnected)
	h.device(events.KindTurnOn)
	assert.Equal(t, CpUnprovisioned, h.o.State())
	assert.Zero(t, h.net.disconnects.Load())
}

func TestPairingCheckErrorStaysConnecting(t *testing.T) {
	cfg := provisioned()
	cfg.Paired = func() (bool, error) { return false, errors.New("store locked") }
	h := newHarness(t, cfg)

	h.device(events.KindTurnOn)
	h.network(events.KindConnected)
	h.session(events.KindConnected)
	assert.Equal(t, Connecting, h.o.State())
}

// TestNeverConnectedWithoutBoth feeds random event sequences and checks
// that Connected always coincides with observed network and session.
func TestNeverConnectedWithoutBoth(t *testing.T) {
	type step struct {
		source events.Source
		kind   events.Kind
	}
	steps := []step{
		{events.SourceNetwork, events.KindConnecting},
		{events.SourceNetwork, events.KindConnected},
		{events.SourceNetwork, events.KindDisconnecting},
		{events.SourceNetwork, events.KindDisconnected},
		{events.SourceSession, events.KindConnected},
		{events.SourceSession, events.KindDisconnected},
		{events.SourceSession, events.KindGaveUp},
		{events.SourceDevice, events.KindTurnOn},
		{events.SourceDevice, events.KindTurnOff},
	}

	for _, paired := range []bool{true, false} {
		rng := rand.New(rand.NewSource(7))
		for run := 0; run < 100; run++ {
			cfg := provisioned()
			cfg.Paired = func() (bool, error) { return paired, nil }
			h := newHarness(t, cfg)

			netUp, sessUp := false, false
			for i := 0; i < 30; i++ {
				s := steps[rng.Intn(len(steps))]
				switch {
				case s.source == events.SourceNetwork:
					netUp = s.kind == events.KindConnected
					// The session manager drops the session with the network.
					if s.kind == events.KindDisconnecting || s.kind == events.KindDisconnected {
						sessUp = false
					}
				case s.source == events.SourceSession && s.kind == events.KindConnected:
					sessUp = true
				case s.source == events.SourceSession && s.kind == events.KindDisconnected:
					sessUp = false
				}
				prev := h.o.State()
				h.step(events.New(s.source, s.kind))

				if h.o.State() == Connected {
					require.True(t, netUp && sessUp && paired,
						"paired=%v run %d step %d: Connected with net=%v session=%v", paired, run, i, netUp, sessUp)
				}
				if !paired && netUp && sessUp && (prev == Connecting || prev == ConnectionError) {
					require.Equal(t, CpUnprovisioned, h.o.State())
				}
			}
		}
	}
}

func TestLostNetworkWhileConnected(t *testing.T) {
	h := newHarness(t, provisioned())
	h.connect(t)
	h.ind.SetStatus("charging", 60)

	h.network(events.KindDisconnected)
	assert.Equal(t, Connecting, h.o.State())
	assert.EqualValues(t, 1, h.net.restarts.Load())
	assert.Equal(t, indicator.StatusOffline, h.status())
	assert.Equal(t, 1, h.tel.count(), "no heartbeat until Connected is re-entered")

	h.network(events.KindDisconnected)
	assert.EqualValues(t, 1, h.net.restarts.Load(), "enter effects fire once")

	h.network(events.KindConnected)
	assert.Equal(t, Connecting, h.o.State(), "session was torn down with the network")
	assert.Equal(t, 1, h.tel.count())

	h.session(events.KindConnected)
	assert.Equal(t, Connected, h.o.State())
	assert.Equal(t, 2, h.tel.count())
}

func TestLateSessionReportAfterNetworkReturn(t *testing.T) {
	h := newHarness(t, provisioned())
	h.connect(t)

	h.network(events.KindDisconnected)
	h.network(events.KindConnected)
	assert.Equal(t, Connecting, h.o.State())
	assert.Equal(t, 1, h.tel.count(), "no heartbeat into a dead session")

	h.session(events.KindDisconnected)
	assert.Equal(t, Connecting, h.o.State())
	h.session(events.KindConnected)
	assert.Equal(t, Connected, h.o.State())
	assert.Equal(t, 2, h.tel.count())
}

func TestLostSessionWhileConnected(t *testing.T) {
	h := newHarness(t, provisioned())
	h.connect(t)

	h.session(events.KindDisconnected)
	assert.Equal(t, Connecting, h.o.State())
	h.network(events.KindConnected)
	assert.Equal(t, Connecting, h.o.State())
	h.session(events.KindConnected)
	assert.Equal(t, Connected, h.o.State())
}

func TestGaveUpAndRecovery(t *testing.T) {
	h := newHarness(t, provisioned())
	h.device(events.KindTurnOn)
	h.network(events.KindConnected)
	h.session(events.KindGaveUp)

	assert.Equal(t, ConnectionError, h.o.State())
	assert.Equal(t, indicator.StatusOffline, h.status())
	assert.True(t, h.o.errorDeadline.IsZero(), "wait policy arms no timer")

	h.session(events.KindConnected)
	assert.Equal(t, Connected, h.o.State())
}

func TestConnectionErrorPolicy(t *testing.T) {
	t.Run("retry", func(t *testing.T) {
		cfg := provisioned()
		cfg.ErrorPolicy = ErrorPolicyRetry
		h := newHarness(t, cfg)
		h.device(events.KindTurnOn)
		h.session(events.KindGaveUp)
		require.Equal(t, ConnectionError, h.o.State())
		require.False(t, h.o.errorDeadline.IsZero())

		h.device(events.KindTimeout)
		assert.Equal(t, ConnectionError, h.o.State(), "deadline not reached")

		h.o.errorDeadline = time.Now().Add(-time.Millisecond)
		h.device(events.KindTimeout)
		assert.Equal(t, Connecting, h.o.State())
		assert.EqualValues(t, 1, h.net.restarts.Load())
	})

	t.Run("reboot", func(t *testing.T) {
		var reasons []string
		cfg := provisioned()
		cfg.ErrorPolicy = ErrorPolicyReboot
		cfg.Reboot = func(reason string) { reasons = append(reasons, reason) }
		h := newHarness(t, cfg)
		h.device(events.KindTurnOn)
		h.session(events.KindGaveUp)

		h.o.errorDeadline = time.Now().Add(-time.Millisecond)
		h.device(events.KindTimeout)
		h.device(events.KindTimeout)
		assert.Equal(t, []string{"broker unreachable"}, reasons)
	})
}

func TestTurnOff(t *testing.T) {
	h := newHarness(t, provisioned())
	h.connect(t)

	h.device(events.KindTurnOff)
	assert.Equal(t, Disconnecting, h.o.State())
	assert.EqualValues(t, 1, h.net.disconnects.Load())

	h.network(events.KindDisconnecting)
	assert.Equal(t, Disconnecting, h.o.State())

	h.session(events.KindDisconnected)
	assert.Equal(t, Disconnected, h.o.State())

	h.network(events.KindConnected)
	assert.Equal(t, Connecting, h.o.State(), "session is down, so not Connected")
	assert.Zero(t, h.net.restarts.Load(), "a link that just came up is not bounced")
}

func TestTurnOffWithSessionDown(t *testing.T) {
	h := newHarness(t, provisioned())
	h.device(events.KindTurnOn)
	h.device(events.KindTurnOff)
	assert.Equal(t, Disconnected, h.o.State())
}

func TestDisconnectedNetworkReturn(t *testing.T) {
	h := newHarness(t, provisioned())
	h.connect(t)
	h.device(events.KindTurnOff)
	h.session(events.KindDisconnected)
	require.Equal(t, Disconnected, h.o.State())

	h.session(events.KindConnected)
	h.network(events.KindConnected)
	assert.Equal(t, Connected, h.o.State())
}

func TestTurnOnFromDisconnected(t *testing.T) {
	h := newHarness(t, provisioned())
	h.device(events.KindTurnOn)
	h.device(events.KindTurnOff)
	require.Equal(t, Disconnected, h.o.State())

	h.device(events.KindTurnOn)
	assert.Equal(t, Connecting, h.o.State())
	assert.EqualValues(t, 2, h.net.connects.Load())
	assert.Zero(t, h.net.restarts.Load())
}

func TestStatusMessages(t *testing.T) {
	h := newHarness(t, provisioned())
	msg := func(topic, payload string) {
		h.step(events.Message(topic, []byte(payload)))
	}

	h.device(events.KindTurnOn)
	msg("cp/status", `{"status":"charging","percent":10}`)
	assert.Equal(t, indicator.StatusOffline, h.status(), "ignored while Connecting")

	h.network(events.KindConnected)
	h.session(events.KindConnected)

	msg("cp/status", `{"status":"charging","percent":55}`)
	name, percent := h.ind.Status()
	assert.Equal(t, "charging", name)
	assert.Equal(t, 55, percent)

	msg("cp/other", `{"status":"faulted"}`)
	msg("cp/status", `not json`)
	msg("cp/status", `{"percent":3}`)
	name, _ = h.ind.Status()
	assert.Equal(t, "charging", name)
}

func TestRun_HeartbeatSchedule(t *testing.T) {
	cfg := provisioned()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	h := newHarness(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.o.Run(ctx)
	require.Eventually(t, func() bool { return h.bus.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	h.o.TurnOn()
	h.bus.Publish(events.New(events.SourceNetwork, events.KindConnected))
	h.bus.Publish(events.New(events.SourceSession, events.KindConnected))
	require.Eventually(t, func() bool { return h.o.State() == Connected }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return h.tel.count() >= 3 }, time.Second, 5*time.Millisecond)

	h.bus.Publish(events.New(events.SourceNetwork, events.KindDisconnected))
	require.Eventually(t, func() bool { return h.o.State() == Connecting }, time.Second, time.Millisecond)
	n := h.tel.count()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, n, h.tel.count(), "no heartbeats outside Connected")
}

func TestRun_SeedsObservedState(t *testing.T) {
	h := newHarness(t, provisioned())
	h.net.up.Store(true)
	h.sess.up.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.o.Run(ctx)

	h.o.TurnOn()
	h.o.HandleEvent(events.New(events.SourceSession, events.KindConnected))
	require.Eventually(t, func() bool { return h.o.CurrentStateName() == "connected" }, time.Second, time.Millisecond)
}

func TestStateNames(t *testing.T) {
	for s := Off; s <= Disconnected; s++ {
		assert.NotEqual(t, "unknown", s.String())
	}
	assert.Equal(t, "unknown", State(42).String())
	assert.False(t, ErrorPolicy("sometimes").Valid())
}
