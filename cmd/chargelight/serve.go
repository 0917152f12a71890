package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nugget/chargelight/internal/backoff"
	"github.com/nugget/chargelight/internal/buildinfo"
	"github.com/nugget/chargelight/internal/config"
	"github.com/nugget/chargelight/internal/device"
	"github.com/nugget/chargelight/internal/events"
	"github.com/nugget/chargelight/internal/indicator"
	"github.com/nugget/chargelight/internal/mqtt"
	"github.com/nugget/chargelight/internal/netif"
	"github.com/nugget/chargelight/internal/network"
	"github.com/nugget/chargelight/internal/opstate"
	"github.com/nugget/chargelight/internal/provision"
	"github.com/nugget/chargelight/internal/session"
	"github.com/nugget/chargelight/internal/telemetry"
)

// errReboot is the cancellation cause when a recovery policy asks for a
// reboot.
var errReboot = errors.New("reboot requested")

// kvStore is satisfied by both the SQLite store and the in-memory store.
type kvStore interface {
	opstate.Getter
	opstate.Setter
	opstate.Lister
	opstate.NamespaceDeleter
}

// openStore opens the persisted store under cfg.DataDir, or an
// in-memory store when ephemeral. The returned close func is never nil.
func openStore(cfg *config.Config, ephemeral bool) (kvStore, func() error, error) {
	if ephemeral {
		return opstate.NewMemStore(), func() error { return nil }, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	st, err := opstate.NewStore(cfg.StorePath())
	if err != nil {
		return nil, nil, fmt.Errorf("open store %s: %w", cfg.StorePath(), err)
	}
	return st, st.Close, nil
}

// runServe wires every component and runs until ctx is cancelled, a
// signal arrives or a reboot is requested.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, ephemeral bool) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting chargelight", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level and format.
	// Load already validated the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)
	slog.SetDefault(logger)

	if cfgPath == "" {
		logger.Warn("no config file found, using defaults", "searched", config.DefaultSearchPaths())
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}

	store, closeStore, err := openStore(cfg, ephemeral)
	if err != nil {
		return err
	}
	defer closeStore()
	if ephemeral {
		logger.Warn("running with an in-memory store, nothing will persist")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelCause := context.WithCancelCause(ctx)
	defer cancelCause(nil)

	reboot := func(reason string) {
		logger.Warn("reboot requested", "reason", reason)
		cancelCause(fmt.Errorf("%w: %s", errReboot, reason))
	}

	bus := events.NewBus()

	// --- Interfaces ---
	var links []network.Link
	var conns []*netif.Connection
	var drivers []*netif.HostDriver
	for _, ic := range []struct {
		name string
		cfg  config.InterfaceConfig
	}{
		{netif.WiFi, cfg.Network.WiFi},
		{netif.Ethernet, cfg.Network.Ethernet},
	} {
		if ic.cfg.Device == "" {
			logger.Info("interface not configured", "interface", ic.name)
			continue
		}
		drv := netif.NewHostDriver(ic.cfg.Device, ic.cfg.Poll, logger)
		conn := netif.New(netif.Config{
			Name:           ic.name,
			DefaultEnabled: ic.cfg.DefaultEnabled,
			Logger:         logger,
		}, drv, store, bus)
		if err := conn.Initialize(); err != nil {
			return err
		}
		links = append(links, conn)
		conns = append(conns, conn)
		drivers = append(drivers, drv)
	}

	// --- Network coordinator ---
	netCfg := network.Config{
		LivenessInterval:           cfg.Network.LivenessInterval,
		SettleInterval:             cfg.Network.SettleInterval,
		ProbeTimeout:               cfg.Network.ProbeTimeout,
		ProbeFailuresBeforeRestart: cfg.Network.ProbeFailures,
		NoConnectionPolicy:         network.Policy(cfg.Network.NoConnectionPolicy),
		NoConnectionEscalateAfter:  cfg.Network.EscalateAfter,
		Reboot:                     reboot,
		Logger:                     logger,
	}
	if cfg.Network.ProbeAddress != "" {
		netCfg.Probe = network.DialProbe(cfg.Network.ProbeAddress)
	}
	coord := network.New(netCfg, bus, links)

	// --- Cloud identity and broker session ---
	identity, idErr := provision.LoadIdentity(store)
	provisioned := idErr == nil
	if !provisioned {
		logger.Warn("device not provisioned", "error", idErr)
	}

	var dialer session.Dialer = unprovisionedDialer{}
	if provisioned {
		tlsCfg, err := identity.TLSConfig()
		if err != nil {
			// Import validated the material, so this means the store
			// was edited behind our back.
			logger.Error("stored TLS material unusable", "error", err)
			provisioned = false
		} else {
			dialer = &session.TLSDialer{Address: identity.Broker, Config: tlsCfg}
		}
	}

	subs := make([]mqtt.Subscription, 0, len(cfg.Broker.Subscriptions))
	for _, s := range cfg.Broker.Subscriptions {
		subs = append(subs, mqtt.Subscription{Topic: s.Topic, QoS: s.QoS})
	}
	codec := mqtt.NewCodec(mqtt.Options{
		ClientID:      identity.ClientID,
		Username:      identity.Username,
		Password:      identity.Password,
		KeepAlive:     cfg.Broker.KeepAlive,
		SessionExpiry: cfg.Broker.SessionExpiry,
		Subscriptions: subs,
		RateLimit:     cfg.Broker.RateLimit,
		Logger:        logger,
	})

	sess := session.New(session.Config{
		MaxAttempts: cfg.Broker.MaxAttempts,
		Backoff: backoff.Config{
			Initial:    cfg.Broker.Backoff.Initial,
			Max:        cfg.Broker.Backoff.Max,
			Multiplier: cfg.Broker.Backoff.Multiplier,
			Jitter:     cfg.Broker.Backoff.Jitter,
		},
		ProcessDelay: cfg.Broker.ProcessDelay,
		QoS:          &cfg.Broker.QoS,
		OutboxSize:   cfg.Broker.OutboxSize,
		Logger:       logger,
	}, dialer, codec, coord, bus, store)

	// --- Telemetry and indicator ---
	reporter, err := telemetry.New(telemetry.Config{
		Topic:    cfg.Telemetry.Topic,
		Encoding: cfg.Telemetry.Encoding,
		Retries:  cfg.Telemetry.Retries,
		DeviceID: identity.ClientID,
		Version:  buildinfo.Version,
		Logger:   logger,
	}, sess)
	if err != nil {
		return err
	}
	defer reporter.Close()

	light := indicator.NewLog(logger)

	// --- Orchestrator ---
	orch := device.New(device.Config{
		Provisioned: provisioned,
		Paired: func() (bool, error) {
			return provision.StationPaired(store)
		},
		HeartbeatInterval: cfg.Device.HeartbeatInterval,
		StatusTopic:       cfg.Device.StatusTopic,
		ErrorPolicy:       device.ErrorPolicy(cfg.Device.ConnectionErrorPolicy),
		ErrorRetry:        cfg.Device.ConnectionErrorRetry,
		Reboot:            reboot,
		Logger:            logger,
	}, bus, coord, sess, light, reporter)

	var wg sync.WaitGroup
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	for _, drv := range drivers {
		start(drv.Run)
	}
	for _, conn := range conns {
		start(conn.Run)
	}
	start(coord.Run)
	if provisioned {
		start(sess.Run)
	}
	start(orch.Run)

	orch.TurnOn()

	<-ctx.Done()
	logger.Info("shutting down", "cause", context.Cause(ctx))
	cancel()
	wg.Wait()
	reporter.Wait()

	if cause := context.Cause(ctx); errors.Is(cause, errReboot) {
		return cause
	}
	return nil
}

// unprovisionedDialer stands in for the TLS dialer until the device has
// a broker identity. The session manager is not started in that case.
type unprovisionedDialer struct{}

func (unprovisionedDialer) Dial(ctx context.Context) (net.Conn, error) {
	return nil, provision.ErrUnprovisioned
}
