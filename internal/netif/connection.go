package netif

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"

	"github.com/nugget/chargelight/internal/events"
	"github.com/nugget/chargelight/internal/opstate"
)

type op int

const (
	opUp op = iota
	opDown
	opSetNetworkInfo
	opUseDHCP
	opLink
)

type request struct {
	op         op
	persistent bool
	dhcp       bool
	addr       Addressing
	link       LinkEvent
	reply      chan error
}

// Config configures a Connection.
type Config struct {
	// Name is "wifi" or "eth".
	Name string

	// DefaultEnabled is the enabled flag used when nothing has been
	// persisted yet.
	DefaultEnabled bool

	// QueueSize bounds the request FIFO (default: 32).
	QueueSize int

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Connection owns one interface. Create with [New], call
// [Connection.Initialize], then run [Connection.Run] in its own goroutine.
type Connection struct {
	name   string
	driver Driver
	store  Store
	bus    *events.Bus
	logger *slog.Logger
	inbox  chan request

	defaultEnabled bool

	// Owned by the Run goroutine.
	state   State
	carrier bool

	snap  atomic.Pointer[State]
	admin atomic.Bool
}

// New creates an interface connection. It does not touch the driver
// until Initialize.
func New(cfg Config, driver Driver, store Store, bus *events.Bus) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.QueueSize
	if size < 1 {
		size = events.DefaultQueueSize
	}
	c := &Connection{
		name:           cfg.Name,
		driver:         driver,
		store:          store,
		bus:            bus,
		logger:         logger.With("component", "netif", "interface", cfg.Name),
		inbox:          make(chan request, size),
		defaultEnabled: cfg.DefaultEnabled,
		state:          State{Name: cfg.Name, UsesDHCP: true},
	}
	c.publishSnapshot()
	return c
}

// Name returns the interface name.
func (c *Connection) Name() string { return c.name }

// Initialize loads the persisted configuration and registers for link
// callbacks. It must be called once, before Run.
func (c *Connection) Initialize() error {
	ns := Namespace(c.name)

	admin, err := opstate.GetBool(c.store, ns, "enabled", c.defaultEnabled)
	if err != nil {
		return fmt.Errorf("load %s enabled flag: %w", c.name, err)
	}
	dhcp, err := opstate.GetBool(c.store, ns, "dhcp", true)
	if err != nil {
		return fmt.Errorf("load %s dhcp flag: %w", c.name, err)
	}

	addr, err := c.loadStatic(ns)
	if err != nil {
		return err
	}

	c.admin.Store(admin)
	c.state.UsesDHCP = dhcp
	if !dhcp {
		c.state.Addressing = addr
	}
	c.publishSnapshot()

	c.driver.SetLinkHandler(c.onLink)

	c.logger.Info("interface initialized",
		"admin_enabled", admin,
		"dhcp", dhcp,
		"ip", addr.IP,
	)
	return nil
}

// Run processes requests and link callbacks until ctx is cancelled.
func (c *Connection) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.inbox:
			err := c.handle(ctx, req)
			if req.reply != nil {
				req.reply <- err
			}
		}
	}
}

// Up enables the interface. With persistent set, the enabled flag is
// saved so the interface comes up on the next boot.
func (c *Connection) Up(ctx context.Context, persistent bool) error {
	return c.call(ctx, request{op: opUp, persistent: persistent})
}

// Down disables the interface. With persistent set, the disabled flag is
// saved.
func (c *Connection) Down(ctx context.Context, persistent bool) error {
	return c.call(ctx, request{op: opDown, persistent: persistent})
}

// SetNetworkInfo switches to static addressing and persists it. An
// enabled interface is brought down and back up to apply it.
func (c *Connection) SetNetworkInfo(ctx context.Context, addr Addressing) error {
	if !addr.IP.IsValid() {
		return fmt.Errorf("%s: static addressing requires an IP", c.name)
	}
	return c.call(ctx, request{op: opSetNetworkInfo, addr: addr})
}

// UseDHCP selects DHCP (true) or the persisted static addressing (false).
// An enabled interface is brought down and back up to apply it.
func (c *Connection) UseDHCP(ctx context.Context, dhcp bool) error {
	return c.call(ctx, request{op: opUseDHCP, dhcp: dhcp})
}

// IsConnected reports whether the interface is usable.
func (c *Connection) IsConnected() bool { return c.snap.Load().LinkUp }

// IsEnabled reports whether the interface is administratively up.
func (c *Connection) IsEnabled() bool { return c.snap.Load().Enabled }

// IsConfigured reports whether the interface has enough addressing
// configuration to be brought up.
func (c *Connection) IsConfigured() bool {
	s := c.snap.Load()
	return s.UsesDHCP || s.IP.IsValid()
}

// AdminEnabled reports the persisted enabled preference, which decides
// whether a network connect brings this interface up.
func (c *Connection) AdminEnabled() bool { return c.admin.Load() }

// State returns a copy of the latest interface state.
func (c *Connection) State() State { return *c.snap.Load() }

// call sends a request to the Run goroutine and waits for its result.
func (c *Connection) call(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case c.inbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onLink is the driver callback. It only enqueues.
func (c *Connection) onLink(ev LinkEvent, addr Addressing) {
	select {
	case c.inbox <- request{op: opLink, link: ev, addr: addr}:
	default:
		c.logger.Warn("interface queue full, dropping link event", "event", ev.String())
	}
}

func (c *Connection) handle(ctx context.Context, req request) error {
	switch req.op {
	case opUp:
		return c.up(ctx, req.persistent)
	case opDown:
		return c.down(ctx, req.persistent)
	case opSetNetworkInfo:
		return c.setNetworkInfo(ctx, req.addr)
	case opUseDHCP:
		return c.useDHCP(ctx, req.dhcp)
	case opLink:
		c.handleLink(req.link, req.addr)
		return nil
	default:
		return fmt.Errorf("%s: unknown request %d", c.name, req.op)
	}
}

func (c *Connection) up(ctx context.Context, persistent bool) error {
	if c.state.Enabled {
		return fmt.Errorf("%s up: %w", c.name, ErrInvalidState)
	}
	if !c.state.UsesDHCP && !c.state.IP.IsValid() {
		return fmt.Errorf("%s up: %w", c.name, ErrNotConfigured)
	}
	if err := c.driver.SetAddressing(ctx, c.state.UsesDHCP, c.state.Addressing); err != nil {
		return fmt.Errorf("%s set addressing: %w", c.name, err)
	}
	if err := c.driver.Enable(ctx); err != nil {
		return fmt.Errorf("%s enable: %w", c.name, err)
	}
	c.state.Enabled = true
	if persistent {
		c.persistEnabled(true)
	}
	c.publishSnapshot()
	c.logger.Info("interface up", "persistent", persistent, "dhcp", c.state.UsesDHCP)
	return nil
}

func (c *Connection) down(ctx context.Context, persistent bool) error {
	if !c.state.Enabled {
		return fmt.Errorf("%s down: %w", c.name, ErrInvalidState)
	}
	if err := c.driver.Disable(ctx); err != nil {
		return fmt.Errorf("%s disable: %w", c.name, err)
	}
	c.state.Enabled = false
	c.dropLink()
	if persistent {
		c.persistEnabled(false)
	}
	c.publishSnapshot()
	c.logger.Info("interface down", "persistent", persistent)
	return nil
}

func (c *Connection) setNetworkInfo(ctx context.Context, addr Addressing) error {
	ns := Namespace(c.name)
	kv := map[string]netip.Addr{
		"ip":      addr.IP,
		"netmask": addr.Netmask,
		"gateway": addr.Gateway,
		"dns":     addr.DNS,
	}
	for key, a := range kv {
		v := ""
		if a.IsValid() {
			v = a.String()
		}
		if err := c.store.Set(ns, key, v); err != nil {
			return fmt.Errorf("%s persist %s: %w", c.name, key, err)
		}
	}
	if err := opstate.SetBool(c.store, ns, "dhcp", false); err != nil {
		return fmt.Errorf("%s persist dhcp: %w", c.name, err)
	}

	c.state.UsesDHCP = false
	c.state.Addressing = addr
	c.publishSnapshot()
	c.logger.Info("static addressing set", "ip", addr.IP, "gateway", addr.Gateway)
	return c.bounce(ctx)
}

// loadStatic reads the persisted static addressing from namespace ns.
func (c *Connection) loadStatic(ns string) (Addressing, error) {
	var addr Addressing
	fields := []struct {
		key string
		dst *netip.Addr
	}{
		{"ip", &addr.IP},
		{"netmask", &addr.Netmask},
		{"gateway", &addr.Gateway},
		{"dns", &addr.DNS},
	}
	for _, f := range fields {
		v, err := c.store.Get(ns, f.key)
		if err != nil {
			return Addressing{}, fmt.Errorf("load %s %s: %w", c.name, f.key, err)
		}
		if v == "" {
			continue
		}
		a, err := netip.ParseAddr(v)
		if err != nil {
			return Addressing{}, fmt.Errorf("parse %s %s %q: %w", c.name, f.key, v, err)
		}
		*f.dst = a
	}
	return addr, nil
}

func (c *Connection) useDHCP(ctx context.Context, dhcp bool) error {
	ns := Namespace(c.name)
	var addr Addressing
	if !dhcp {
		// Fall back to the persisted static addressing.
		var err error
		if addr, err = c.loadStatic(ns); err != nil {
			return err
		}
	}
	if err := opstate.SetBool(c.store, ns, "dhcp", dhcp); err != nil {
		return fmt.Errorf("%s persist dhcp: %w", c.name, err)
	}

	c.state.UsesDHCP = dhcp
	c.state.Addressing = addr
	c.publishSnapshot()
	c.logger.Info("addressing mode changed", "dhcp", dhcp)
	return c.bounce(ctx)
}

// bounce re-applies addressing on an enabled interface by taking it down
// and back up. A disabled interface only records the change.
func (c *Connection) bounce(ctx context.Context) error {
	if !c.state.Enabled {
		return nil
	}
	if err := c.driver.Disable(ctx); err != nil {
		return fmt.Errorf("%s disable: %w", c.name, err)
	}
	c.dropLink()
	if err := c.driver.SetAddressing(ctx, c.state.UsesDHCP, c.state.Addressing); err != nil {
		return fmt.Errorf("%s set addressing: %w", c.name, err)
	}
	if err := c.driver.Enable(ctx); err != nil {
		c.state.Enabled = false
		c.publishSnapshot()
		return fmt.Errorf("%s enable: %w", c.name, err)
	}
	return nil
}

func (c *Connection) handleLink(ev LinkEvent, addr Addressing) {
	if !c.state.Enabled {
		if ev == LinkDown {
			c.carrier = false
		}
		c.logger.Debug("link event ignored on disabled interface", "event", ev.String())
		return
	}

	c.logger.Debug("link event", "event", ev.String(), "ip", addr.IP)

	switch ev {
	case LinkUp:
		c.carrier = true
		if !c.state.UsesDHCP {
			c.setUsable(true)
		} else if !c.state.LinkUp {
			c.bus.Publish(events.Link(c.name, events.KindConnecting))
		}
	case GotAddress:
		c.carrier = true
		if c.state.UsesDHCP {
			c.state.Addressing = addr
			c.setUsable(true)
		}
	case LostAddress:
		if c.state.UsesDHCP && c.state.LinkUp {
			c.state.Addressing = Addressing{}
			c.setUsable(false)
		}
	case LinkDown:
		wasCarrier := c.carrier
		c.carrier = false
		if c.state.LinkUp {
			c.setUsable(false)
		} else if wasCarrier {
			// Carrier lost while still waiting for a lease.
			c.bus.Publish(events.Link(c.name, events.KindDisconnected))
		}
		if c.state.UsesDHCP {
			c.state.Addressing = Addressing{}
		}
	}
	c.publishSnapshot()
}

// dropLink clears carrier and usability, reporting the loss if the
// interface was usable.
func (c *Connection) dropLink() {
	c.carrier = false
	if c.state.LinkUp {
		c.setUsable(false)
	}
	if c.state.UsesDHCP {
		c.state.Addressing = Addressing{}
	}
}

func (c *Connection) setUsable(up bool) {
	if c.state.LinkUp == up {
		return
	}
	c.state.LinkUp = up
	c.publishSnapshot()
	if up {
		c.logger.Info("interface connected", "ip", c.state.IP)
		c.bus.Publish(events.Link(c.name, events.KindConnected))
	} else {
		c.logger.Info("interface disconnected")
		c.bus.Publish(events.Link(c.name, events.KindDisconnected))
	}
}

func (c *Connection) persistEnabled(enabled bool) {
	if err := opstate.SetBool(c.store, Namespace(c.name), "enabled", enabled); err != nil {
		c.logger.Warn("failed to persist enabled flag", "error", err)
		return
	}
	c.admin.Store(enabled)
}

func (c *Connection) publishSnapshot() {
	s := c.state
	c.snap.Store(&s)
}
