package netif

import (
	"context"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// DefaultPollInterval is how often HostDriver samples interface state.
const DefaultPollInterval = 2 * time.Second

// HostDriver is a link driver for a Linux-class host. It cannot
// configure the OS network stack; instead it samples the named host
// interface's flags and addresses and raises link callbacks when they
// change. Enable and Disable gate whether changes are reported.
type HostDriver struct {
	device string
	poll   time.Duration
	logger *slog.Logger
	list   func(ctx context.Context) ([]psnet.InterfaceStat, error)

	mu       sync.Mutex
	enabled  bool
	handler  LinkHandler
	lastUp   bool
	lastAddr Addressing
	dhcp     bool
}

// NewHostDriver creates a driver for the host interface named device
// (e.g. "wlan0", "eth0").
func NewHostDriver(device string, poll time.Duration, logger *slog.Logger) *HostDriver {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HostDriver{
		device: device,
		poll:   poll,
		logger: logger.With("component", "hostlink", "device", device),
		list: func(ctx context.Context) ([]psnet.InterfaceStat, error) {
			return psnet.InterfacesWithContext(ctx)
		},
	}
}

// SetLinkHandler registers the link callback.
func (d *HostDriver) SetLinkHandler(h LinkHandler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// Enable starts reporting link changes. The next sample re-announces
// the current state.
func (d *HostDriver) Enable(ctx context.Context) error {
	d.mu.Lock()
	d.enabled = true
	d.lastUp = false
	d.lastAddr = Addressing{}
	d.mu.Unlock()
	d.logger.Debug("host link reporting enabled")
	return nil
}

// Disable stops reporting link changes.
func (d *HostDriver) Disable(ctx context.Context) error {
	d.mu.Lock()
	d.enabled = false
	d.lastUp = false
	d.lastAddr = Addressing{}
	d.mu.Unlock()
	d.logger.Debug("host link reporting disabled")
	return nil
}

// SetAddressing records the requested mode. Static addressing on the
// host is owned by the OS, so the address itself is only logged.
func (d *HostDriver) SetAddressing(ctx context.Context, dhcp bool, addr Addressing) error {
	d.mu.Lock()
	d.dhcp = dhcp
	d.mu.Unlock()
	d.logger.Info("addressing requested", "dhcp", dhcp, "ip", addr.IP)
	return nil
}

// Run samples the host interface until ctx is cancelled.
func (d *HostDriver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	d.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sample(ctx)
		}
	}
}

// sample reads the host interface once and reports changes.
func (d *HostDriver) sample(ctx context.Context) {
	ifaces, err := d.list(ctx)
	if err != nil {
		d.logger.Warn("list host interfaces failed", "error", err)
		return
	}

	up := false
	var addr Addressing
	for _, ifi := range ifaces {
		if ifi.Name != d.device {
			continue
		}
		// "up" is only the admin state; "running" is carrier.
		up = slices.Contains(ifi.Flags, "up") && slices.Contains(ifi.Flags, "running")
		addr = firstIPv4(ifi.Addrs)
		break
	}
	if !up {
		addr = Addressing{}
	}

	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		return
	}
	handler := d.handler
	var out []func()
	if up != d.lastUp {
		ev := LinkDown
		if up {
			ev = LinkUp
		}
		out = append(out, func() { handler(ev, Addressing{}) })
	}
	if addr.IP != d.lastAddr.IP {
		switch {
		case addr.IP.IsValid():
			a := addr
			out = append(out, func() { handler(GotAddress, a) })
		case d.lastAddr.IP.IsValid():
			out = append(out, func() { handler(LostAddress, Addressing{}) })
		}
	}
	d.lastUp = up
	d.lastAddr = addr
	d.mu.Unlock()

	if handler == nil {
		return
	}
	for _, f := range out {
		f()
	}
}

// firstIPv4 returns the first IPv4 address (with netmask) from a
// gopsutil address list of CIDR strings.
func firstIPv4(addrs psnet.InterfaceAddrList) Addressing {
	for _, a := range addrs {
		p, err := netip.ParsePrefix(a.Addr)
		if err != nil || !p.Addr().Is4() {
			continue
		}
		return Addressing{
			IP:      p.Addr(),
			Netmask: maskFromBits(p.Bits()),
		}
	}
	return Addressing{}
}

// maskFromBits renders an IPv4 prefix length as a dotted netmask.
func maskFromBits(bits int) netip.Addr {
	var m [4]byte
	for i := 0; i < 4; i++ {
		n := bits - i*8
		switch {
		case n >= 8:
			m[i] = 0xff
		case n > 0:
			m[i] = byte(0xff << (8 - n))
		}
	}
	return netip.AddrFrom4(m)
}
