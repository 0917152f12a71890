// Package netif manages one physical network interface ("wifi" or "eth"):
// administrative enable/disable, DHCP versus static addressing, and
// translation of asynchronous link callbacks into connecting / connected /
// disconnected reports on the event bus.
//
// Each [Connection] confines its state to a single goroutine ([Connection.Run]).
// Explicit calls such as [Connection.Up] travel to that goroutine as
// request/reply messages on the same FIFO as the driver's link callbacks,
// so a callback can never race a caller.
package netif

import (
	"context"
	"errors"
	"net/netip"
)

// Interface names used throughout the device.
const (
	WiFi     = "wifi"
	Ethernet = "eth"
)

var (
	// ErrInvalidState is returned when bringing up an enabled interface
	// or bringing down a disabled one. The call is a no-op.
	ErrInvalidState = errors.New("invalid interface state")

	// ErrNotConfigured is returned by Up when static addressing is
	// selected but no address has been set.
	ErrNotConfigured = errors.New("interface not configured")
)

// LinkEvent is a notification raised by a link driver.
type LinkEvent int

const (
	// LinkUp reports carrier / association established.
	LinkUp LinkEvent = iota
	// LinkDown reports carrier / association lost.
	LinkDown
	// GotAddress reports a DHCP lease (or an address becoming usable).
	GotAddress
	// LostAddress reports that the lease was lost.
	LostAddress
)

// String returns the event name for logging.
func (e LinkEvent) String() string {
	switch e {
	case LinkUp:
		return "link_up"
	case LinkDown:
		return "link_down"
	case GotAddress:
		return "got_address"
	case LostAddress:
		return "lost_address"
	default:
		return "unknown"
	}
}

// Addressing is an IPv4 configuration. Zero-valued fields are unset.
type Addressing struct {
	IP      netip.Addr `json:"ip"`
	Netmask netip.Addr `json:"netmask"`
	Gateway netip.Addr `json:"gateway"`
	DNS     netip.Addr `json:"dns"`
}

// State is a point-in-time copy of one interface's state.
type State struct {
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	UsesDHCP bool   `json:"uses_dhcp"`
	// LinkUp is true when the interface is usable: carrier plus a static
	// address, or carrier plus a DHCP lease.
	LinkUp bool `json:"link_up"`
	Addressing
}

// LinkHandler receives driver notifications. addr carries the leased
// addressing for GotAddress and is zero otherwise.
type LinkHandler func(ev LinkEvent, addr Addressing)

// Driver is the boundary to the physical link. Implementations may call
// the registered LinkHandler from any goroutine.
type Driver interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	SetAddressing(ctx context.Context, dhcp bool, addr Addressing) error
	SetLinkHandler(h LinkHandler)
}

// Store is the persisted settings store.
type Store interface {
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
}

// Namespace returns the settings namespace for an interface.
func Namespace(name string) string {
	return "netif/" + name
}
