package network

// State is the aggregate connectivity state.
type State int32

const (
	// Disabled is the initial state: nothing has been requested yet.
	Disabled State = iota
	// Connecting means a link is being established.
	Connecting
	// Connected means at least one interface is usable.
	Connected
	// Disconnecting means a disconnect was requested.
	Disconnecting
	// NoConnectionError means every interface dropped.
	NoConnectionError
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case NoConnectionError:
		return "no_connection_error"
	default:
		return "unknown"
	}
}

// Policy decides what happens after repeated liveness timeouts in
// NoConnectionError.
type Policy string

const (
	// PolicyWait waits indefinitely for an interface to return.
	PolicyWait Policy = "wait"
	// PolicyRestart restarts the network (disconnect, settle, connect).
	PolicyRestart Policy = "restart"
	// PolicyReboot invokes the reboot hook.
	PolicyReboot Policy = "reboot"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyWait, PolicyRestart, PolicyReboot:
		return true
	}
	return false
}
