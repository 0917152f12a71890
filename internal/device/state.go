package device

// State is the orchestrator's lifecycle state.
type State int32

const (
	Off State = iota
	// IotUnprovisioned means the cloud identity is incomplete. Terminal
	// until reboot.
	IotUnprovisioned
	// CpUnprovisioned means the cloud is reachable but the charge point
	// is not paired with a station. Terminal until reboot.
	CpUnprovisioned
	Connecting
	Connected
	// ConnectionError means the session manager gave up on the broker.
	ConnectionError
	Disconnecting
	Disconnected
)

// String returns the state name reported to telemetry and admin views.
func (s State) String() string {
	switch s {
	case Off:
		return "off"
	case IotUnprovisioned:
		return "iot_unprovisioned"
	case CpUnprovisioned:
		return "cp_unprovisioned"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ConnectionError:
		return "connection_error"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ErrorPolicy decides how ConnectionError recovers on its own.
type ErrorPolicy string

const (
	// ErrorPolicyWait stays in ConnectionError until a session comes up.
	ErrorPolicyWait ErrorPolicy = "wait"
	// ErrorPolicyRetry re-enters Connecting after the retry interval.
	ErrorPolicyRetry ErrorPolicy = "retry"
	// ErrorPolicyReboot invokes the reboot hook after the retry interval.
	ErrorPolicyReboot ErrorPolicy = "reboot"
)

// Valid reports whether p is a known policy.
func (p ErrorPolicy) Valid() bool {
	switch p {
	case ErrorPolicyWait, ErrorPolicyRetry, ErrorPolicyReboot:
		return true
	}
	return false
}
