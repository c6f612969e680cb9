package channel

// ConnectionState is the channel lifecycle state. Exactly one value holds at
// a time; it is owned by the Channel and other components only observe it
// through state-change notifications.
type ConnectionState int

const (
	// StateDisconnected means no socket is open and none is wanted.
	StateDisconnected ConnectionState = iota

	// StateConnecting means a dial is in flight.
	StateConnecting

	// StateConnected means the socket is open and frames flow.
	StateConnected

	// StateReconnecting means an automatic retry is scheduled after a
	// non-clean close.
	StateReconnecting

	// StateError means the dial failed or reconnect attempts are exhausted;
	// only an explicit Connect leaves this state.
	StateError
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
