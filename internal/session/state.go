package session

// State is the lifecycle state of a [Manager].
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateActive
	StateReconnecting
	StateTerminated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
