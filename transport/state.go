package transport

// State describes the channel's position in its connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// Status is a point-in-time snapshot of the channel, suitable for a status
// indicator.
type Status struct {
	State     State
	Attempts  int
	Exhausted bool
	LastError error
	QueueLen  int
}
