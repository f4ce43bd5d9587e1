package subscription

// State is the connection state of a Manager.
type State int

const (
	// StateIdle means no subscription: disabled, no address, or closed.
	StateIdle State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means the stream is open and delivering frames.
	StateConnected
	// StateError means the last attempt failed and a retry is scheduled.
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
