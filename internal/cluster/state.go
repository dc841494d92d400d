package cluster

// State is the connection state of a cluster.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRefreshing
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRefreshing:
		return "refreshing"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// HasSession reports whether the state has a usable session.
func (s State) HasSession() bool {
	return s == StateConnected || s == StateRefreshing
}

var transitions = map[State][]State{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateConnected, StateDisconnected},
	StateConnected:     {StateRefreshing, StateDisconnecting},
	StateRefreshing:    {StateConnected, StateDisconnecting},
	StateDisconnecting: {StateDisconnected},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
