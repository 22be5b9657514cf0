package ice

// ConnectionState tracks the agent's overall progress, mirroring the W3C
// RTCIceConnectionState values.
type ConnectionState int

const (
	// The agent is waiting for candidates and the first tick.
	ConnectionStateNew ConnectionState = iota

	// Connectivity checks are running, but no usable pair has been found.
	ConnectionStateChecking

	// A pair has been nominated, but other pairs are still being checked.
	ConnectionStateConnected

	// A pair has been nominated and no other pair remains in flight.
	ConnectionStateCompleted

	// Every pair has exhausted its retry budget without a nomination.
	ConnectionStateFailed

	// The nominated pair stopped responding. May resolve spontaneously if
	// connectivity returns, or harden into Failed.
	ConnectionStateDisconnected

	// The agent has been closed and no longer reacts to input.
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateChecking:
		return "checking"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateCompleted:
		return "completed"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateDisconnected:
		return "disconnected"
	default:
		return "closed"
	}
}

// Event is a lifecycle notification drained via Agent.PollEvent.
type Event interface {
	isEvent()
}

// CandidateEvent is emitted for every successfully added local candidate,
// so the host can trickle it to the remote peer.
type CandidateEvent struct {
	Candidate Candidate
}

// StateChangeEvent is emitted on every connection-state transition.
type StateChangeEvent struct {
	State ConnectionState
}

func (CandidateEvent) isEvent()   {}
func (StateChangeEvent) isEvent() {}
