package session

import "errors"

// State is the lifecycle position of a session.
type State int

const (
	NotStarted State = iota
	AwaitingBaseline
	Monitoring
	Ended
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case AwaitingBaseline:
		return "AwaitingBaseline"
	case Monitoring:
		return "Monitoring"
	case Ended:
		return "Ended"
	default:
		return "Unknown"
	}
}

// Active reports whether the loop may run in this state.
func (s State) Active() bool {
	return s == AwaitingBaseline || s == Monitoring
}

var (
	// ErrNotReady is returned when capabilities have not reported ready.
	ErrNotReady = errors.New("capabilities not ready")
	// ErrNoFrame is returned by LockBaseline when no frame could be embedded.
	ErrNoFrame = errors.New("no frame available to lock baseline")
	// ErrEnded is returned for operations on an ended session.
	ErrEnded = errors.New("session has ended")
	// ErrInvalidTransition is returned for a transition the state machine forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
)
