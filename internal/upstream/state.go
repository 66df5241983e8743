package upstream

import (
	"errors"
	"fmt"
)

// State is the upstream connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event drives a state transition.
type Event int

const (
	EventStart Event = iota
	EventHandshakeOK
	EventHandshakeFailed
	EventConnectionLost
	EventShutdown
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "Start"
	case EventHandshakeOK:
		return "HandshakeOK"
	case EventHandshakeFailed:
		return "HandshakeFailed"
	case EventConnectionLost:
		return "ConnectionLost"
	case EventShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// ErrInvalidTransition is returned for an event the current state does not accept.
var ErrInvalidTransition = errors.New("invalid link transition")

// Transition returns the state reached from s on e. Shutdown is accepted from
// every state.
func Transition(s State, e Event) (State, error) {
	if e == EventShutdown {
		return Disconnected, nil
	}
	switch {
	case s == Disconnected && e == EventStart:
		return Connecting, nil
	case s == Connecting && e == EventHandshakeOK:
		return Connected, nil
	case s == Connecting && e == EventHandshakeFailed:
		return Disconnected, nil
	case s == Connected && e == EventConnectionLost:
		return Disconnected, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, e)
}
