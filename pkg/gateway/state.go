package gateway

import "fmt"

// Phase names the coarse connection lifecycle stage.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseReconnecting
	PhaseReconnected
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseReconnected:
		return "reconnected"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the connection state published to listeners. Attempt is set only
// while reconnecting; Message only when failed.
type State struct {
	Phase   Phase
	Attempt int
	Message string
}

func (s State) String() string {
	switch s.Phase {
	case PhaseReconnecting:
		return fmt.Sprintf("reconnecting (attempt %d)", s.Attempt)
	case PhaseFailed:
		if s.Message != "" {
			return "failed: " + s.Message
		}
		return "failed"
	default:
		return s.Phase.String()
	}
}

// StateListener receives connection state transitions. Calls are serialized
// and must not block; heavy handlers should hand off to their own goroutine.
type StateListener func(State)

func stateDisconnected() State        { return State{Phase: PhaseDisconnected} }
func stateConnecting() State          { return State{Phase: PhaseConnecting} }
func stateConnected() State           { return State{Phase: PhaseConnected} }
func stateReconnecting(n int) State   { return State{Phase: PhaseReconnecting, Attempt: n} }
func stateReconnected() State         { return State{Phase: PhaseReconnected} }
func stateFailed(msg string) State    { return State{Phase: PhaseFailed, Message: msg} }
