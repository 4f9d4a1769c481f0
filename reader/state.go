package reader

import "fmt"

// SessionState tracks the lifecycle of the single upstream connection.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateOpen
	StateDegraded
	StateClosing
	StateReconnectScheduled
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	case StateReconnectScheduled:
		return "reconnect_scheduled"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// transitions is the legal transition table. ReconnectScheduled is reachable
// only from a terminal-ish state and never from itself, which is what makes
// duplicate reconnect scheduling unrepresentable.
var transitions = map[SessionState][]SessionState{
	StateDisconnected:       {StateConnecting, StateReconnectScheduled},
	StateConnecting:         {StateOpen, StateReconnectScheduled},
	StateOpen:               {StateDegraded, StateClosing},
	StateDegraded:           {StateOpen, StateClosing},
	StateClosing:            {StateDisconnected},
	StateReconnectScheduled: {StateConnecting},
}

// Machine is a tiny state holder with a checked transition. It is owned and
// mutated by the connector's run loop only.
type Machine struct {
	state SessionState
}

// NewMachine starts in Disconnected.
func NewMachine() *Machine {
	return &Machine{state: StateDisconnected}
}

// Current returns the current state.
func (m *Machine) Current() SessionState {
	return m.state
}

// To attempts the transition and reports whether it was legal. Illegal
// transitions leave the state unchanged.
func (m *Machine) To(next SessionState) bool {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return true
		}
	}
	return false
}
