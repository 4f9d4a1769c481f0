package reader

import "testing"

func TestMachineHappyPath(t *testing.T) {
	m := NewMachine()
	steps := []SessionState{StateConnecting, StateOpen, StateDegraded, StateOpen, StateClosing, StateDisconnected}
	for _, next := range steps {
		if !m.To(next) {
			t.Fatalf("transition to %s from %s should be legal", next, m.Current())
		}
	}
}

func TestMachineRejectsIllegalTransitions(t *testing.T) {
	m := NewMachine()
	if m.To(StateOpen) {
		t.Fatal("disconnected -> open must be illegal")
	}
	if m.Current() != StateDisconnected {
		t.Fatalf("state changed on rejected transition: %s", m.Current())
	}

	m.To(StateConnecting)
	if m.To(StateClosing) {
		t.Fatal("connecting -> closing must be illegal")
	}
}

// A second reconnect schedule while one is pending must be rejected; this is
// the guard against stacked reconnect timers.
func TestMachineReconnectIsIdempotent(t *testing.T) {
	m := NewMachine()
	if !m.To(StateReconnectScheduled) {
		t.Fatal("disconnected -> reconnect_scheduled should be legal")
	}
	if m.To(StateReconnectScheduled) {
		t.Fatal("duplicate reconnect schedule must be rejected")
	}
	if !m.To(StateConnecting) {
		t.Fatal("reconnect_scheduled -> connecting should be legal")
	}
}

func TestSessionStateStrings(t *testing.T) {
	cases := map[SessionState]string{
		StateDisconnected:       "disconnected",
		StateConnecting:         "connecting",
		StateOpen:               "open",
		StateDegraded:           "degraded",
		StateClosing:            "closing",
		StateReconnectScheduled: "reconnect_scheduled",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
