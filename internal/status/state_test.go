package status

import (
	"testing"

	"github.com/matheus3301/tgmirror/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != NotStarted {
		t.Errorf("initial state = %s, want NOT_STARTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		path []State
	}{
		{[]State{Starting, Connected}},
		{[]State{Starting, Dead}},
		{[]State{Starting, Connected, Dead, Starting, Connected}},
		{[]State{Closed}},
		{[]State{Starting, Closed}},
		{[]State{Starting, Connected, Closed}},
		{[]State{Starting, Dead, Closed}},
	}
	for _, tt := range tests {
		m := NewMachine(nil)
		for _, s := range tt.path {
			if err := m.Transition(s); err != nil {
				t.Fatalf("path %v: Transition to %s: %v", tt.path, s, err)
			}
		}
		if want := tt.path[len(tt.path)-1]; m.Current() != want {
			t.Errorf("path %v: state = %s, want %s", tt.path, m.Current(), want)
		}
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(NOT_STARTED -> CONNECTED) should fail")
	}
	if m.Current() != NotStarted {
		t.Errorf("state = %s, want NOT_STARTED (should not have changed)", m.Current())
	}
}

// A connection can only come back through a fresh start.
func TestDeadRequiresRestart(t *testing.T) {
	m := NewMachine(nil)
	_ = m.Transition(Starting)
	_ = m.Transition(Dead)

	if err := m.Transition(Connected); err == nil {
		t.Fatal("Transition(DEAD -> CONNECTED) should fail")
	}
}

func TestClosedIsTerminal(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Closed); err != nil {
		t.Fatal(err)
	}
	for _, s := range []State{NotStarted, Starting, Connected, Dead, Closed} {
		if err := m.Transition(s); err == nil {
			t.Errorf("Transition(CLOSED -> %s) should fail", s)
		}
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("supervisor.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Starting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != NotStarted || change.To != Starting {
		t.Errorf("change = %v -> %v, want NOT_STARTED -> STARTING", change.From, change.To)
	}
}
