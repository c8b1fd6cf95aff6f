package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/tgmirror/internal/bus"
)

// State is the lifecycle state of the supervised client process.
type State string

const (
	NotStarted State = "NOT_STARTED"
	Starting   State = "STARTING"
	Connected  State = "CONNECTED"
	Dead       State = "DEAD"
	Closed     State = "CLOSED"
)

// validTransitions defines allowed state transitions. Closed is terminal.
var validTransitions = map[State][]State{
	NotStarted: {Starting, Closed},
	Starting:   {Connected, Dead, Closed},
	Connected:  {Dead, Closed},
	Dead:       {Starting, Closed},
}

// Machine tracks and enforces supervisor state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in NotStarted.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: NotStarted,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
