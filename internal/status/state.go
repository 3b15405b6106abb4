package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/mentorloop/coachchat/internal/bus"
)

// State represents the stream connection runtime state.
type State string

const (
	Booting      State = "BOOTING"
	Connecting   State = "CONNECTING"
	Syncing      State = "SYNCING"
	Live         State = "LIVE"
	Reconnecting State = "RECONNECTING"
	Degraded     State = "DEGRADED"
	Stopped      State = "STOPPED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {Connecting, Stopped},
	Connecting:   {Syncing, Reconnecting, Degraded, Stopped},
	Syncing:      {Live, Reconnecting, Degraded, Stopped},
	Live:         {Reconnecting, Degraded, Stopped},
	Reconnecting: {Connecting, Degraded, Stopped},
	Degraded:     {Connecting, Stopped},
	Stopped:      {Booting, Connecting},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Connected reports whether the stream is usable (syncing or live).
func (m *Machine) Connected() bool {
	s := m.Current()
	return s == Syncing || s == Live
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
		m.bus.Publish(bus.KindStatusChanged, StatusChange{
			From: from,
			To:   to,
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
