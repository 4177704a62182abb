package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/bus"
)

// State represents the transport connectivity state.
type State string

const (
	Offline    State = "OFFLINE"
	Connecting State = "CONNECTING"
	Online     State = "ONLINE"
	Degraded   State = "DEGRADED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Offline:    {Connecting},
	Connecting: {Online, Offline, Degraded},
	Online:     {Degraded, Connecting, Offline},
	Degraded:   {Connecting, Online, Offline},
}

// eventKinds maps each state to the bus event announcing entry into it.
var eventKinds = map[State]string{
	Offline:    bus.KindConnOffline,
	Connecting: bus.KindConnConnecting,
	Online:     bus.KindConnOnline,
	Degraded:   bus.KindConnDegraded,
}

// Machine tracks and enforces connectivity transitions. The send
// coordinator subscribes to its bus events to flush queued sends when
// the transport comes back.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine starting in Offline state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Offline,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsOnline reports whether the transport is usable for emission.
func (m *Machine) IsOnline() bool {
	s := m.Current()
	return s == Online || s == Degraded
}

// Transition attempts to move to a new state. Returns error if the
// transition is invalid; transitioning to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      eventKinds[to],
			Timestamp: time.Now(),
			Payload:   StatusChange{From: from, To: to},
		})
	}
	return nil
}

// StatusChange is the payload for connectivity change events.
type StatusChange struct {
	From State
	To   State
}
