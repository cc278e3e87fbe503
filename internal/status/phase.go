package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/P-443/zzapp/internal/bus"
)

// Phase represents a step in the session lifecycle.
type Phase string

const (
	Uninitialized Phase = "UNINITIALIZED"
	AwaitingScan  Phase = "AWAITING_SCAN"
	Authenticated Phase = "AUTHENTICATED"
	Ready         Phase = "READY"
	Disconnected  Phase = "DISCONNECTED"
	Retrying      Phase = "RETRYING"
	Failed        Phase = "FAILED"
)

// validTransitions defines the allowed lifecycle edges. Every phase may
// return to Uninitialized (logout restarts the controller) and drop to
// Failed (auth hard-failure is terminal until a fresh login).
var validTransitions = map[Phase][]Phase{
	Uninitialized: {AwaitingScan, Authenticated, Failed},
	AwaitingScan:  {Authenticated, Uninitialized, Failed},
	Authenticated: {Ready, Disconnected, Uninitialized, Failed},
	Ready:         {Disconnected, Uninitialized, Failed},
	Disconnected:  {Retrying, Uninitialized, Failed},
	Retrying:      {AwaitingScan, Authenticated, Ready, Disconnected, Uninitialized, Failed},
	Failed:        {Uninitialized},
}

// Change is the payload for phase change events.
type Change struct {
	From Phase
	To   Phase
}

// Machine tracks and enforces session phase transitions.
type Machine struct {
	mu      sync.RWMutex
	current Phase
	bus     *bus.Bus
}

// NewMachine creates a machine starting in Uninitialized.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Uninitialized, bus: b}
}

// Current returns the current phase.
func (m *Machine) Current() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new phase. Returns an error if the edge
// is not in the transition table. A successful transition is published as a
// session.phase_changed event.
func (m *Machine) Transition(to Phase) error {
	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[from], to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Now("session.phase_changed", Change{From: from, To: to}))
	}
	return nil
}
