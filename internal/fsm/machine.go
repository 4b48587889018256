// Package fsm is a small driven state machine: a current state, a table
// keyed by (state, input kind), and one input processed per Handle call.
//
// Inputs with no matching entry, or whose guards all refuse them, are
// ignored: the state is unchanged and nothing is emitted. Duplicate or
// out-of-order sensor events therefore never destabilise a machine.
package fsm

// Transition describes what happens when an input kind arrives in a state.
type Transition[S comparable, I any, O any] struct {
	To S
	// Guard, when set, must accept the input for the transition to fire.
	Guard func(in I) bool
	// Action runs after the state changes and returns the outputs to emit.
	Action func(in I) []O
}

type key[S comparable, K comparable] struct {
	state S
	kind  K
}

// Observer is told about every fired transition, including self-loops.
type Observer[S comparable, I any] func(from, to S, in I)

type Machine[S comparable, K comparable, I any, O any] struct {
	initial  S
	state    S
	kindOf   func(I) K
	table    map[key[S, K]][]Transition[S, I, O]
	wildcard map[K][]Transition[S, I, O]
	observer Observer[S, I]
}

// New builds an empty machine; kindOf extracts the discriminator from an input.
func New[S comparable, K comparable, I any, O any](initial S, kindOf func(I) K) *Machine[S, K, I, O] {
	return &Machine[S, K, I, O]{
		initial:  initial,
		state:    initial,
		kindOf:   kindOf,
		table:    make(map[key[S, K]][]Transition[S, I, O]),
		wildcard: make(map[K][]Transition[S, I, O]),
	}
}

// On registers a transition out of from. Several transitions may share a
// (state, kind) pair; the first whose guard accepts the input fires.
func (m *Machine[S, K, I, O]) On(from S, kind K, t Transition[S, I, O]) *Machine[S, K, I, O] {
	k := key[S, K]{from, kind}
	m.table[k] = append(m.table[k], t)
	return m
}

// OnAny registers a transition taken from every state that has no specific
// entry for kind.
func (m *Machine[S, K, I, O]) OnAny(kind K, t Transition[S, I, O]) *Machine[S, K, I, O] {
	m.wildcard[kind] = append(m.wildcard[kind], t)
	return m
}

// Observe installs a transition observer.
func (m *Machine[S, K, I, O]) Observe(fn Observer[S, I]) *Machine[S, K, I, O] {
	m.observer = fn
	return m
}

func (m *Machine[S, K, I, O]) State() S { return m.state }

// Reset returns the machine to its initial state without emitting anything.
func (m *Machine[S, K, I, O]) Reset() { m.state = m.initial }

// Accepts reports whether in would fire a transition in the current state.
func (m *Machine[S, K, I, O]) Accepts(in I) bool {
	_, ok := m.match(in)
	return ok
}

// Handle processes exactly one input and returns the outputs it produced.
func (m *Machine[S, K, I, O]) Handle(in I) []O {
	t, ok := m.match(in)
	if !ok {
		return nil
	}
	from := m.state
	m.state = t.To
	if m.observer != nil {
		m.observer(from, t.To, in)
	}
	if t.Action == nil {
		return nil
	}
	return t.Action(in)
}

func (m *Machine[S, K, I, O]) match(in I) (Transition[S, I, O], bool) {
	kind := m.kindOf(in)
	candidates, ok := m.table[key[S, K]{m.state, kind}]
	if !ok {
		candidates = m.wildcard[kind]
	}
	for _, t := range candidates {
		if t.Guard == nil || t.Guard(in) {
			return t, true
		}
	}
	var zero Transition[S, I, O]
	return zero, false
}
