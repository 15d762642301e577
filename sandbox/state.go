package sandbox

import "fmt"

// State is a step in the lifecycle of one execution
type State int

const (
	StateCompiled State = iota
	StateInstantiated
	StateRunning
	StateCompleted
	StateTrapped
	StateOutOfGas
)

func (s State) String() string {
	switch s {
	case StateCompiled:
		return "compiled"
	case StateInstantiated:
		return "instantiated"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTrapped:
		return "trapped"
	case StateOutOfGas:
		return "out_of_gas"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTrapped || s == StateOutOfGas
}

// StateHook observes state transitions of executions
type StateHook func(executionID string, from, to State)

type tracker struct {
	id    string
	state State
	hook  StateHook
}

func newTracker(id string, hook StateHook) *tracker {
	return &tracker{id: id, state: StateCompiled, hook: hook}
}

// transition moves to the next state, refusing skipped steps and any move
// out of a terminal state.
func (t *tracker) transition(to State) error {
	if !validTransition(t.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.state, to)
	}
	from := t.state
	t.state = to
	if t.hook != nil {
		t.hook(t.id, from, to)
	}
	return nil
}

func validTransition(from, to State) bool {
	switch from {
	case StateCompiled:
		return to == StateInstantiated
	case StateInstantiated:
		return to == StateRunning
	case StateRunning:
		return to.Terminal()
	}
	return false
}
