package session

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for a state change the lifecycle does not allow.
var ErrInvalidTransition = errors.New("session: invalid state transition")

// State is a session's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateTranscribing
	StateResponding
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateResponding:
		return "responding"
	case StateInterrupted:
		return "interrupted"
	}
	return "unknown"
}

var transitions = map[State][]State{
	StateIdle:         {StateListening},
	StateListening:    {StateTranscribing, StateIdle},
	StateTranscribing: {StateResponding, StateListening, StateInterrupted},
	StateResponding:   {StateIdle, StateInterrupted},
	StateInterrupted:  {StateListening},
}

// CanTransition reports whether from -> to is a valid lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateMachine is the single linear lifecycle of one session. It is owned
// by the session worker and not safe for concurrent use.
type StateMachine struct {
	state    State
	onChange func(from, to State)
}

// NewStateMachine starts in Idle. onChange, when set, observes every
// accepted transition.
func NewStateMachine(onChange func(from, to State)) *StateMachine {
	return &StateMachine{state: StateIdle, onChange: onChange}
}

func (m *StateMachine) State() State {
	return m.state
}

// Transition moves to the given state or returns ErrInvalidTransition.
func (m *StateMachine) Transition(to State) error {
	from := m.state
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}
