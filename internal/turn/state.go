package turn

import (
	"log/slog"
	"time"
)

// State identifies one phase of the turn lifecycle.
type State string

const (
	StateIdle        State = "IDLE"
	StateListening   State = "LISTENING"
	StateSpeculative State = "SPECULATIVE"
	StateCommitted   State = "COMMITTED"
	StateSpeaking    State = "SPEAKING"
)

// Transition is one recorded state change. FromState is empty on the
// initialization record.
type Transition struct {
	FromState State  `json:"from_state"`
	ToState   State  `json:"to_state"`
	Reason    string `json:"reason"`
	TSMs      int64  `json:"ts_ms"`
}

// allowedTransitions is the full legal transition graph. An agent utterance is
// only audible after IDLE → LISTENING → SPECULATIVE → COMMITTED → SPEAKING has
// been travelled, so every shortcut is rejected here rather than guarded
// downstream.
var allowedTransitions = map[State][]State{
	StateIdle:        {StateListening},
	StateListening:   {StateSpeculative, StateIdle},
	StateSpeculative: {StateCommitted, StateListening, StateIdle},
	StateCommitted:   {StateSpeaking, StateIdle},
	StateSpeaking:    {StateIdle, StateListening},
}

// StateMachine enforces the five-state turn lifecycle. It is not safe for
// concurrent use; the Controller is its only writer.
type StateMachine struct {
	current  State
	previous State
	history  []Transition

	onEnter      map[State][]func()
	onExit       map[State][]func()
	onTransition []func(from, to State)
}

func NewStateMachine() *StateMachine {
	m := &StateMachine{
		current: StateIdle,
		onEnter: make(map[State][]func()),
		onExit:  make(map[State][]func()),
	}
	m.record("", StateIdle, "initialized")
	return m
}

func (m *StateMachine) Current() State  { return m.current }
func (m *StateMachine) Previous() State { return m.previous }

// History returns a copy of the recorded trajectory.
func (m *StateMachine) History() []Transition {
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// CanTransition reports whether current → to is a legal edge.
func (m *StateMachine) CanTransition(to State) bool {
	for _, s := range allowedTransitions[m.current] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the machine to the target state, running exit, enter and
// any-transition hooks in that order. An illegal transition is logged and
// reported via the return value; it is never fatal because it indicates a
// controller bug, not a user-visible condition.
func (m *StateMachine) Transition(to State, reason string) bool {
	if !m.CanTransition(to) {
		slog.Warn("invalid state transition rejected",
			"from", m.current, "to", to, "reason", reason)
		return false
	}

	from := m.current
	for _, hook := range m.onExit[from] {
		hook()
	}

	m.previous = from
	m.current = to
	m.record(from, to, reason)
	slog.Debug("state transition", "from", from, "to", to, "reason", reason)

	for _, hook := range m.onEnter[to] {
		hook()
	}
	for _, hook := range m.onTransition {
		hook(from, to)
	}
	return true
}

func (m *StateMachine) OnEnter(s State, hook func()) {
	m.onEnter[s] = append(m.onEnter[s], hook)
}

func (m *StateMachine) OnExit(s State, hook func()) {
	m.onExit[s] = append(m.onExit[s], hook)
}

func (m *StateMachine) OnTransition(hook func(from, to State)) {
	m.onTransition = append(m.onTransition, hook)
}

func (m *StateMachine) record(from, to State, reason string) {
	m.history = append(m.history, Transition{
		FromState: from,
		ToState:   to,
		Reason:    reason,
		TSMs:      time.Now().UnixMilli(),
	})
}
