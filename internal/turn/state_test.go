package turn

import "testing"

func TestStateMachineHappyPath(t *testing.T) {
	m := NewStateMachine()
	steps := []State{StateListening, StateSpeculative, StateCommitted, StateSpeaking, StateIdle}
	for _, s := range steps {
		if !m.Transition(s, "test") {
			t.Fatalf("Transition(%s) rejected from %s", s, m.Previous())
		}
	}
	if m.Current() != StateIdle {
		t.Fatalf("Current() = %s, want IDLE", m.Current())
	}
}

func TestStateMachineRejectsIllegalEdges(t *testing.T) {
	cases := []struct {
		name string
		path []State
		to   State
	}{
		{"idle to speaking", nil, StateSpeaking},
		{"idle to committed", nil, StateCommitted},
		{"idle to speculative", nil, StateSpeculative},
		{"listening to committed", []State{StateListening}, StateCommitted},
		{"listening to speaking", []State{StateListening}, StateSpeaking},
		{"speculative to speaking", []State{StateListening, StateSpeculative}, StateSpeaking},
		{"speaking to speculative", []State{StateListening, StateSpeculative, StateCommitted, StateSpeaking}, StateSpeculative},
		{"speaking to committed", []State{StateListening, StateSpeculative, StateCommitted, StateSpeaking}, StateCommitted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewStateMachine()
			for _, s := range tc.path {
				if !m.Transition(s, "setup") {
					t.Fatalf("setup transition to %s failed", s)
				}
			}
			from := m.Current()
			if m.Transition(tc.to, "illegal") {
				t.Fatalf("Transition(%s) from %s accepted, want rejected", tc.to, from)
			}
			if m.Current() != from {
				t.Fatalf("state mutated on rejected transition: %s", m.Current())
			}
		})
	}
}

func TestStateMachineHistoryLegality(t *testing.T) {
	m := NewStateMachine()
	m.Transition(StateListening, "audio")
	m.Transition(StateSpeculative, "silence")
	m.Transition(StateListening, "new speech")
	m.Transition(StateSpeculative, "silence")
	m.Transition(StateCommitted, "first sentence")
	m.Transition(StateSpeaking, "first audio")
	m.Transition(StateIdle, "playback complete")

	for i, rec := range m.History() {
		if rec.FromState == "" {
			continue // initialization record
		}
		legal := false
		for _, s := range allowedTransitions[rec.FromState] {
			if s == rec.ToState {
				legal = true
			}
		}
		if !legal {
			t.Fatalf("history[%d] illegal edge %s → %s", i, rec.FromState, rec.ToState)
		}
		if rec.TSMs == 0 {
			t.Fatalf("history[%d] missing timestamp", i)
		}
	}
}

func TestStateMachineHooks(t *testing.T) {
	m := NewStateMachine()
	var order []string
	m.OnExit(StateIdle, func() { order = append(order, "exit-idle") })
	m.OnEnter(StateListening, func() { order = append(order, "enter-listening") })
	m.OnTransition(func(from, to State) {
		order = append(order, string(from)+"->"+string(to))
	})

	if !m.Transition(StateListening, "audio") {
		t.Fatalf("transition rejected")
	}
	want := []string{"exit-idle", "enter-listening", "IDLE->LISTENING"}
	if len(order) != len(want) {
		t.Fatalf("hook order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("hook order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestStateMachineHooksNotRunOnRejection(t *testing.T) {
	m := NewStateMachine()
	ran := false
	m.OnEnter(StateSpeaking, func() { ran = true })
	m.Transition(StateSpeaking, "illegal")
	if ran {
		t.Fatalf("enter hook ran on rejected transition")
	}
}
