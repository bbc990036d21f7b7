package session

import (
	"errors"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create()
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusActive {
		t.Fatalf("Status = %q, want %q", got.Status, StatusActive)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
}

func TestManagerGetUnknown(t *testing.T) {
	m := NewManager(time.Minute)
	if _, err := m.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestManagerRecordTurnCounters(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create()

	for i := 0; i < 5; i++ {
		if err := m.RecordTurn(s.ID, i%2 == 0); err != nil {
			t.Fatalf("RecordTurn() error = %v", err)
		}
	}
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.TotalTurns != 5 {
		t.Fatalf("TotalTurns = %d, want 5", got.TotalTurns)
	}
	if got.CancelledTurns != 3 {
		t.Fatalf("CancelledTurns = %d, want 3", got.CancelledTurns)
	}
}

func TestManagerControllerBinding(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create()
	type fake struct{ name string }
	m.BindController(s.ID, &fake{name: "ctrl"})

	got, ok := m.Controller(s.ID).(*fake)
	if !ok || got.name != "ctrl" {
		t.Fatalf("Controller() = %v", m.Controller(s.ID))
	}

	if _, err := m.End(s.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if m.Controller(s.ID) != nil {
		t.Fatalf("controller still bound after End")
	}
}

func TestManagerExpireInactive(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	s := m.Create()

	var expired []string
	m.SetExpireHook(func(s *Session) { expired = append(expired, s.ID) })

	time.Sleep(20 * time.Millisecond)
	m.expireInactive()

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q after expiry, want %q", got.Status, StatusEnded)
	}
	if len(expired) != 1 || expired[0] != s.ID {
		t.Fatalf("expire hook calls = %v", expired)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestManagerTouchKeepsAlive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s := m.Create()

	time.Sleep(20 * time.Millisecond)
	if err := m.Touch(s.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	m.expireInactive()

	got, _ := m.Get(s.ID)
	if got.Status != StatusActive {
		t.Fatalf("Status = %q after touch, want active", got.Status)
	}
}
