package turn

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSilenceTimerFiresOnce(t *testing.T) {
	var fired atomic.Int32
	timer := NewSilenceTimer(func() { fired.Add(1) }, 400, 400, 1200)

	timer.Start(20)
	time.Sleep(120 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired = %d, want 1", got)
	}
	if timer.IsRunning() {
		t.Fatalf("IsRunning() = true after delivery")
	}
}

func TestSilenceTimerCancelSuppressesDelivery(t *testing.T) {
	var fired atomic.Int32
	timer := NewSilenceTimer(func() { fired.Add(1) }, 400, 400, 1200)

	timer.Start(30)
	timer.Cancel()
	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("fired = %d after Cancel, want 0", got)
	}
}

func TestSilenceTimerRestartResetsCountdown(t *testing.T) {
	var fired atomic.Int32
	timer := NewSilenceTimer(func() { fired.Add(1) }, 400, 400, 1200)

	timer.Start(60)
	time.Sleep(30 * time.Millisecond)
	timer.Start(60)
	time.Sleep(40 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("fired = %d before restarted window elapsed, want 0", got)
	}
	time.Sleep(60 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired = %d after restarted window, want 1", got)
	}
}

func TestSilenceTimerAdjustIdempotentInBand(t *testing.T) {
	timer := NewSilenceTimer(func() {}, 600, 400, 1200)
	timer.Adjust(0.20, 0.30)
	first := timer.CurrentDebounceMS()
	timer.Adjust(0.20, 0.30)
	if got := timer.CurrentDebounceMS(); got != first || got != 600 {
		t.Fatalf("CurrentDebounceMS() = %d after in-band adjusts, want 600", got)
	}
}

func TestSilenceTimerAdjustClamping(t *testing.T) {
	timer := NewSilenceTimer(func() {}, 420, 400, 1200)
	// Low cancellation rate walks the debounce down but never below min.
	for i := 0; i < 12; i++ {
		timer.Adjust(0.0, 0.30)
	}
	if got := timer.CurrentDebounceMS(); got != 400 {
		t.Fatalf("CurrentDebounceMS() = %d after tightening, want clamp at 400", got)
	}

	// High cancellation rate walks it up but never above max.
	for i := 0; i < 100; i++ {
		timer.Adjust(0.9, 0.30)
	}
	if got := timer.CurrentDebounceMS(); got != 1200 {
		t.Fatalf("CurrentDebounceMS() = %d after widening, want clamp at 1200", got)
	}
}

func TestSilenceTimerAdjustSteps(t *testing.T) {
	timer := NewSilenceTimer(func() {}, 600, 400, 1200)
	timer.Adjust(0.5, 0.30)
	if got := timer.CurrentDebounceMS(); got != 650 {
		t.Fatalf("CurrentDebounceMS() = %d after widening step, want 650", got)
	}
	timer.Adjust(0.05, 0.30)
	if got := timer.CurrentDebounceMS(); got != 625 {
		t.Fatalf("CurrentDebounceMS() = %d after tightening step, want 625", got)
	}
}

func TestSilenceTimerSetDebounceClamps(t *testing.T) {
	timer := NewSilenceTimer(func() {}, 600, 400, 1200)
	timer.SetDebounceMS(50)
	if got := timer.CurrentDebounceMS(); got != 400 {
		t.Fatalf("CurrentDebounceMS() = %d, want 400", got)
	}
	timer.SetDebounceMS(5000)
	if got := timer.CurrentDebounceMS(); got != 1200 {
		t.Fatalf("CurrentDebounceMS() = %d, want 1200", got)
	}
	timer.SetDebounceMS(800)
	if got := timer.CurrentDebounceMS(); got != 800 {
		t.Fatalf("CurrentDebounceMS() = %d, want 800", got)
	}
}
