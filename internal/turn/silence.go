package turn

import (
	"log/slog"
	"sync"
	"time"
)

// Silence timer defaults. Values are milliseconds.
const (
	DefaultSilenceDebounceMS = 400
	MinSilenceDebounceMS     = 400
	MaxSilenceDebounceMS     = 1200

	// SpeechFinalOverrideMS is used when the STT provider already waited its
	// own endpointing window before committing.
	SpeechFinalOverrideMS = 100

	lowCancellationRate = 0.15
)

// SilenceTimer converts "no new interim for the debounce window" into a single
// end-of-turn callback. The debounce adapts per session: sessions with many
// speculative cancellations get a longer window, quiet sessions a shorter one.
//
// Start and Cancel may be called from the Controller loop while a previously
// scheduled delivery is firing, so internal state is guarded by a mutex and a
// generation counter keeps stale deliveries from invoking the callback.
type SilenceTimer struct {
	mu        sync.Mutex
	onSilence func()
	currentMS int
	minMS     int
	maxMS     int
	timer     *time.Timer
	gen       uint64
	running   bool
}

func NewSilenceTimer(onSilence func(), initialMS, minMS, maxMS int) *SilenceTimer {
	if minMS <= 0 {
		minMS = MinSilenceDebounceMS
	}
	if maxMS < minMS {
		maxMS = MaxSilenceDebounceMS
	}
	if initialMS < minMS {
		initialMS = minMS
	}
	if initialMS > maxMS {
		initialMS = maxMS
	}
	return &SilenceTimer{
		onSilence: onSilence,
		currentMS: initialMS,
		minMS:     minMS,
		maxMS:     maxMS,
	}
}

// Start schedules exactly one delivery of the silence callback after the
// chosen duration, cancelling any in-flight timer first. overrideMS <= 0 means
// "use the current adaptive debounce".
func (t *SilenceTimer) Start(overrideMS int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.running = true

	duration := t.currentMS
	if overrideMS > 0 {
		duration = overrideMS
	}
	t.timer = time.AfterFunc(time.Duration(duration)*time.Millisecond, func() {
		t.fire(gen)
	})
}

// Cancel revokes a pending delivery. No callback fires afterwards.
func (t *SilenceTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *SilenceTimer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *SilenceTimer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()
	t.onSilence()
}

// Adjust tunes the debounce from the session cancellation rate. Rates above
// threshold widen the window by 50 ms, rates below 15% narrow it by 25 ms,
// always clamped to [min, max].
func (t *SilenceTimer) Adjust(cancellationRate, threshold float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.currentMS
	switch {
	case cancellationRate > threshold:
		t.currentMS = min(t.currentMS+50, t.maxMS)
	case cancellationRate < lowCancellationRate:
		t.currentMS = max(t.currentMS-25, t.minMS)
	default:
		return
	}
	if t.currentMS != old {
		slog.Debug("silence debounce adjusted",
			"rate", cancellationRate, "from_ms", old, "to_ms", t.currentMS)
	}
}

// SetDebounceMS applies a settings update, clamped to [min, max].
func (t *SilenceTimer) SetDebounceMS(ms int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentMS = max(t.minMS, min(ms, t.maxMS))
}

func (t *SilenceTimer) CurrentDebounceMS() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentMS
}
