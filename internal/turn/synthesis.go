package turn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/auralis-ai/auralis/internal/voice"
)

var (
	errQueueClosed  = errors.New("sentence queue closed unexpectedly")
	errQueueStalled = errors.New("sentence queue stalled, generation likely wedged")
	errTTSStream    = errors.New("tts stream failed")
)

type synthesisTask struct {
	token  int64
	cancel context.CancelFunc
	queue  chan Sentence
	done   chan struct{}
}

// startSynthesis launches the synthesis loop reading from the sentence queue.
// Called on the loop goroutine when the first sentence is ready.
func (c *Controller) startSynthesis(token int64, queue chan Sentence) {
	c.audioBuffer = c.audioBuffer[:0]

	ctx, cancel := context.WithCancel(c.runCtx)
	task := &synthesisTask{
		token:  token,
		cancel: cancel,
		queue:  queue,
		done:   make(chan struct{}),
	}
	c.synthesis = task

	c.gateMu.Lock()
	c.audioGateToken = token
	c.gateMu.Unlock()

	go c.runSynthesis(ctx, task)
}

// runSynthesis consumes sentences until the sentinel, streaming TTS audio for
// each. It runs off the loop goroutine; all audio emission passes through the
// token gate so a barge-in processed by the loop silences it immediately.
func (c *Controller) runSynthesis(ctx context.Context, task *synthesisTask) {
	defer close(task.done)

	chunkIndex := 0
	firstAudioSent := false

	for {
		var (
			item Sentence
			ok   bool
		)
		queueWait := time.NewTimer(c.cfg.SentenceQueueTimeout)
		select {
		case item, ok = <-task.queue:
			queueWait.Stop()
			if !ok {
				c.post(evSynthesisDone{token: task.token, err: errQueueClosed})
				return
			}
		case <-queueWait.C:
			c.post(evSynthesisDone{token: task.token, err: errQueueStalled})
			return
		case <-ctx.Done():
			queueWait.Stop()
			return
		}

		if item.Final && item.Text == "" {
			break
		}

		speech := voice.SanitizeForSpeech(item.Text)
		if speech == "" {
			continue
		}

		events, err := c.tts.Synthesize(ctx, speech)
		if err != nil {
			if ctx.Err() == nil {
				c.observeProviderError("tts", "tts_request_failed")
				c.post(evSynthesisDone{token: task.token, err: err})
			}
			return
		}
		for evt := range events {
			switch evt.Type {
			case voice.TTSEventAudio:
				if len(evt.Audio) == 0 {
					continue
				}
				if !c.emitAudio(task.token, evt.Audio, chunkIndex, false) {
					return
				}
				if !firstAudioSent {
					firstAudioSent = true
					c.post(evFirstAudio{token: task.token})
				}
				chunkIndex++
			case voice.TTSEventError:
				if ctx.Err() == nil {
					c.observeProviderError("tts", evt.Code)
					c.post(evSynthesisDone{token: task.token, err: errTTSStream})
				}
				return
			case voice.TTSEventFinal:
			}
		}
	}

	// Trailing empty chunk marks end of agent audio for the client.
	c.emitAudio(task.token, nil, chunkIndex, true)
	c.post(evSynthesisDone{token: task.token})
}

// emitAudio delivers one chunk upward iff this synthesis task still owns the
// audio gate. Returns false once the gate moved (barge-in or reset), which
// stops the loop without another event round-trip.
func (c *Controller) emitAudio(token int64, audio []byte, index int, final bool) bool {
	c.gateMu.Lock()
	owned := c.audioGateToken == token
	c.gateMu.Unlock()
	if !owned {
		return false
	}
	if c.cb.OnAgentAudioChunk != nil {
		c.cb.OnAgentAudioChunk(audio, index, final)
	}
	return true
}

func (c *Controller) closeAudioGate() {
	c.gateMu.Lock()
	c.audioGateToken = 0
	c.gateMu.Unlock()
}

func (c *Controller) handleFirstAudio(token int64) {
	if c.synthesis == nil || c.synthesis.token != token {
		return
	}
	if c.machine.Current() != StateCommitted {
		return
	}
	c.firstAudioAt = time.Now()
	c.machine.Transition(StateSpeaking, "first audio chunk")
	if c.metrics != nil && !c.speechEndAt.IsZero() {
		c.metrics.ObserveFirstAudioLatency(c.firstAudioAt.Sub(c.speechEndAt))
	}
	c.startWatchdog(token)
}

func (c *Controller) handleSynthesisDone(token int64, err error) {
	if c.synthesis == nil || c.synthesis.token != token {
		return
	}

	if err != nil {
		code := "tts_error"
		if errors.Is(err, errQueueStalled) {
			code = "tts_queue_timeout"
		}
		c.emitError(code, err.Error(), true)
		c.cancelSynthesis()
		c.resetToIdle("synthesis failed")
		return
	}

	c.synthesisDone = true
	c.maybeFinishStreaming(token)
}

// maybeFinishStreaming fires once both the generation result (with its
// post-hoc guardrail outcome applied) and the audio stream have completed:
// the UI gets the turn text now, and the playback-acknowledgement window
// opens.
func (c *Controller) maybeFinishStreaming(token int64) {
	if !c.synthesisDone || !c.generationDone || c.waitingPlayback {
		return
	}
	c.waitingPlayback = true
	c.notifyTurnComplete(false)
	c.startPlaybackTimer(token)
}

func (c *Controller) handlePlaybackComplete() {
	if !c.waitingPlayback {
		return
	}
	c.finalizeTurn("playback complete")
}

func (c *Controller) handlePlaybackTimeout(token int64) {
	if c.synthesis == nil || c.synthesis.token != token || !c.waitingPlayback {
		return
	}
	slog.Warn("playback acknowledgement timed out", "session", c.sessionID)
	c.finalizeTurn("playback timeout")
}

func (c *Controller) handleSpeakingWatchdog(token int64) {
	if c.synthesis == nil || c.synthesis.token != token {
		return
	}
	if c.machine.Current() != StateSpeaking {
		return
	}
	c.cancelSynthesis()
	c.emitError("speaking_watchdog", "agent speech wedged, resetting", true)
	c.resetToIdle("speaking watchdog")
}

// finalizeTurn completes a clean turn after playback: SPEAKING → IDLE, seal
// and persist, then adapt the debounce from the session cancellation rate.
func (c *Controller) finalizeTurn(reason string) {
	c.waitingPlayback = false
	c.stopPlaybackTimer()
	c.stopWatchdog()
	c.cancelSynthesis()
	c.cancelGeneration()

	if c.machine.Current() == StateSpeaking {
		c.machine.Transition(StateIdle, reason)
	}
	c.completeTurn(false)
}

// handleBargeIn implements the SPEAKING interruption path: silence the agent,
// drain pending sentences, flush STT and hand the floor back to the user.
func (c *Controller) handleBargeIn(reason string) {
	if c.machine.Current() != StateSpeaking {
		return
	}
	c.closeAudioGate()
	c.cancelSynthesis()
	c.cancelGeneration()
	c.buffer.Clear()
	if c.sttSession != nil {
		if err := c.sttSession.FinishUtterance(c.runCtx); err != nil {
			slog.Debug("finish utterance failed", "err", err)
		}
	}
	c.waitingPlayback = false
	c.stopPlaybackTimer()
	c.stopWatchdog()

	c.machine.Transition(StateListening, reason)
	c.bargeIns++
	c.cancelledTurns++
	if c.metrics != nil {
		c.metrics.TurnEvents.WithLabelValues("barge_in").Inc()
	}
	c.completeTurn(true)
	c.beginTurn()
}

// completeTurn seals the active turn, notifies upward once (the pre-playback
// notification already happened for clean turns) and runs debounce adaptation.
func (c *Controller) completeTurn(interrupted bool) {
	c.sealTurn(interrupted, true)

	if c.cfg.AdaptiveDebounce {
		c.silence.Adjust(c.cancellationRate(), c.cfg.CancellationThreshold)
	}
}

// notifyTurnComplete emits the turn-complete callback without sealing; used
// for the early post-synthesis emission so the UI can display text while
// audio still plays.
func (c *Controller) notifyTurnComplete(interrupted bool) {
	t := c.currentTurn
	if t == nil || t.notified {
		return
	}
	t.notified = true
	if c.cb.OnTurnComplete != nil {
		c.cb.OnTurnComplete(c.summarize(t, interrupted, time.Now()), true)
	}
}

func (c *Controller) sealTurn(interrupted, deliver bool) {
	t := c.currentTurn
	if t == nil || t.sealed {
		return
	}
	t.sealed = true
	t.interrupted = interrupted
	now := time.Now()

	c.totalTurns++
	c.lastTurnLatency = now.Sub(t.startedAt)
	if c.metrics != nil {
		c.metrics.ObserveTurnStage("turn_total", c.lastTurnLatency)
		if interrupted {
			c.metrics.TurnEvents.WithLabelValues("interrupted").Inc()
		} else {
			c.metrics.TurnEvents.WithLabelValues("completed").Inc()
		}
	}

	summary := c.summarize(t, interrupted, now)
	if deliver && c.cb.OnTurnComplete != nil {
		// The second emission is flagged notify=false when the UI already saw
		// the turn after synthesis.
		c.cb.OnTurnComplete(summary, !t.notified)
	}
	if c.sink != nil {
		c.sink.RecordTurn(c.runCtx, c.sessionID, summary)
	}
	if !interrupted && t.userText != "" && t.agentText != "" {
		c.history.Add(t.userText, t.agentText)
	}

	c.currentTurn = nil
	c.speechEndAt = time.Time{}
	c.firstSentenceAt = time.Time{}
	c.firstAudioAt = time.Time{}
}

func (c *Controller) summarize(t *activeTurn, interrupted bool, endedAt time.Time) TurnSummary {
	trajectory := make([]Transition, len(t.trajectory))
	copy(trajectory, t.trajectory)
	return TurnSummary{
		TurnID:         t.id,
		UserText:       t.userText,
		AgentText:      t.agentText,
		Trajectory:     trajectory,
		StartedAt:      t.startedAt,
		EndedAt:        endedAt,
		DurationMS:     endedAt.Sub(t.startedAt).Milliseconds(),
		WasInterrupted: interrupted,
		AvgConfidence:  t.avgConfidence,
	}
}

// resetToIdle is the error-path unwind: transition to IDLE when legal, clear
// buffers, cancel outstanding work and zero per-turn timing.
func (c *Controller) resetToIdle(reason string) {
	c.closeAudioGate()
	c.cancelSynthesis()
	c.cancelGeneration()
	c.cancelRetrieval()
	c.silence.Cancel()
	c.stopPlaybackTimer()
	c.stopWatchdog()
	c.waitingPlayback = false

	if c.machine.Current() != StateIdle {
		c.machine.Transition(StateIdle, reason)
	}
	c.sealTurn(false, false)
	c.buffer.Clear()
	c.audioBuffer = c.audioBuffer[:0]
	c.speechEndAt = time.Time{}
	c.firstSentenceAt = time.Time{}
	c.firstAudioAt = time.Time{}
}

func (c *Controller) cancelSynthesis() {
	if c.synthesis != nil {
		c.synthesis.cancel()
		c.drainQueue(c.synthesis.queue)
		c.synthesis = nil
	}
}

func (c *Controller) drainQueue(queue chan Sentence) {
	for {
		select {
		case <-queue:
		default:
			return
		}
	}
}

func (c *Controller) startPlaybackTimer(token int64) {
	c.stopPlaybackTimer()
	c.playbackTimer = time.AfterFunc(c.cfg.PlaybackAckTimeout, func() {
		c.post(evPlaybackTimeout{token: token})
	})
}

func (c *Controller) stopPlaybackTimer() {
	if c.playbackTimer != nil {
		c.playbackTimer.Stop()
		c.playbackTimer = nil
	}
}

func (c *Controller) startWatchdog(token int64) {
	c.stopWatchdog()
	c.watchdogTimer = time.AfterFunc(c.cfg.SpeakingWatchdogTimeout, func() {
		c.post(evSpeakingWatchdog{token: token})
	})
}

func (c *Controller) stopWatchdog() {
	if c.watchdogTimer != nil {
		c.watchdogTimer.Stop()
		c.watchdogTimer = nil
	}
}
