package turn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/auralis-ai/auralis/internal/llm"
	"github.com/auralis-ai/auralis/internal/observability"
	"github.com/auralis-ai/auralis/internal/rag"
	"github.com/auralis-ai/auralis/internal/voice"
)

// Config carries per-session tuning for one Controller.
type Config struct {
	SilenceInitialMS      int
	SilenceMinMS          int
	SilenceMaxMS          int
	CancellationThreshold float64
	AdaptiveDebounce      bool
	SampleRate            int

	RAGTimeout              time.Duration
	LLMTimeout              time.Duration
	SentenceQueueTimeout    time.Duration
	PlaybackAckTimeout      time.Duration
	SpeakingWatchdogTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.SilenceMinMS <= 0 {
		c.SilenceMinMS = MinSilenceDebounceMS
	}
	if c.SilenceMaxMS <= 0 {
		c.SilenceMaxMS = MaxSilenceDebounceMS
	}
	if c.SilenceInitialMS <= 0 {
		c.SilenceInitialMS = DefaultSilenceDebounceMS
	}
	if c.CancellationThreshold <= 0 {
		c.CancellationThreshold = 0.30
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.RAGTimeout <= 0 {
		c.RAGTimeout = 350 * time.Millisecond
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 15 * time.Second
	}
	if c.SentenceQueueTimeout <= 0 {
		c.SentenceQueueTimeout = 20 * time.Second
	}
	if c.PlaybackAckTimeout <= 0 {
		c.PlaybackAckTimeout = 15 * time.Second
	}
	if c.SpeakingWatchdogTimeout <= 0 {
		c.SpeakingWatchdogTimeout = 30 * time.Second
	}
}

// Settings is a live reconfiguration request; nil fields keep current values.
type Settings struct {
	SilenceDebounceMS     *int
	CancellationThreshold *float64
	AdaptiveDebounce      *bool
}

// TurnSummary seals one turn for the upward callback and persistence.
type TurnSummary struct {
	TurnID         string
	UserText       string
	AgentText      string
	Trajectory     []Transition
	StartedAt      time.Time
	EndedAt        time.Time
	DurationMS     int64
	WasInterrupted bool
	AvgConfidence  float64
}

// Telemetry is the controller snapshot exposed to clients and persistence.
type Telemetry struct {
	CancellationRate   float64
	AvgDebounceMS      int
	TurnLatencyMS      int64
	TotalTurns         int
	CancelledTurns     int
	TokensWasted       int
	InterruptionCount  int
	RetrievalCacheSize int
}

// Callbacks is the upward event surface. Any callback may be nil.
type Callbacks struct {
	OnStateChange       func(from, to State)
	OnInterimTranscript func(text string, confidence float64)
	OnFinalTranscript   func(text string, confidence float64)
	// OnAgentAudioChunk delivers one synthesized chunk; index is strictly
	// increasing within a turn starting at 0, and the last call per turn has
	// final=true with empty audio.
	OnAgentAudioChunk   func(audio []byte, index int, final bool)
	OnAgentTextFallback func(text, reason string)
	OnTurnComplete      func(summary TurnSummary, notify bool)
	OnError             func(code, message string, recoverable bool)
}

// Sink receives sealed turns and generation accounting. Implementations must
// tolerate concurrent calls from multiple sessions.
type Sink interface {
	RecordTurn(ctx context.Context, sessionID string, summary TurnSummary)
	RecordLLMCall(ctx context.Context, sessionID, turnID, status string, promptTokens, completionTokens int, latency time.Duration)
}

// LLM call statuses recorded through the Sink.
const (
	LLMCallCompleted         = "completed"
	LLMCallCanceled          = "canceled"
	LLMCallFailed            = "failed"
	LLMCallSpeculativeCancel = "speculative_canceled"
)

// Controller orchestrates one session's turn lifecycle: it owns the state
// machine, transcript buffer, silence timer, sentence queue and every
// cancellation handle for the current turn. All mutations happen on the run
// loop goroutine; public methods post events into it.
type Controller struct {
	sessionID string
	cfg       Config
	cb        Callbacks

	machine *StateMachine
	buffer  *TranscriptBuffer
	silence *SilenceTimer
	history *ConversationHistory

	stt       voice.STTProvider
	tts       voice.TTSProvider
	llm       llm.Streamer
	retriever *rag.Retriever
	guards    *rag.Guardrails
	sink      Sink
	metrics   *observability.Metrics

	events chan any

	runCtx  context.Context
	stop    context.CancelFunc
	stopped chan struct{}

	sttSession voice.STTSession
	sttEvents  <-chan voice.TranscriptEvent

	// Everything below is owned by the run loop.
	audioBuffer []byte
	currentTurn *activeTurn
	retrieval   *retrievalTask
	generation  *generationTask
	synthesis   *synthesisTask

	playbackTimer *time.Timer
	watchdogTimer *time.Timer

	waitingPlayback bool
	generationDone  bool
	synthesisDone   bool
	speechEndAt     time.Time
	firstSentenceAt time.Time
	firstAudioAt    time.Time
	lastTurnLatency time.Duration

	totalTurns     int
	cancelledTurns int
	bargeIns       int
	tokensWasted   int
	turnToken      int64

	// gateMu guards the audio-emission gate shared with synthesis goroutines.
	gateMu         sync.Mutex
	audioGateToken int64

	telemetryMu   sync.Mutex
	telemetrySnap Telemetry
}

type activeTurn struct {
	id            string
	startedAt     time.Time
	trajectory    []Transition
	userText      string
	agentText     string
	interrupted   bool
	avgConfidence float64
	sealed        bool
	notified      bool
}

// New wires a Controller. retriever may be nil (RAG disabled); sink and
// metrics may be nil.
func New(
	sessionID string,
	cfg Config,
	cb Callbacks,
	stt voice.STTProvider,
	tts voice.TTSProvider,
	streamer llm.Streamer,
	retriever *rag.Retriever,
	guards *rag.Guardrails,
	sink Sink,
	metrics *observability.Metrics,
) *Controller {
	cfg.applyDefaults()
	if guards == nil {
		guards = rag.NewGuardrails(0.3)
	}

	c := &Controller{
		sessionID: sessionID,
		cfg:       cfg,
		cb:        cb,
		machine:   NewStateMachine(),
		buffer:    NewTranscriptBuffer(),
		history:   &ConversationHistory{},
		stt:       stt,
		tts:       tts,
		llm:       streamer,
		retriever: retriever,
		guards:    guards,
		sink:      sink,
		metrics:   metrics,
		events:    make(chan any, 256),
		stopped:   make(chan struct{}),
	}
	c.silence = NewSilenceTimer(func() {
		c.post(evSilenceFired{})
	}, cfg.SilenceInitialMS, cfg.SilenceMinMS, cfg.SilenceMaxMS)

	c.machine.OnTransition(func(from, to State) {
		if c.currentTurn != nil {
			c.currentTurn.trajectory = append(c.currentTurn.trajectory, Transition{
				FromState: from, ToState: to, TSMs: time.Now().UnixMilli(),
			})
		}
		if c.metrics != nil {
			c.metrics.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
		}
		if c.cb.OnStateChange != nil {
			c.cb.OnStateChange(from, to)
		}
	})
	return c
}

// Internal loop events.
type (
	evAudio            struct{ data []byte }
	evTextInput        struct{ text string }
	evInterrupt        struct{}
	evPlaybackComplete struct{}
	evUpdateSettings   struct{ settings Settings }
	evSilenceFired     struct{}
	evFirstSentence    struct{ token int64 }
	evGenerationDone   struct {
		token   int64
		result  llm.Result
		err     error
		blocked rag.Violation
		// fallbackText replaces the agent text when response guardrails
		// rewrote or blocked the output.
		fallbackText string
		sanitized    string
	}
	evGuardrailBlock struct {
		token     int64
		violation rag.Violation
	}
	evFirstAudio    struct{ token int64 }
	evSynthesisDone struct {
		token int64
		err   error
	}
	evPlaybackTimeout  struct{ token int64 }
	evSpeakingWatchdog struct{ token int64 }
)

// Start opens the STT stream, warms downstream connections and launches the
// run loop. Warmup failures are logged, never fatal.
func (c *Controller) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.runCtx = runCtx
	c.stop = cancel

	session, events, err := c.stt.StartSession(ctx, c.sessionID, c.cfg.SampleRate)
	if err != nil {
		cancel()
		return err
	}
	c.sttSession = session
	c.sttEvents = events

	go func() {
		if err := c.llm.Warmup(runCtx); err != nil {
			slog.Warn("llm warmup failed", "session", c.sessionID, "err", err)
		}
	}()
	go func() {
		if err := c.tts.Warmup(runCtx); err != nil {
			slog.Warn("tts warmup failed", "session", c.sessionID, "err", err)
		}
	}()

	go c.run(runCtx)
	return nil
}

// Stop closes the STT session and cancels timers and outstanding work.
func (c *Controller) Stop() {
	if c.stop == nil {
		return
	}
	c.stop()
	if c.sttSession != nil {
		_ = c.sttSession.Close()
	}
	<-c.stopped
}

// HandleAudioChunk ingests one client audio frame. Decoded PCM is expected.
func (c *Controller) HandleAudioChunk(audio []byte) {
	c.post(evAudio{data: audio})
}

// HandleTextInput is the synthetic test path: the text behaves as a final
// transcript with confidence 1.0.
func (c *Controller) HandleTextInput(text string) {
	c.post(evTextInput{text: text})
}

// HandleInterrupt is an explicit client-initiated barge-in.
func (c *Controller) HandleInterrupt() {
	c.post(evInterrupt{})
}

// HandlePlaybackComplete signals the client finished playing agent audio.
func (c *Controller) HandlePlaybackComplete() {
	c.post(evPlaybackComplete{})
}

// UpdateSettings applies a live reconfiguration.
func (c *Controller) UpdateSettings(s Settings) {
	c.post(evUpdateSettings{settings: s})
}

// Telemetry returns the most recent loop-published snapshot. Safe to call
// from any goroutine.
func (c *Controller) Telemetry() Telemetry {
	c.telemetryMu.Lock()
	defer c.telemetryMu.Unlock()
	return c.telemetrySnap
}

func (c *Controller) post(evt any) {
	select {
	case c.events <- evt:
	case <-c.stopped:
	}
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.stopped)
	defer c.shutdown()

	c.publishTelemetry()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.sttEvents:
			if !ok {
				c.sttEvents = nil
				continue
			}
			c.handleSTTEvent(evt)
		case evt := <-c.events:
			c.dispatch(evt)
		}
		c.publishTelemetry()
	}
}

func (c *Controller) dispatch(evt any) {
	switch e := evt.(type) {
	case evAudio:
		c.handleAudio(e.data)
	case evTextInput:
		c.handleFinalTranscript(e.text, 1.0, false)
	case evInterrupt:
		if c.machine.Current() == StateSpeaking {
			c.handleBargeIn("client interrupt")
		}
	case evPlaybackComplete:
		c.handlePlaybackComplete()
	case evUpdateSettings:
		c.applySettings(e.settings)
	case evSilenceFired:
		c.handleSilenceComplete()
	case evFirstSentence:
		c.handleFirstSentence(e.token)
	case evGuardrailBlock:
		c.handleGuardrailBlock(e.token, e.violation)
	case evGenerationDone:
		c.handleGenerationDone(e)
	case evFirstAudio:
		c.handleFirstAudio(e.token)
	case evSynthesisDone:
		c.handleSynthesisDone(e.token, e.err)
	case evPlaybackTimeout:
		c.handlePlaybackTimeout(e.token)
	case evSpeakingWatchdog:
		c.handleSpeakingWatchdog(e.token)
	default:
		slog.Warn("unknown controller event", "session", c.sessionID)
	}
}

func (c *Controller) handleSTTEvent(evt voice.TranscriptEvent) {
	switch evt.Type {
	case voice.EventInterim:
		c.handleInterimTranscript(evt.Text, evt.Confidence)
	case voice.EventFinal:
		c.handleFinalTranscript(evt.Text, evt.Confidence, evt.SpeechFinal)
	case voice.EventEndOfTurn:
		c.handleFinalTranscript(evt.Text, evt.Confidence, true)
	case voice.EventEagerEndOfTurn:
		// Provider already believes the turn ended: commit the text and
		// enter SPECULATIVE without waiting out the debounce.
		c.handleFinalTranscript(evt.Text, evt.Confidence, true)
		if c.machine.Current() == StateListening {
			c.silence.Cancel()
			c.handleSilenceComplete()
		}
	case voice.EventTurnResumed:
		if c.machine.Current() == StateSpeculative {
			c.cancelSpeculation("provider turn resumed")
		}
	case voice.EventError:
		c.observeProviderError("stt", evt.Code)
		c.emitError(evt.Code, evt.Detail, evt.Retryable)
	default:
		slog.Debug("unhandled stt event", "type", evt.Type)
	}
}

// handleAudio implements audio ingress: buffered and forwarded while the user
// holds the floor; forwarded but not buffered once the agent pipeline is
// running, so barge-in detection keeps working without growing the buffer.
func (c *Controller) handleAudio(data []byte) {
	switch c.machine.Current() {
	case StateIdle:
		c.beginTurn()
		c.machine.Transition(StateListening, "first user audio")
		c.audioBuffer = append(c.audioBuffer, data...)
	case StateListening:
		c.audioBuffer = append(c.audioBuffer, data...)
	case StateSpeculative, StateCommitted, StateSpeaking:
		// Not buffered.
	}
	if c.sttSession != nil {
		if err := c.sttSession.SendAudio(data); err != nil {
			c.emitError("stt_send_audio_failed", err.Error(), true)
		}
	}
}

func (c *Controller) handleInterimTranscript(text string, confidence float64) {
	switch c.machine.Current() {
	case StateIdle:
		c.beginTurn()
		c.machine.Transition(StateListening, "speech before audio state settled")
		c.acceptInterim(text, confidence)
	case StateListening:
		c.acceptInterim(text, confidence)
	case StateSpeculative:
		c.cancelSpeculation("new speech during speculation")
		c.acceptInterim(text, confidence)
	case StateCommitted:
		c.cancelCommitted("new speech after commitment")
		c.acceptInterim(text, confidence)
	case StateSpeaking:
		c.handleBargeIn("user spoke over agent")
		c.acceptInterim(text, confidence)
	}
}

func (c *Controller) acceptInterim(text string, confidence float64) {
	c.buffer.AddInterim(text, confidence)
	c.silence.Start(0)
	if c.cb.OnInterimTranscript != nil {
		c.cb.OnInterimTranscript(text, confidence)
	}
}

func (c *Controller) handleFinalTranscript(text string, confidence float64, speechFinal bool) {
	if text == "" {
		return
	}
	switch c.machine.Current() {
	case StateIdle:
		c.beginTurn()
		c.machine.Transition(StateListening, "final transcript")
	case StateSpeculative:
		c.cancelSpeculation("new final during speculation")
	case StateCommitted:
		c.cancelCommitted("new final after commitment")
	case StateSpeaking:
		c.handleBargeIn("final transcript during playback")
	}

	c.buffer.AddFinal(text, confidence)
	if c.cb.OnFinalTranscript != nil {
		c.cb.OnFinalTranscript(text, confidence)
	}

	// Kick off retrieval speculatively, superseding any in-flight run with
	// the accumulated text. A query guardrail violation ends the turn here,
	// still in LISTENING.
	if !c.startRetrieval(c.buffer.FinalText()) {
		return
	}
	override := 0
	if speechFinal {
		override = SpeechFinalOverrideMS
	}
	c.silence.Start(override)
}

func (c *Controller) beginTurn() {
	c.currentTurn = &activeTurn{
		id:        uuid.NewString(),
		startedAt: time.Now(),
	}
	c.generationDone = false
	c.synthesisDone = false
	if c.metrics != nil {
		c.metrics.TurnEvents.WithLabelValues("started").Inc()
	}
}

func (c *Controller) applySettings(s Settings) {
	if s.SilenceDebounceMS != nil {
		c.silence.SetDebounceMS(*s.SilenceDebounceMS)
	}
	if s.CancellationThreshold != nil {
		v := *s.CancellationThreshold
		if v >= 0.1 && v <= 0.5 {
			c.cfg.CancellationThreshold = v
		}
	}
	if s.AdaptiveDebounce != nil {
		c.cfg.AdaptiveDebounce = *s.AdaptiveDebounce
	}
	slog.Info("settings updated",
		"session", c.sessionID,
		"debounce_ms", c.silence.CurrentDebounceMS(),
		"cancellation_threshold", c.cfg.CancellationThreshold,
		"adaptive", c.cfg.AdaptiveDebounce)
}

func (c *Controller) cancellationRate() float64 {
	if c.totalTurns == 0 {
		return 0
	}
	return float64(c.cancelledTurns) / float64(c.totalTurns)
}

func (c *Controller) publishTelemetry() {
	snap := Telemetry{
		CancellationRate:  c.cancellationRate(),
		AvgDebounceMS:     c.silence.CurrentDebounceMS(),
		TurnLatencyMS:     c.lastTurnLatency.Milliseconds(),
		TotalTurns:        c.totalTurns,
		CancelledTurns:    c.cancelledTurns,
		TokensWasted:      c.tokensWasted,
		InterruptionCount: c.bargeIns,
	}
	if c.retriever != nil {
		snap.RetrievalCacheSize = c.retriever.CacheSize()
	}
	if c.metrics != nil {
		c.metrics.DebounceMS.Set(float64(snap.AvgDebounceMS))
	}
	c.telemetryMu.Lock()
	c.telemetrySnap = snap
	c.telemetryMu.Unlock()
}

func (c *Controller) emitError(code, message string, recoverable bool) {
	slog.Warn("controller error", "session", c.sessionID, "code", code, "detail", message)
	if c.cb.OnError != nil {
		c.cb.OnError(code, message, recoverable)
	}
}

func (c *Controller) observeProviderError(provider, code string) {
	if c.metrics != nil {
		c.metrics.ProviderErrors.WithLabelValues(provider, code).Inc()
	}
}

func (c *Controller) shutdown() {
	c.silence.Cancel()
	c.cancelRetrieval()
	c.cancelGeneration()
	c.cancelSynthesis()
	c.stopPlaybackTimer()
	c.stopWatchdog()
}
