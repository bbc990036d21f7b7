package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auralis-ai/auralis/internal/reliability"
)

// DeepgramConfig configures the Flux streaming transcription provider.
type DeepgramConfig struct {
	APIKey string
	// BaseURL defaults to wss://api.deepgram.com.
	BaseURL string
	Model   string
	// EagerEOTThreshold enables EagerEndOfTurn/TurnResumed events; lower
	// values trigger earlier speculation at the cost of more cancellations.
	EagerEOTThreshold float64
	EOTThreshold      float64
	EOTTimeout        time.Duration
}

// DeepgramProvider streams audio to Deepgram Flux over a websocket. Flux emits
// turn-detection events on top of interim/final transcripts, which the
// controller maps onto its speculation lifecycle.
type DeepgramProvider struct {
	cfg DeepgramConfig
}

func NewDeepgramProvider(cfg DeepgramConfig) *DeepgramProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "wss://api.deepgram.com"
	}
	if cfg.Model == "" {
		cfg.Model = "flux-general-en"
	}
	if cfg.EagerEOTThreshold <= 0 {
		cfg.EagerEOTThreshold = 0.5
	}
	if cfg.EOTThreshold <= 0 {
		cfg.EOTThreshold = 0.7
	}
	if cfg.EOTTimeout <= 0 {
		cfg.EOTTimeout = 5 * time.Second
	}
	return &DeepgramProvider{cfg: cfg}
}

const (
	// sttSendQueueCap bounds buffered outbound audio. On overflow the oldest
	// chunk is dropped rather than blocking the controller.
	sttSendQueueCap = 100

	maxReconnectAttempts = 5
	reconnectBackoffBase = time.Second
	reconnectBackoffCap  = 8 * time.Second
)

func (p *DeepgramProvider) StartSession(ctx context.Context, sessionID string, sampleRate int) (STTSession, <-chan TranscriptEvent, error) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	s := &deepgramSession{
		cfg:        p.cfg,
		sessionID:  sessionID,
		sampleRate: sampleRate,
		sendQueue:  make(chan []byte, sttSendQueueCap),
		events:     make(chan TranscriptEvent, 256),
		closed:     make(chan struct{}),
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("deepgram: connect: %w", err)
	}
	s.conn = conn

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go s.run(runCtx)
	return s, s.events, nil
}

type deepgramSession struct {
	cfg        DeepgramConfig
	sessionID  string
	sampleRate int

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   bool

	sendQueue chan []byte
	events    chan TranscriptEvent
	closed    chan struct{}
}

func (s *deepgramSession) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.BaseURL + "/v2/listen")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model", s.cfg.Model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(s.sampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("eot_threshold", strconv.FormatFloat(s.cfg.EOTThreshold, 'f', -1, 64))
	q.Set("eager_eot_threshold", strconv.FormatFloat(s.cfg.EagerEOTThreshold, 'f', -1, 64))
	q.Set("eot_timeout_ms", strconv.FormatInt(s.cfg.EOTTimeout.Milliseconds(), 10))
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+s.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	return conn, err
}

// SendAudio enqueues raw PCM16 audio for the send loop. Never blocks: when the
// queue is full the oldest chunk is discarded with a warning.
func (s *deepgramSession) SendAudio(audio []byte) error {
	if len(audio) == 0 {
		return nil
	}
	select {
	case <-s.closed:
		return fmt.Errorf("deepgram: session closed")
	default:
	}
	for {
		select {
		case s.sendQueue <- audio:
			return nil
		default:
		}
		select {
		case dropped := <-s.sendQueue:
			slog.Warn("deepgram send queue full, dropping oldest audio",
				"session", s.sessionID, "bytes", len(dropped))
		default:
		}
	}
}

// FinishUtterance asks Flux to finalize whatever audio it is holding.
func (s *deepgramSession) FinishUtterance(_ context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	msg, _ := json.Marshal(map[string]string{"type": "Finalize"})
	return conn.WriteMessage(websocket.TextMessage, msg)
}

func (s *deepgramSession) Close() error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	conn := s.conn
	cancel := s.cancel
	s.mu.Unlock()

	close(s.closed)
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		msg, _ := json.Marshal(map[string]string{"type": "CloseStream"})
		_ = conn.WriteMessage(websocket.TextMessage, msg)
		_ = conn.Close()
	}
	return nil
}

// run owns the connection: it pumps queued audio out, receives transcript
// messages, and reconnects with bounded exponential backoff when the stream
// drops mid-session.
func (s *deepgramSession) run(ctx context.Context) {
	defer close(s.events)

	attempts := 0
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		err := s.pump(ctx, conn)
		if ctx.Err() != nil || s.isDone() {
			return
		}

		attempts++
		if attempts > maxReconnectAttempts {
			s.emit(TranscriptEvent{
				Type:      EventError,
				Code:      "stt_connection_failed",
				Detail:    fmt.Sprintf("reconnect attempts exhausted: %v", err),
				Retryable: false,
				TSMs:      time.Now().UnixMilli(),
			})
			return
		}

		// First retry is immediate, then 1/2/4/8 s.
		if attempts > 1 {
			delay := reliability.ExponentialBackoff(attempts-2, reconnectBackoffBase, reconnectBackoffCap)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		slog.Warn("deepgram reconnecting", "session", s.sessionID, "attempt", attempts, "err", err)

		next, dialErr := s.dial(ctx)
		if dialErr != nil {
			s.emit(TranscriptEvent{
				Type:      EventError,
				Code:      "stt_connection_failed",
				Detail:    dialErr.Error(),
				Retryable: attempts <= maxReconnectAttempts,
				TSMs:      time.Now().UnixMilli(),
			})
			continue
		}
		s.mu.Lock()
		s.conn = next
		s.mu.Unlock()
		attempts = 0
	}
}

// pump runs one connection lifetime: a writer goroutine draining the send
// queue and an inline read loop. Returns when the connection fails.
func (s *deepgramSession) pump(ctx context.Context, conn *websocket.Conn) error {
	writeDone := make(chan error, 1)
	writeCtx, stopWriter := context.WithCancel(ctx)
	defer stopWriter()

	go func() {
		for {
			select {
			case <-writeCtx.Done():
				writeDone <- nil
				return
			case audio := <-s.sendQueue:
				if err := conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
					writeDone <- err
					return
				}
			}
		}
	}()

	for {
		select {
		case err := <-writeDone:
			if err != nil {
				return fmt.Errorf("write: %w", err)
			}
			return ctx.Err()
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.handleMessage(payload)
	}
}

type fluxMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Message string `json:"message"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *deepgramSession) handleMessage(payload []byte) {
	var msg fluxMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		// Individual undecodable events are skipped, not fatal.
		slog.Warn("deepgram: undecodable message", "err", err)
		return
	}

	now := time.Now().UnixMilli()
	text, confidence := "", 0.0
	if len(msg.Channel.Alternatives) > 0 {
		text = msg.Channel.Alternatives[0].Transcript
		confidence = msg.Channel.Alternatives[0].Confidence
	}

	switch msg.Type {
	case "Results":
		if text == "" {
			return
		}
		kind := EventInterim
		if msg.IsFinal {
			kind = EventFinal
		}
		s.emit(TranscriptEvent{Type: kind, Text: text, Confidence: confidence, TSMs: now})
	case "EagerEndOfTurn":
		if text == "" {
			return
		}
		s.emit(TranscriptEvent{Type: EventEagerEndOfTurn, Text: text, Confidence: confidence, TSMs: now})
	case "TurnResumed":
		s.emit(TranscriptEvent{Type: EventTurnResumed, TSMs: now})
	case "EndOfTurn":
		if text == "" {
			return
		}
		s.emit(TranscriptEvent{
			Type: EventEndOfTurn, Text: text, Confidence: confidence,
			SpeechFinal: true, TSMs: now,
		})
	case "Error":
		s.emit(TranscriptEvent{
			Type: EventError, Code: "stt_provider_error", Detail: msg.Message,
			Retryable: reliability.IsRetryableRealtimeMessageType(msg.Message), TSMs: now,
		})
	case "Metadata", "Connected":
		// Informational only.
	default:
		slog.Debug("deepgram: unhandled message type", "type", msg.Type)
	}
}

func (s *deepgramSession) emit(evt TranscriptEvent) {
	select {
	case s.events <- evt:
	default:
		slog.Warn("deepgram event channel full, dropping event", "type", evt.Type)
	}
}

func (s *deepgramSession) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
