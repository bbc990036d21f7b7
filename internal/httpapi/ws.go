package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/auralis-ai/auralis/internal/audio"
	"github.com/auralis-ai/auralis/internal/protocol"
	"github.com/auralis-ai/auralis/internal/store"
	"github.com/auralis-ai/auralis/internal/turn"
)

const (
	outboundQueueCap  = 256
	heartbeatInterval = 20 * time.Second
	writeTimeout      = 10 * time.Second
	telemetryInterval = 30 * time.Second
)

// handleWS runs one full session: upgrade, controller wiring, inbound decode
// loop and the serialized outbound writer.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}

	sess := s.sessions.Create()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("connected").Inc()
	if err := s.db.SaveSession(r.Context(), store.SessionRecord{ID: sess.ID, CreatedAt: sess.CreatedAt}); err != nil {
		slog.Warn("session persist failed", "session", sess.ID, "err", err)
	}

	outbound := make(chan any, outboundQueueCap)
	send := func(msg any) {
		select {
		case outbound <- msg:
		default:
			// Slow consumer: dropping is safer than blocking the controller.
			slog.Warn("outbound queue full, dropping message", "session", sess.ID)
			s.metrics.WSMessages.WithLabelValues("out", "dropped").Inc()
		}
	}

	controller := s.buildController(sess.ID, send)
	if err := controller.Start(r.Context()); err != nil {
		slog.Error("controller start failed", "session", sess.ID, "err", err)
		send(protocol.Error{
			Type: protocol.TypeError, Code: "stt_connection_failed",
			Message: err.Error(), Recoverable: false, TSMs: time.Now().UnixMilli(),
		})
		_ = conn.Close()
		_, _ = s.sessions.End(sess.ID)
		return
	}
	s.sessions.BindController(sess.ID, controller)

	send(protocol.SessionReady{
		Type: protocol.TypeSessionReady, SessionID: sess.ID, TSMs: time.Now().UnixMilli(),
	})

	ctx, cancel := context.WithCancel(r.Context())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.writeLoop(ctx, conn, sess.ID, outbound) })
	g.Go(func() error { return s.readLoop(ctx, conn, sess.ID, controller, send) })
	g.Go(func() error { return s.heartbeatLoop(ctx, sess.ID, controller, send) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Debug("session closed", "session", sess.ID, "err", err)
	}
	cancel()

	s.teardownSession(sess.ID, controller)
}

func (s *Server) teardownSession(sessionID string, controller *turn.Controller) {
	controller.Stop()

	telemetry := controller.Telemetry()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.db.EndSession(ctx, store.SessionRecord{
		ID:             sessionID,
		TotalTurns:     telemetry.TotalTurns,
		CancelledTurns: telemetry.CancelledTurns,
	}); err != nil {
		slog.Warn("session end persist failed", "session", sessionID, "err", err)
	}
	// Session documents are scoped to the connection; reap their vectors.
	if s.vectors != nil {
		if err := s.vectors.DeleteBySession(ctx, sessionID); err != nil {
			slog.Warn("session vector cleanup failed", "session", sessionID, "err", err)
		}
	}
	if _, err := s.sessions.End(sessionID); err == nil {
		s.metrics.SessionEvents.WithLabelValues("disconnected").Inc()
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
}

func (s *Server) buildController(sessionID string, send func(any)) *turn.Controller {
	callbacks := turn.Callbacks{
		OnStateChange: func(from, to turn.State) {
			send(protocol.StateChange{
				Type: protocol.TypeStateChange,
				FromState: string(from), ToState: string(to),
				TSMs: time.Now().UnixMilli(),
			})
		},
		OnInterimTranscript: func(text string, confidence float64) {
			send(protocol.TranscriptInterim{
				Type: protocol.TypeTranscriptInterim,
				Text: text, Confidence: confidence, TSMs: time.Now().UnixMilli(),
			})
		},
		OnFinalTranscript: func(text string, confidence float64) {
			send(protocol.TranscriptFinal{
				Type: protocol.TypeTranscriptFinal,
				Text: text, Confidence: confidence, TSMs: time.Now().UnixMilli(),
			})
		},
		OnAgentAudioChunk: func(chunk []byte, index int, final bool) {
			send(protocol.AgentAudioChunk{
				Type:       protocol.TypeAgentAudioChunk,
				Audio:      base64.StdEncoding.EncodeToString(chunk),
				ChunkIndex: index,
				IsFinal:    final,
			})
		},
		OnAgentTextFallback: func(text, reason string) {
			send(protocol.AgentTextFallback{
				Type: protocol.TypeAgentTextFallback, Text: text, Reason: reason,
			})
		},
		OnTurnComplete: func(summary turn.TurnSummary, notify bool) {
			if !notify {
				return
			}
			send(protocol.TurnComplete{
				Type:           protocol.TypeTurnComplete,
				TurnID:         summary.TurnID,
				UserText:       summary.UserText,
				AgentText:      summary.AgentText,
				DurationMS:     summary.DurationMS,
				WasInterrupted: summary.WasInterrupted,
				TSMs:           time.Now().UnixMilli(),
			})
		},
		OnError: func(code, message string, recoverable bool) {
			send(protocol.Error{
				Type: protocol.TypeError, Code: code, Message: message,
				Recoverable: recoverable, TSMs: time.Now().UnixMilli(),
			})
		},
	}

	cfg := turn.Config{
		SilenceInitialMS:      s.cfg.SilenceDebounceMS,
		SilenceMinMS:          s.cfg.SilenceDebounceMinMS,
		SilenceMaxMS:          s.cfg.SilenceDebounceMaxMS,
		CancellationThreshold: s.cfg.CancellationThreshold,
		AdaptiveDebounce:      s.cfg.AdaptiveDebounce,
		RAGTimeout:            s.cfg.RAGTimeout,
	}

	sink := &controllerSink{server: s}
	return turn.New(sessionID, cfg, callbacks, s.stt, s.tts, s.llm,
		s.retriever, s.guards, sink, s.metrics)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sessionID string, controller *turn.Controller, send func(any)) error {
	defer conn.Close()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.ParseClientMessage(raw)
		if err != nil {
			// Individual undecodable events are logged and skipped.
			slog.Debug("undecodable client message", "session", sessionID, "err", err)
			s.metrics.WSMessages.WithLabelValues("in", "invalid").Inc()
			continue
		}

		_ = s.sessions.Touch(sessionID)
		switch m := msg.(type) {
		case protocol.Connect:
			// Session is already established by the upgrade.
		case protocol.AudioChunk:
			s.metrics.WSMessages.WithLabelValues("in", string(protocol.TypeAudioChunk)).Inc()
			pcm, err := decodeAudioPayload(m)
			if err != nil {
				slog.Debug("bad audio chunk", "session", sessionID, "err", err)
				continue
			}
			controller.HandleAudioChunk(pcm)
		case protocol.Interrupt:
			s.metrics.WSMessages.WithLabelValues("in", string(protocol.TypeInterrupt)).Inc()
			controller.HandleInterrupt()
		case protocol.PlaybackComplete:
			controller.HandlePlaybackComplete()
		case protocol.TextInput:
			controller.HandleTextInput(m.Text)
		case protocol.UpdateSettings:
			controller.UpdateSettings(turn.Settings{
				SilenceDebounceMS:     m.SilenceDebounceMS,
				CancellationThreshold: m.CancellationThreshold,
				AdaptiveDebounce:      m.AdaptiveDebounceEnabled,
			})
		case protocol.GetHistory:
			send(s.historyMessage(ctx, sessionID))
		case protocol.Ping:
			send(protocol.Pong{Type: protocol.TypePong, TSMs: time.Now().UnixMilli()})
		case protocol.Pong:
			// Heartbeat acknowledgement; Touch above already counted it.
		case protocol.Disconnect:
			return nil
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sessionID string, outbound <-chan any) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-outbound:
			payload, err := json.Marshal(msg)
			if err != nil {
				slog.Warn("outbound marshal failed", "session", sessionID, "err", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return err
			}
			s.metrics.WSMessages.WithLabelValues("out", "sent").Inc()
		}
	}
}

// heartbeatLoop pings the client and pushes periodic telemetry snapshots.
func (s *Server) heartbeatLoop(ctx context.Context, sessionID string, controller *turn.Controller, send func(any)) error {
	ping := time.NewTicker(heartbeatInterval)
	telemetry := time.NewTicker(telemetryInterval)
	defer ping.Stop()
	defer telemetry.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ping.C:
			send(protocol.Ping{Type: protocol.TypePing, TSMs: time.Now().UnixMilli()})
		case <-telemetry.C:
			snap := controller.Telemetry()
			send(protocol.Telemetry{
				Type:              protocol.TypeTelemetry,
				CancellationRate:  snap.CancellationRate,
				AvgDebounceMS:     snap.AvgDebounceMS,
				TurnLatencyMS:     snap.TurnLatencyMS,
				TotalTurns:        snap.TotalTurns,
				TokensWasted:      snap.TokensWasted,
				InterruptionCount: snap.InterruptionCount,
			})
			if err := s.db.SaveTelemetry(ctx, store.TelemetryRecord{
				SessionID:        sessionID,
				CancellationRate: snap.CancellationRate,
				AvgDebounceMS:    snap.AvgDebounceMS,
				TurnLatencyMS:    snap.TurnLatencyMS,
				TotalTurns:       snap.TotalTurns,
				TokensWasted:     snap.TokensWasted,
			}); err != nil {
				slog.Debug("telemetry persist failed", "session", sessionID, "err", err)
			}
		}
	}
}

func (s *Server) historyMessage(ctx context.Context, sessionID string) protocol.History {
	msg := protocol.History{Type: protocol.TypeHistory}
	turns, err := s.db.ListTurns(ctx, sessionID, 50)
	if err != nil {
		slog.Warn("history load failed", "session", sessionID, "err", err)
		return msg
	}
	for _, t := range turns {
		msg.Turns = append(msg.Turns, protocol.HistoryEntry{
			TurnID:         t.ID,
			UserText:       t.UserText,
			AgentText:      t.AgentText,
			WasInterrupted: t.WasInterrupted,
			TSMs:           t.EndedAt.UnixMilli(),
		})
	}
	return msg
}

// decodeAudioPayload turns a client audio message into raw PCM16 bytes for
// the STT stream. WAV uploads are unwrapped; webm passes through (the
// provider accepts containerized audio on the same stream).
func decodeAudioPayload(m protocol.AudioChunk) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(m.Audio)
	if err != nil {
		return nil, err
	}
	if m.Format == "wav" {
		pcm, _, err := audio.ExtractPCM16(raw)
		if err != nil {
			return nil, err
		}
		return pcm, nil
	}
	return raw, nil
}

// controllerSink persists sealed turns and generation accounting and updates
// the session manager's per-session turn counters.
type controllerSink struct {
	server *Server
}

func (cs *controllerSink) RecordTurn(ctx context.Context, sessionID string, summary turn.TurnSummary) {
	_ = cs.server.sessions.RecordTurn(sessionID, summary.WasInterrupted)

	trajectory, err := json.Marshal(summary.Trajectory)
	if err != nil {
		trajectory = []byte("[]")
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := cs.server.db.SaveTurn(saveCtx, store.TurnRecord{
		ID:             summary.TurnID,
		SessionID:      sessionID,
		UserText:       summary.UserText,
		AgentText:      summary.AgentText,
		Trajectory:     trajectory,
		StartedAt:      summary.StartedAt,
		EndedAt:        summary.EndedAt,
		WasInterrupted: summary.WasInterrupted,
		AvgConfidence:  summary.AvgConfidence,
	}); err != nil {
		slog.Warn("turn persist failed", "session", sessionID, "turn", summary.TurnID, "err", err)
	}
}

func (cs *controllerSink) RecordLLMCall(ctx context.Context, sessionID, turnID, status string, promptTokens, completionTokens int, latency time.Duration) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := cs.server.db.SaveLLMCall(saveCtx, store.LLMCallRecord{
		SessionID:        sessionID,
		TurnID:           turnID,
		Status:           status,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		LatencyMS:        latency.Milliseconds(),
	}); err != nil {
		slog.Debug("llm call persist failed", "session", sessionID, "err", err)
	}
}
