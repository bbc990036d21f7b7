// Package httpapi serves the client transport: the realtime websocket, the
// document management API, health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/auralis-ai/auralis/internal/audio"
	"github.com/auralis-ai/auralis/internal/config"
	"github.com/auralis-ai/auralis/internal/llm"
	"github.com/auralis-ai/auralis/internal/observability"
	"github.com/auralis-ai/auralis/internal/rag"
	"github.com/auralis-ai/auralis/internal/session"
	"github.com/auralis-ai/auralis/internal/store"
	"github.com/auralis-ai/auralis/internal/voice"
)

// Server owns the HTTP surface and builds one turn controller per websocket
// connection from the shared process-wide providers.
type Server struct {
	cfg      config.Config
	sessions *session.Manager
	metrics  *observability.Metrics
	db       store.Store
	vectors  rag.VectorStore
	docs     *rag.DocumentProcessor

	stt       voice.STTProvider
	tts       voice.TTSProvider
	llm       llm.Streamer
	retriever *rag.Retriever
	guards    *rag.Guardrails

	upgrader websocket.Upgrader
}

type Deps struct {
	Sessions  *session.Manager
	Metrics   *observability.Metrics
	DB        store.Store
	Vectors   rag.VectorStore
	Docs      *rag.DocumentProcessor
	STT       voice.STTProvider
	TTS       voice.TTSProvider
	LLM       llm.Streamer
	Retriever *rag.Retriever
	Guards    *rag.Guardrails
}

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:       cfg,
		sessions:  deps.Sessions,
		metrics:   deps.Metrics,
		db:        deps.DB,
		vectors:   deps.Vectors,
		docs:      deps.Docs,
		stt:       deps.STT,
		tts:       deps.TTS,
		llm:       deps.LLM,
		retriever: deps.Retriever,
		guards:    deps.Guards,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients omit Origin; allow them.
					return true
				}
				if cfg.AllowedOrigin == "" {
					u, err := url.Parse(origin)
					if err != nil {
						return false
					}
					return strings.EqualFold(u.Host, r.Host)
				}
				return strings.EqualFold(origin, cfg.AllowedOrigin)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/ws", s.handleWS)

	r.Post("/api/documents/upload", s.handleUploadDocument)
	r.Get("/api/documents", s.handleListDocuments)
	r.Delete("/api/documents/{id}", s.handleDeleteDocument)

	r.Post("/api/tts/preview", s.handleTTSPreview)
	r.Get("/api/telemetry/stages", s.handleStageTelemetry)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	}
	if s.vectors != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if stats, err := s.vectors.Stats(ctx); err == nil {
			payload["vector_chunks"] = stats.ChunkCount
			payload["vector_documents"] = stats.DocumentCount
		}
	}
	respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleStageTelemetry(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}

// handleTTSPreview synthesizes a short standalone utterance so clients can
// audition the configured voice. Bypasses the turn pipeline entirely.
func (s *Server) handleTTSPreview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 12*time.Second)
	defer cancel()

	events, err := s.tts.Synthesize(ctx, req.Text)
	if err != nil {
		respondError(w, http.StatusBadGateway, "synthesis failed: "+err.Error())
		return
	}
	var pcm []byte
	for evt := range events {
		switch evt.Type {
		case voice.TTSEventAudio:
			pcm = append(pcm, evt.Audio...)
		case voice.TTSEventError:
			respondError(w, http.StatusBadGateway, "synthesis stream failed: "+evt.Detail)
			return
		}
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, map[string]any{"success": false, "detail": detail})
}
