// Command auralis runs the realtime voice agent server: websocket transport,
// turn orchestration, retrieval-augmented generation and document ingestion.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/auralis-ai/auralis/internal/config"
	"github.com/auralis-ai/auralis/internal/httpapi"
	"github.com/auralis-ai/auralis/internal/llm"
	"github.com/auralis-ai/auralis/internal/observability"
	"github.com/auralis-ai/auralis/internal/rag"
	"github.com/auralis-ai/auralis/internal/session"
	"github.com/auralis-ai/auralis/internal/store"
	"github.com/auralis-ai/auralis/internal/voice"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	pool, err := newPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database init failed: %v", err)
	}
	defer pool.Close()

	db, err := store.NewPostgresStore(ctx, pool)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}

	vectors := rag.NewPgVectorStore(pool, cfg.VectorDimension)
	if err := vectors.EnsureSchema(ctx); err != nil {
		log.Fatalf("vector store init failed: %v", err)
	}

	var local rag.Embedder
	if cfg.UseLocalEmbedder {
		le, err := rag.NewOllamaEmbedder(cfg.OllamaBaseURL, cfg.OllamaEmbedModel, cfg.VectorDimension)
		if err != nil {
			log.Fatalf("local embedder init failed: %v", err)
		}
		local = le
		slog.Info("embeddings: local ollama preferred", "model", cfg.OllamaEmbedModel)
	}
	remote, err := rag.NewOpenAIEmbedder(cfg.OpenAIAPIKey, "", cfg.VectorDimension)
	if err != nil {
		log.Fatalf("remote embedder init failed: %v", err)
	}

	retriever := rag.NewRetriever(vectors, local, remote, rag.RetrieverConfig{
		TopK:          cfg.RAGTopK,
		MinSimilarity: cfg.RAGMinSimilarity,
		SessionFilter: cfg.RAGSessionFilter,
	})
	guards := rag.NewGuardrails(cfg.RAGMinSimilarity)
	docs := rag.NewDocumentProcessor(vectors, local, remote)

	stt := voice.NewDeepgramProvider(voice.DeepgramConfig{
		APIKey:            cfg.DeepgramAPIKey,
		Model:             cfg.DeepgramModel,
		EagerEOTThreshold: cfg.EagerEOTThreshold,
		EOTThreshold:      cfg.EOTThreshold,
	})
	tts := voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
		APIKey:  cfg.ElevenLabsAPIKey,
		VoiceID: cfg.ElevenLabsVoiceID,
		ModelID: cfg.ElevenLabsModelID,
	})
	brain, err := llm.NewClient(llm.Config{
		APIKey:       cfg.OpenAIAPIKey,
		Model:        cfg.OpenAIModel,
		Organization: cfg.OpenAIOrganization,
	})
	if err != nil {
		log.Fatalf("llm client init failed: %v", err)
	}

	sessions := session.NewManager(cfg.SessionTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:  sessions,
		Metrics:   metrics,
		DB:        db,
		Vectors:   vectors,
		Docs:      docs,
		STT:       stt,
		TTS:       tts,
		LLM:       brain,
		Retriever: retriever,
		Guards:    guards,
	})

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		slog.Info("server listening", "addr", cfg.BindAddr, "model", cfg.OpenAIModel)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}
	slog.Info("shutdown complete")
}

// newPool connects to PostgreSQL and registers pgvector types on every
// connection so vector columns scan into pgvector.Vector values.
func newPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	return pgxpool.NewWithConfig(ctx, poolCfg)
}
