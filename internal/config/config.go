// Package config loads and validates runtime settings from the environment.
// Missing required keys fail startup; these are the only fatal errors in the
// system.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice agent server.
type Config struct {
	BindAddr         string
	AllowedOrigin    string
	LogLevel         slog.Level
	ShutdownTimeout  time.Duration
	SessionTimeout   time.Duration
	MetricsNamespace string

	DeepgramAPIKey    string
	DeepgramModel     string
	EagerEOTThreshold float64
	EOTThreshold      float64

	OpenAIAPIKey       string
	OpenAIModel        string
	OpenAIOrganization string

	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string
	ElevenLabsModelID string

	DatabaseURL string

	VectorIndexName string
	VectorRegion    string
	VectorDimension int

	RAGChunkSize     int
	RAGChunkOverlap  int
	RAGTopK          int
	RAGMinSimilarity float64
	RAGTimeout       time.Duration
	RAGSessionFilter bool
	OllamaBaseURL    string
	OllamaEmbedModel string
	UseLocalEmbedder bool

	SilenceDebounceMS     int
	SilenceDebounceMinMS  int
	SilenceDebounceMaxMS  int
	CancellationThreshold float64
	AdaptiveDebounce      bool
}

// Load reads environment variables, applies defaults and validates ranges.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		AllowedOrigin:    strings.TrimSpace(os.Getenv("APP_ALLOWED_ORIGIN")),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "auralis"),
		ShutdownTimeout:  15 * time.Second,
		SessionTimeout:   2 * time.Minute,

		DeepgramAPIKey: strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY")),
		DeepgramModel:  envOrDefault("DEEPGRAM_MODEL", "flux-general-en"),

		OpenAIAPIKey:       strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIModel:        envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIOrganization: strings.TrimSpace(os.Getenv("OPENAI_ORGANIZATION_ID")),

		ElevenLabsAPIKey:  strings.TrimSpace(os.Getenv("ELEVENLABS_API_KEY")),
		ElevenLabsVoiceID: envOrDefault("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsModelID: envOrDefault("ELEVENLABS_MODEL_ID", "eleven_turbo_v2_5"),

		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),

		VectorIndexName: envOrDefault("VECTOR_INDEX_NAME", "voice-agent-kb"),
		VectorRegion:    envOrDefault("VECTOR_REGION", "local"),
		VectorDimension: 1536,

		RAGChunkSize:     400,
		RAGChunkOverlap:  50,
		RAGTopK:          3,
		RAGMinSimilarity: 0.3,
		RAGTimeout:       350 * time.Millisecond,
		RAGSessionFilter: true,
		OllamaBaseURL:    envOrDefault("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaEmbedModel: envOrDefault("OLLAMA_EMBED_MODEL", ""),
		UseLocalEmbedder: false,

		SilenceDebounceMS:     400,
		SilenceDebounceMinMS:  400,
		SilenceDebounceMaxMS:  1200,
		CancellationThreshold: 0.30,
		AdaptiveDebounce:      true,
	}

	var err error
	if cfg.LogLevel, err = levelFromEnv("APP_LOG_LEVEL", slog.LevelInfo); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionTimeout, err = durationFromEnv("APP_SESSION_TIMEOUT", cfg.SessionTimeout); err != nil {
		return Config{}, err
	}
	if cfg.EagerEOTThreshold, err = floatFromEnv("DEEPGRAM_EAGER_EOT_THRESHOLD", 0.5); err != nil {
		return Config{}, err
	}
	if cfg.EOTThreshold, err = floatFromEnv("DEEPGRAM_EOT_THRESHOLD", 0.7); err != nil {
		return Config{}, err
	}
	if cfg.VectorDimension, err = intFromEnv("VECTOR_DIMENSION", cfg.VectorDimension); err != nil {
		return Config{}, err
	}
	if cfg.RAGChunkSize, err = intFromEnv("RAG_CHUNK_SIZE", cfg.RAGChunkSize); err != nil {
		return Config{}, err
	}
	if cfg.RAGChunkOverlap, err = intFromEnv("RAG_CHUNK_OVERLAP", cfg.RAGChunkOverlap); err != nil {
		return Config{}, err
	}
	if cfg.RAGTopK, err = intFromEnv("RAG_TOP_K", cfg.RAGTopK); err != nil {
		return Config{}, err
	}
	if cfg.RAGMinSimilarity, err = floatFromEnv("RAG_MIN_SIMILARITY", cfg.RAGMinSimilarity); err != nil {
		return Config{}, err
	}
	if cfg.RAGTimeout, err = durationFromEnv("RAG_TIMEOUT", cfg.RAGTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RAGSessionFilter, err = boolFromEnv("RAG_SESSION_FILTER", cfg.RAGSessionFilter); err != nil {
		return Config{}, err
	}
	if cfg.UseLocalEmbedder, err = boolFromEnv("RAG_USE_LOCAL_EMBEDDINGS", cfg.OllamaEmbedModel != ""); err != nil {
		return Config{}, err
	}
	if cfg.SilenceDebounceMS, err = intFromEnv("SILENCE_DEBOUNCE_MS", cfg.SilenceDebounceMS); err != nil {
		return Config{}, err
	}
	if cfg.SilenceDebounceMinMS, err = intFromEnv("SILENCE_DEBOUNCE_MIN_MS", cfg.SilenceDebounceMinMS); err != nil {
		return Config{}, err
	}
	if cfg.SilenceDebounceMaxMS, err = intFromEnv("SILENCE_DEBOUNCE_MAX_MS", cfg.SilenceDebounceMaxMS); err != nil {
		return Config{}, err
	}
	if cfg.CancellationThreshold, err = floatFromEnv("CANCELLATION_THRESHOLD", cfg.CancellationThreshold); err != nil {
		return Config{}, err
	}
	if cfg.AdaptiveDebounce, err = boolFromEnv("ADAPTIVE_DEBOUNCE_ENABLED", cfg.AdaptiveDebounce); err != nil {
		return Config{}, err
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.ElevenLabsAPIKey == "" {
		return fmt.Errorf("ELEVENLABS_API_KEY is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.VectorDimension <= 0 {
		return fmt.Errorf("VECTOR_DIMENSION must be positive")
	}
	if c.RAGChunkSize < 100 || c.RAGChunkSize > 2000 {
		return fmt.Errorf("RAG_CHUNK_SIZE must be in [100, 2000]")
	}
	if c.RAGChunkOverlap < 0 || c.RAGChunkOverlap > 500 || c.RAGChunkOverlap >= c.RAGChunkSize {
		return fmt.Errorf("RAG_CHUNK_OVERLAP must be in [0, 500] and smaller than RAG_CHUNK_SIZE")
	}
	if c.RAGTopK < 1 || c.RAGTopK > 10 {
		return fmt.Errorf("RAG_TOP_K must be in [1, 10]")
	}
	if c.RAGMinSimilarity < 0 || c.RAGMinSimilarity > 1 {
		return fmt.Errorf("RAG_MIN_SIMILARITY must be in [0, 1]")
	}
	if c.SilenceDebounceMinMS < 100 || c.SilenceDebounceMaxMS < c.SilenceDebounceMinMS {
		return fmt.Errorf("silence debounce bounds invalid: min=%d max=%d",
			c.SilenceDebounceMinMS, c.SilenceDebounceMaxMS)
	}
	if c.SilenceDebounceMS < c.SilenceDebounceMinMS || c.SilenceDebounceMS > c.SilenceDebounceMaxMS {
		return fmt.Errorf("SILENCE_DEBOUNCE_MS must be within [%d, %d]",
			c.SilenceDebounceMinMS, c.SilenceDebounceMaxMS)
	}
	if c.CancellationThreshold < 0.1 || c.CancellationThreshold > 0.5 {
		return fmt.Errorf("CANCELLATION_THRESHOLD must be in [0.1, 0.5]")
	}
	if c.UseLocalEmbedder && c.OllamaEmbedModel == "" {
		return fmt.Errorf("RAG_USE_LOCAL_EMBEDDINGS requires OLLAMA_EMBED_MODEL")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
}

func levelFromEnv(key string, fallback slog.Level) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "":
		return fallback, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%s must be one of debug|info|warn|error", key)
	}
}
