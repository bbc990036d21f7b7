// Package store persists sessions, turns, generation calls, documents and
// telemetry snapshots. Persistence is best-effort: the voice pipeline never
// blocks on it and a lost record loses history, not correctness.
package store

import (
	"context"
	"time"
)

// SessionRecord mirrors one connection lifecycle.
type SessionRecord struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	EndedAt        time.Time `json:"ended_at"`
	TotalTurns     int       `json:"total_turns"`
	CancelledTurns int       `json:"cancelled_turns"`
}

// TurnRecord seals one user↔agent exchange. Trajectory is the JSON-encoded
// state trajectory.
type TurnRecord struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	UserText       string    `json:"user_text"`
	AgentText      string    `json:"agent_text"`
	Trajectory     []byte    `json:"trajectory"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	WasInterrupted bool      `json:"was_interrupted"`
	AvgConfidence  float64   `json:"avg_confidence"`
}

// LLMCallRecord is generation accounting, including speculative work that was
// cancelled before becoming audible.
type LLMCallRecord struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	TurnID           string    `json:"turn_id"`
	Status           string    `json:"status"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// Document statuses.
const (
	DocumentStatusProcessing = "processing"
	DocumentStatusReady      = "ready"
	DocumentStatusFailed     = "failed"
)

// DocumentRecord tracks one uploaded file through ingestion.
type DocumentRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Filename   string    `json:"filename"`
	Status     string    `json:"status"`
	WordCount  int       `json:"word_count"`
	ChunkCount int       `json:"chunk_count"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TelemetryRecord is one periodic controller snapshot.
type TelemetryRecord struct {
	SessionID        string    `json:"session_id"`
	CancellationRate float64   `json:"cancellation_rate"`
	AvgDebounceMS    int       `json:"avg_debounce_ms"`
	TurnLatencyMS    int64     `json:"turn_latency_ms"`
	TotalTurns       int       `json:"total_turns"`
	TokensWasted     int       `json:"tokens_wasted"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store is the persistence contract.
type Store interface {
	SaveSession(ctx context.Context, rec SessionRecord) error
	EndSession(ctx context.Context, rec SessionRecord) error
	SaveTurn(ctx context.Context, rec TurnRecord) error
	ListTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	SaveLLMCall(ctx context.Context, rec LLMCallRecord) error

	InsertDocument(ctx context.Context, rec DocumentRecord) error
	UpdateDocument(ctx context.Context, rec DocumentRecord) error
	ListDocuments(ctx context.Context, sessionID string) ([]DocumentRecord, error)
	GetDocument(ctx context.Context, documentID string) (DocumentRecord, error)
	DeleteDocument(ctx context.Context, documentID string) error

	SaveTelemetry(ctx context.Context, rec TelemetryRecord) error
	Close() error
}
