package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrDocumentNotFound = errors.New("document not found")

// PostgresStore persists all records in PostgreSQL over a shared pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore bootstraps the schema on an existing pool. The pool is
// shared with the vector store and owned by the caller.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if err := initSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			total_turns INT NOT NULL DEFAULT 0,
			cancelled_turns INT NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_text TEXT NOT NULL DEFAULT '',
			agent_text TEXT NOT NULL DEFAULT '',
			trajectory JSONB NOT NULL DEFAULT '[]',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			was_interrupted BOOLEAN NOT NULL DEFAULT FALSE,
			avg_confidence DOUBLE PRECISION NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns (session_id, started_at);`,
		`CREATE TABLE IF NOT EXISTS llm_calls (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			turn_id TEXT,
			status TEXT NOT NULL,
			prompt_tokens INT NOT NULL DEFAULT 0,
			completion_tokens INT NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_llm_calls_session ON llm_calls (session_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			status TEXT NOT NULL,
			word_count INT NOT NULL DEFAULT 0,
			chunk_count INT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_documents_session ON documents (session_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS telemetry_metrics (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			cancellation_rate DOUBLE PRECISION NOT NULL,
			avg_debounce_ms INT NOT NULL,
			turn_latency_ms BIGINT NOT NULL,
			total_turns INT NOT NULL,
			tokens_wasted INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, created_at) VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) EndSession(ctx context.Context, rec SessionRecord) error {
	endedAt := rec.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET ended_at=$2, total_turns=$3, cancelled_turns=$4 WHERE id=$1`,
		rec.ID, endedAt, rec.TotalTurns, rec.CancelledTurns)
	if err != nil {
		return fmt.Errorf("store: end session: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, rec TurnRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	trajectory := rec.Trajectory
	if len(trajectory) == 0 {
		trajectory = []byte("[]")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO turns
		    (id, session_id, user_text, agent_text, trajectory, started_at, ended_at, was_interrupted, avg_confidence)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		    agent_text = EXCLUDED.agent_text,
		    trajectory = EXCLUDED.trajectory,
		    ended_at = EXCLUDED.ended_at,
		    was_interrupted = EXCLUDED.was_interrupted`,
		rec.ID, rec.SessionID, rec.UserText, rec.AgentText, trajectory,
		rec.StartedAt, rec.EndedAt, rec.WasInterrupted, rec.AvgConfidence)
	if err != nil {
		return fmt.Errorf("store: save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, user_text, agent_text, trajectory, started_at, ended_at, was_interrupted, avg_confidence
		 FROM turns WHERE session_id=$1 ORDER BY started_at ASC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TurnRecord, error) {
		var t TurnRecord
		err := row.Scan(&t.ID, &t.SessionID, &t.UserText, &t.AgentText, &t.Trajectory,
			&t.StartedAt, &t.EndedAt, &t.WasInterrupted, &t.AvgConfidence)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: list turns: %w", err)
	}
	return turns, nil
}

func (s *PostgresStore) SaveLLMCall(ctx context.Context, rec LLMCallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO llm_calls
		    (id, session_id, turn_id, status, prompt_tokens, completion_tokens, latency_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.SessionID, rec.TurnID, rec.Status,
		rec.PromptTokens, rec.CompletionTokens, rec.LatencyMS, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save llm call: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, rec DocumentRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, session_id, filename, status, word_count, chunk_count, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.SessionID, rec.Filename, rec.Status,
		rec.WordCount, rec.ChunkCount, rec.Error, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, rec DocumentRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status=$2, word_count=$3, chunk_count=$4, error=$5 WHERE id=$1`,
		rec.ID, rec.Status, rec.WordCount, rec.ChunkCount, rec.Error)
	if err != nil {
		return fmt.Errorf("store: update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, sessionID string) ([]DocumentRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, filename, status, word_count, chunk_count, error, created_at
		 FROM documents WHERE session_id=$1 ORDER BY created_at DESC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list documents: %w", err)
	}
	docs, err := pgx.CollectRows(rows, scanDocument)
	if err != nil {
		return nil, fmt.Errorf("store: list documents: %w", err)
	}
	return docs, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (DocumentRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, filename, status, word_count, chunk_count, error, created_at
		 FROM documents WHERE id=$1`,
		documentID)
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("store: get document: %w", err)
	}
	doc, err := pgx.CollectOneRow(rows, scanDocument)
	if errors.Is(err, pgx.ErrNoRows) {
		return DocumentRecord{}, ErrDocumentNotFound
	}
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("store: get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("store: delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (s *PostgresStore) SaveTelemetry(ctx context.Context, rec TelemetryRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO telemetry_metrics
		    (id, session_id, cancellation_rate, avg_debounce_ms, turn_latency_ms, total_turns, tokens_wasted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.NewString(), rec.SessionID, rec.CancellationRate, rec.AvgDebounceMS,
		rec.TurnLatencyMS, rec.TotalTurns, rec.TokensWasted, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save telemetry: %w", err)
	}
	return nil
}

// Close is a no-op; the pool belongs to the process.
func (s *PostgresStore) Close() error { return nil }

func scanDocument(row pgx.CollectableRow) (DocumentRecord, error) {
	var d DocumentRecord
	err := row.Scan(&d.ID, &d.SessionID, &d.Filename, &d.Status,
		&d.WordCount, &d.ChunkCount, &d.Error, &d.CreatedAt)
	return d, err
}
