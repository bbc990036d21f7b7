package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// Chunk is one embedded document slice ready for upsert.
type Chunk struct {
	ID         string
	DocumentID string
	SessionID  string
	Filename   string
	ChunkIndex int
	Text       string
	Embedding  []float32
}

// Match is one raw search hit before the retriever attaches its bookkeeping.
type Match struct {
	ChunkID    string
	DocumentID string
	Filename   string
	Text       string
	Score      float64
}

// SearchFilter narrows a vector search. SessionID == "" disables per-session
// isolation (the MVP mode of the original deployment).
type SearchFilter struct {
	SessionID string
	TopK      int
	MinScore  float64
}

// VectorStore is the contract the retriever and document pipeline depend on.
type VectorStore interface {
	UpsertChunks(ctx context.Context, chunks []Chunk) error
	Search(ctx context.Context, embedding []float32, filter SearchFilter) ([]Match, error)
	DeleteByDocument(ctx context.Context, documentID string) error
	DeleteBySession(ctx context.Context, sessionID string) error
	Stats(ctx context.Context) (VectorStats, error)
}

type VectorStats struct {
	ChunkCount    int64
	DocumentCount int64
}

const upsertBatchSize = 100

// PgVectorStore keeps document chunks in a PostgreSQL table with a pgvector
// HNSW index for approximate nearest-neighbour search by cosine distance.
// Safe for concurrent use; all state lives in the pool.
type PgVectorStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

func NewPgVectorStore(pool *pgxpool.Pool, dimensions int) *PgVectorStore {
	return &PgVectorStore{pool: pool, dimensions: dimensions}
}

// EnsureSchema creates the extension, table and index if missing.
func (s *PgVectorStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_chunks (
			id          TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			session_id  TEXT NOT NULL,
			filename    TEXT NOT NULL,
			chunk_index INT NOT NULL,
			content     TEXT NOT NULL,
			embedding   vector(%d) NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dimensions),
		`CREATE INDEX IF NOT EXISTS document_chunks_embedding_idx
			ON document_chunks USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS document_chunks_session_idx
			ON document_chunks (session_id)`,
		`CREATE INDEX IF NOT EXISTS document_chunks_document_idx
			ON document_chunks (document_id)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("vector store: ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertChunks inserts or replaces chunks in batches of 100.
func (s *PgVectorStore) UpsertChunks(ctx context.Context, chunks []Chunk) error {
	const q = `
		INSERT INTO document_chunks
		    (id, document_id, session_id, filename, chunk_index, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
		    document_id = EXCLUDED.document_id,
		    session_id  = EXCLUDED.session_id,
		    filename    = EXCLUDED.filename,
		    chunk_index = EXCLUDED.chunk_index,
		    content     = EXCLUDED.content,
		    embedding   = EXCLUDED.embedding`

	for start := 0; start < len(chunks); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(chunks))
		batch := &pgx.Batch{}
		for _, c := range chunks[start:end] {
			if len(c.Embedding) != s.dimensions {
				return fmt.Errorf("vector store: chunk %s embedding dimension %d, want %d",
					c.ID, len(c.Embedding), s.dimensions)
			}
			batch.Queue(q, c.ID, c.DocumentID, c.SessionID, c.Filename,
				c.ChunkIndex, c.Text, pgvector.NewVector(c.Embedding))
		}
		if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("vector store: upsert batch: %w", err)
		}
	}
	return nil
}

// Search finds the closest chunks by cosine similarity, filtered by minimum
// score and optionally by owning session. Results come back most similar
// first.
func (s *PgVectorStore) Search(ctx context.Context, embedding []float32, filter SearchFilter) ([]Match, error) {
	if len(embedding) != s.dimensions {
		return nil, fmt.Errorf("vector store: query embedding dimension %d, want %d",
			len(embedding), s.dimensions)
	}
	topK := filter.TopK
	if topK <= 0 {
		topK = 3
	}

	args := []any{pgvector.NewVector(embedding)}
	conditions := []string{}
	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
		conditions = append(conditions, fmt.Sprintf("session_id = $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, topK)

	q := fmt.Sprintf(`
		SELECT id, document_id, filename, content,
		       1 - (embedding <=> $1) AS score
		FROM   document_chunks
		%s
		ORDER  BY embedding <=> $1
		LIMIT  $%d`, where, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vector store: search: %w", err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Match, error) {
		var m Match
		err := row.Scan(&m.ChunkID, &m.DocumentID, &m.Filename, &m.Text, &m.Score)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("vector store: collect rows: %w", err)
	}

	out := matches[:0]
	for _, m := range matches {
		if m.Score >= filter.MinScore {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *PgVectorStore) DeleteByDocument(ctx context.Context, documentID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM document_chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("vector store: delete by document: %w", err)
	}
	return nil
}

func (s *PgVectorStore) DeleteBySession(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM document_chunks WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("vector store: delete by session: %w", err)
	}
	return nil
}

func (s *PgVectorStore) Stats(ctx context.Context) (VectorStats, error) {
	var stats VectorStats
	err := s.pool.QueryRow(ctx,
		`SELECT count(*), count(DISTINCT document_id) FROM document_chunks`).
		Scan(&stats.ChunkCount, &stats.DocumentCount)
	if err != nil {
		return VectorStats{}, fmt.Errorf("vector store: stats: %w", err)
	}
	return stats, nil
}
