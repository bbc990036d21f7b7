package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps records in process memory. Used when no DATABASE_URL is
// configured and throughout the test suite.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]SessionRecord
	turns     []TurnRecord
	llmCalls  []LLMCallRecord
	documents map[string]DocumentRecord
	telemetry []TelemetryRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[string]SessionRecord),
		documents: make(map[string]DocumentRecord),
	}
}

func (s *InMemoryStore) SaveSession(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.sessions[rec.ID]; !exists {
		s.sessions[rec.ID] = rec
	}
	return nil
}

func (s *InMemoryStore) EndSession(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[rec.ID]
	if !ok {
		existing = rec
	}
	existing.EndedAt = rec.EndedAt
	if existing.EndedAt.IsZero() {
		existing.EndedAt = time.Now().UTC()
	}
	existing.TotalTurns = rec.TotalTurns
	existing.CancelledTurns = rec.CancelledTurns
	s.sessions[rec.ID] = existing
	return nil
}

func (s *InMemoryStore) SaveTurn(_ context.Context, rec TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.turns = append(s.turns, rec)
	return nil
}

func (s *InMemoryStore) ListTurns(_ context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	var out []TurnRecord
	for _, t := range s.turns {
		if t.SessionID != sessionID {
			continue
		}
		out = append(out, t)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) SaveLLMCall(_ context.Context, rec LLMCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.llmCalls = append(s.llmCalls, rec)
	return nil
}

func (s *InMemoryStore) InsertDocument(_ context.Context, rec DocumentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.documents[rec.ID] = rec
	return nil
}

func (s *InMemoryStore) UpdateDocument(_ context.Context, rec DocumentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.documents[rec.ID]
	if !ok {
		return ErrDocumentNotFound
	}
	existing.Status = rec.Status
	existing.WordCount = rec.WordCount
	existing.ChunkCount = rec.ChunkCount
	existing.Error = rec.Error
	s.documents[rec.ID] = existing
	return nil
}

func (s *InMemoryStore) ListDocuments(_ context.Context, sessionID string) ([]DocumentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DocumentRecord
	for _, d := range s.documents {
		if d.SessionID == sessionID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *InMemoryStore) GetDocument(_ context.Context, documentID string) (DocumentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.documents[documentID]
	if !ok {
		return DocumentRecord{}, ErrDocumentNotFound
	}
	return d, nil
}

func (s *InMemoryStore) DeleteDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[documentID]; !ok {
		return ErrDocumentNotFound
	}
	delete(s.documents, documentID)
	return nil
}

func (s *InMemoryStore) SaveTelemetry(_ context.Context, rec TelemetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.telemetry = append(s.telemetry, rec)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

// Turns returns a copy of the recorded turns, for tests and telemetry.
func (s *InMemoryStore) Turns() []TurnRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TurnRecord, len(s.turns))
	copy(out, s.turns)
	return out
}

// LLMCalls returns a copy of the recorded generation calls.
func (s *InMemoryStore) LLMCalls() []LLMCallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LLMCallRecord, len(s.llmCalls))
	copy(out, s.llmCalls)
	return out
}
