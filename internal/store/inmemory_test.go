package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryStoreSessionLifecycle(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if err := s.SaveSession(ctx, SessionRecord{ID: "s1"}); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	if err := s.EndSession(ctx, SessionRecord{ID: "s1", TotalTurns: 4, CancelledTurns: 1}); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	rec := s.sessions["s1"]
	if rec.TotalTurns != 4 || rec.CancelledTurns != 1 || rec.EndedAt.IsZero() {
		t.Fatalf("session record = %+v", rec)
	}
}

func TestInMemoryStoreTurnsAndCalls(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	err := s.SaveTurn(ctx, TurnRecord{
		SessionID:      "s1",
		UserText:       "hello",
		AgentText:      "hi there",
		Trajectory:     []byte(`[{"from_state":"IDLE","to_state":"LISTENING"}]`),
		StartedAt:      time.Now().Add(-time.Second),
		EndedAt:        time.Now(),
		WasInterrupted: false,
	})
	if err != nil {
		t.Fatalf("SaveTurn() error = %v", err)
	}
	if err := s.SaveLLMCall(ctx, LLMCallRecord{SessionID: "s1", Status: "completed", CompletionTokens: 12}); err != nil {
		t.Fatalf("SaveLLMCall() error = %v", err)
	}

	turns := s.Turns()
	if len(turns) != 1 || turns[0].ID == "" {
		t.Fatalf("Turns() = %+v", turns)
	}
	calls := s.LLMCalls()
	if len(calls) != 1 || calls[0].CreatedAt.IsZero() {
		t.Fatalf("LLMCalls() = %+v", calls)
	}
}

func TestInMemoryStoreDocuments(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	doc := DocumentRecord{ID: "d1", SessionID: "s1", Filename: "a.pdf", Status: DocumentStatusProcessing}
	if err := s.InsertDocument(ctx, doc); err != nil {
		t.Fatalf("InsertDocument() error = %v", err)
	}
	doc.Status = DocumentStatusReady
	doc.WordCount = 120
	doc.ChunkCount = 3
	if err := s.UpdateDocument(ctx, doc); err != nil {
		t.Fatalf("UpdateDocument() error = %v", err)
	}

	got, err := s.GetDocument(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if got.Status != DocumentStatusReady || got.ChunkCount != 3 {
		t.Fatalf("document = %+v", got)
	}

	list, err := s.ListDocuments(ctx, "s1")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListDocuments() = %v, %v", list, err)
	}

	if err := s.DeleteDocument(ctx, "d1"); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}
	if _, err := s.GetDocument(ctx, "d1"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("GetDocument(deleted) error = %v, want ErrDocumentNotFound", err)
	}
	if err := s.UpdateDocument(ctx, doc); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("UpdateDocument(deleted) error = %v, want ErrDocumentNotFound", err)
	}
}
