package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auralis-ai/auralis/internal/config"
	"github.com/auralis-ai/auralis/internal/llm"
	"github.com/auralis-ai/auralis/internal/observability"
	"github.com/auralis-ai/auralis/internal/rag"
	"github.com/auralis-ai/auralis/internal/session"
	"github.com/auralis-ai/auralis/internal/store"
	"github.com/auralis-ai/auralis/internal/voice"
)

type stubVectorStore struct {
	chunks []rag.Chunk
}

func (s *stubVectorStore) UpsertChunks(_ context.Context, chunks []rag.Chunk) error {
	s.chunks = append(s.chunks, chunks...)
	return nil
}

func (s *stubVectorStore) Search(context.Context, []float32, rag.SearchFilter) ([]rag.Match, error) {
	return nil, nil
}

func (s *stubVectorStore) DeleteByDocument(_ context.Context, documentID string) error {
	kept := s.chunks[:0]
	for _, c := range s.chunks {
		if c.DocumentID != documentID {
			kept = append(kept, c)
		}
	}
	s.chunks = kept
	return nil
}

func (s *stubVectorStore) DeleteBySession(context.Context, string) error { return nil }
func (s *stubVectorStore) Stats(context.Context) (rag.VectorStats, error) {
	return rag.VectorStats{ChunkCount: int64(len(s.chunks))}, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}
func (stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}
func (stubEmbedder) Dimensions() int { return 2 }
func (stubEmbedder) ModelID() string { return "stub" }

var testMetrics = observability.NewMetrics("auralis_httpapi_test")

func newTestServer(t *testing.T, response string) (*Server, *session.Manager, *store.InMemoryStore) {
	t.Helper()
	cfg := config.Config{
		RAGChunkSize:          400,
		RAGChunkOverlap:       50,
		RAGTopK:               3,
		RAGMinSimilarity:      0.3,
		RAGTimeout:            100 * time.Millisecond,
		SilenceDebounceMS:     40,
		SilenceDebounceMinMS:  10,
		SilenceDebounceMaxMS:  1200,
		CancellationThreshold: 0.3,
	}
	sessions := session.NewManager(time.Minute)
	db := store.NewInMemoryStore()
	vectors := &stubVectorStore{}
	srv := New(cfg, Deps{
		Sessions:  sessions,
		Metrics:   testMetrics,
		DB:        db,
		Vectors:   vectors,
		Docs:      rag.NewDocumentProcessor(vectors, stubEmbedder{}, nil),
		STT:       voice.NewMockSTTProvider(),
		TTS:       voice.NewMockTTSProvider(),
		LLM:       &llm.MockStreamer{Response: response},
		Retriever: nil,
		Guards:    rag.NewGuardrails(0.3),
	})
	return srv, sessions, db
}

func multipartUpload(t *testing.T, fields map[string]string, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("WriteField(%s) error = %v", k, err)
		}
	}
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("CreateFormFile() error = %v", err)
		}
		if _, err := part.Write([]byte(content)); err != nil {
			t.Fatalf("file write error = %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("multipart close error = %v", err)
	}
	return &body, w.FormDataContentType()
}

func TestUploadDocumentHappyPath(t *testing.T) {
	srv, sessions, db := newTestServer(t, "")
	sess := sessions.Create()

	words := strings.Repeat("alpha beta gamma delta epsilon ", 100)
	body, contentType := multipartUpload(t, map[string]string{
		"session_id": sess.ID,
		"chunk_size": "300",
	}, "notes.txt", words)

	req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.Status != store.DocumentStatusReady {
		t.Fatalf("response = %+v", resp)
	}
	if resp.WordCount != 500 {
		t.Fatalf("WordCount = %d, want 500", resp.WordCount)
	}
	if resp.ChunkCount < 2 {
		t.Fatalf("ChunkCount = %d, want >= 2", resp.ChunkCount)
	}

	docs, err := db.ListDocuments(context.Background(), sess.ID)
	if err != nil || len(docs) != 1 {
		t.Fatalf("ListDocuments = %v, %v", docs, err)
	}
	if docs[0].Status != store.DocumentStatusReady {
		t.Fatalf("stored status = %q", docs[0].Status)
	}
}

func TestUploadDocumentValidation(t *testing.T) {
	srv, sessions, _ := newTestServer(t, "")
	sess := sessions.Create()

	cases := []struct {
		name       string
		fields     map[string]string
		filename   string
		wantStatus int
	}{
		{"missing session", map[string]string{}, "a.txt", http.StatusBadRequest},
		{"unknown session", map[string]string{"session_id": "ghost"}, "a.txt", http.StatusNotFound},
		{"chunk size too small", map[string]string{"session_id": sess.ID, "chunk_size": "10"}, "a.txt", http.StatusBadRequest},
		{"overlap too large", map[string]string{"session_id": sess.ID, "chunk_size": "200", "chunk_overlap": "300"}, "a.txt", http.StatusBadRequest},
		{"unsupported format", map[string]string{"session_id": sess.ID}, "a.exe", http.StatusUnsupportedMediaType},
		{"missing file", map[string]string{"session_id": sess.ID}, "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, contentType := multipartUpload(t, tc.fields, tc.filename, "some words here")
			req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", body)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestDeleteDocumentRemovesVectors(t *testing.T) {
	srv, sessions, db := newTestServer(t, "")
	sess := sessions.Create()

	body, contentType := multipartUpload(t, map[string]string{"session_id": sess.ID},
		"doc.md", strings.Repeat("content word ", 200))
	req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d", rec.Code)
	}
	var resp uploadResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)

	del := httptest.NewRequest(http.MethodDelete, "/api/documents/"+resp.DocumentID, nil)
	delRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(delRec, del)
	if delRec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body = %s", delRec.Code, delRec.Body.String())
	}

	if docs, _ := db.ListDocuments(context.Background(), sess.ID); len(docs) != 0 {
		t.Fatalf("documents remain after delete: %v", docs)
	}
	stats, _ := srv.vectors.Stats(context.Background())
	if stats.ChunkCount != 0 {
		t.Fatalf("vector chunks remain after delete: %d", stats.ChunkCount)
	}
}

func TestWebsocketSessionFlow(t *testing.T) {
	srv, _, _ := newTestServer(t, "Hello from the agent. Anything else?")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readMessage := func() map[string]any {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return msg
	}

	ready := readMessage()
	if ready["type"] != "session_ready" {
		t.Fatalf("first message type = %v, want session_ready", ready["type"])
	}
	if ready["session_id"] == "" {
		t.Fatalf("session_ready missing session_id")
	}

	if err := conn.WriteJSON(map[string]any{"type": "text_input", "text": "hi there"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var sawFinal, sawAudio, sawComplete bool
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !(sawFinal && sawAudio && sawComplete) {
		msg := readMessage()
		switch msg["type"] {
		case "transcript_final":
			sawFinal = true
			if msg["text"] != "hi there" {
				t.Fatalf("transcript_final text = %v", msg["text"])
			}
		case "agent_audio_chunk":
			sawAudio = true
		case "turn_complete":
			sawComplete = true
			if msg["was_interrupted"] != false {
				t.Fatalf("was_interrupted = %v", msg["was_interrupted"])
			}
		}
	}
	if !sawFinal || !sawAudio || !sawComplete {
		t.Fatalf("missing messages: final=%v audio=%v complete=%v", sawFinal, sawAudio, sawComplete)
	}
}
