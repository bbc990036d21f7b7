package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/auralis-ai/auralis/internal/rag"
	"github.com/auralis-ai/auralis/internal/store"
)

type uploadResponse struct {
	Success    bool   `json:"success"`
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	Status     string `json:"status"`
	WordCount  int    `json:"word_count"`
	ChunkCount int    `json:"chunk_count"`
}

// handleUploadDocument ingests one file into the session's knowledge base:
// parse, chunk, embed, index, and record the document row. Validation
// failures are 4xx; processing failures mark the row failed.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(rag.MaxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if _, err := s.sessions.Get(sessionID); err != nil {
		respondError(w, http.StatusNotFound, "unknown session")
		return
	}

	chunkSize, err := formInt(r, "chunk_size", s.cfg.RAGChunkSize)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	chunkOverlap, err := formInt(r, "chunk_overlap", s.cfg.RAGChunkOverlap)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if chunkSize < rag.MinChunkSize || chunkSize > rag.MaxChunkSize {
		respondError(w, http.StatusBadRequest, "chunk_size out of range [100, 2000]")
		return
	}
	if chunkOverlap < 0 || chunkOverlap > rag.MaxChunkOverlap || chunkOverlap >= chunkSize {
		respondError(w, http.StatusBadRequest, "chunk_overlap out of range [0, 500] and must be below chunk_size")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	if !rag.IsSupportedFilename(header.Filename) {
		respondError(w, http.StatusUnsupportedMediaType, "unsupported format: PDF, text and markdown only")
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, rag.MaxUploadBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}
	if len(data) > rag.MaxUploadBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "file exceeds 10 MB limit")
		return
	}

	text, err := rag.ParseDocument(header.Filename, data)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	rec := store.DocumentRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Filename:  header.Filename,
		Status:    store.DocumentStatusProcessing,
	}
	if err := s.db.InsertDocument(r.Context(), rec); err != nil {
		slog.Warn("document row insert failed", "err", err)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	processed, err := s.docs.Process(ctx, rec.ID, sessionID, header.Filename, text, chunkSize, chunkOverlap)
	if err != nil {
		rec.Status = store.DocumentStatusFailed
		rec.Error = err.Error()
		if uerr := s.db.UpdateDocument(r.Context(), rec); uerr != nil {
			slog.Warn("document row update failed", "err", uerr)
		}
		s.metrics.DocumentUploads.WithLabelValues("failed").Inc()
		respondError(w, http.StatusBadGateway, "document processing failed: "+err.Error())
		return
	}

	rec.Status = store.DocumentStatusReady
	rec.WordCount = processed.WordCount
	rec.ChunkCount = processed.ChunkCount
	if err := s.db.UpdateDocument(r.Context(), rec); err != nil {
		slog.Warn("document row update failed", "err", err)
	}
	s.metrics.DocumentUploads.WithLabelValues("ok").Inc()

	respondJSON(w, http.StatusOK, uploadResponse{
		Success:    true,
		DocumentID: rec.ID,
		Filename:   rec.Filename,
		Status:     rec.Status,
		WordCount:  rec.WordCount,
		ChunkCount: rec.ChunkCount,
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	docs, err := s.db.ListDocuments(r.Context(), sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if docs == nil {
		docs = []store.DocumentRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "documents": docs})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "id")
	doc, err := s.db.GetDocument(r.Context(), documentID)
	if errors.Is(err, store.ErrDocumentNotFound) {
		respondError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.vectors != nil {
		if err := s.vectors.DeleteByDocument(r.Context(), documentID); err != nil {
			respondError(w, http.StatusBadGateway, "vector cleanup failed: "+err.Error())
			return
		}
	}
	if err := s.db.DeleteDocument(r.Context(), documentID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true, "document_id": doc.ID, "filename": doc.Filename,
	})
}

func formInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.FormValue(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return n, nil
}
