package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Document chunking bounds, validated at the upload boundary.
const (
	MinChunkSize    = 100
	MaxChunkSize    = 2000
	MaxChunkOverlap = 500
)

// DocumentProcessor splits parsed document text into overlapping chunks,
// embeds them in batches and upserts the result into the vector store.
type DocumentProcessor struct {
	store  VectorStore
	local  Embedder
	remote Embedder
}

func NewDocumentProcessor(store VectorStore, local, remote Embedder) *DocumentProcessor {
	return &DocumentProcessor{store: store, local: local, remote: remote}
}

// ProcessedDocument summarizes one ingestion.
type ProcessedDocument struct {
	DocumentID string
	WordCount  int
	ChunkCount int
}

// tokensPerWordNum/tokensPerWordDen approximate the provider tokenizer: roughly 4 tokens per 3
// words for English prose. Chunk sizes are specified in tokens.
const tokensPerWordNum, tokensPerWordDen = 4, 3

// ChunkText splits text into overlapping word windows sized by the token
// budget. The final window may be short; empty input yields no chunks.
func ChunkText(text string, chunkSize, chunkOverlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	wordsPerChunk := chunkSize * tokensPerWordDen / tokensPerWordNum
	if wordsPerChunk < 1 {
		wordsPerChunk = 1
	}
	overlapWords := chunkOverlap * tokensPerWordDen / tokensPerWordNum
	if overlapWords >= wordsPerChunk {
		overlapWords = wordsPerChunk - 1
	}

	var chunks []string
	step := wordsPerChunk - overlapWords
	for start := 0; start < len(words); start += step {
		end := min(start+wordsPerChunk, len(words))
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}

// Process chunks, embeds and indexes one parsed document, returning the
// counts the upload API reports. documentID may be empty, in which case one
// is generated.
func (p *DocumentProcessor) Process(ctx context.Context, documentID, sessionID, filename, text string, chunkSize, chunkOverlap int) (ProcessedDocument, error) {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ProcessedDocument{}, fmt.Errorf("document %q contains no text", filename)
	}

	pieces := ChunkText(text, chunkSize, chunkOverlap)
	if documentID == "" {
		documentID = uuid.NewString()
	}

	embeddings, err := p.embedBatch(ctx, pieces)
	if err != nil {
		return ProcessedDocument{}, fmt.Errorf("embed document %q: %w", filename, err)
	}

	chunks := make([]Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = Chunk{
			ID:         fmt.Sprintf("%s-%d", documentID, i),
			DocumentID: documentID,
			SessionID:  sessionID,
			Filename:   filename,
			ChunkIndex: i,
			Text:       piece,
			Embedding:  embeddings[i],
		}
	}

	if err := p.store.UpsertChunks(ctx, chunks); err != nil {
		return ProcessedDocument{}, fmt.Errorf("index document %q: %w", filename, err)
	}

	slog.Info("document indexed",
		"filename", filename, "words", len(words), "chunks", len(chunks))
	return ProcessedDocument{
		DocumentID: documentID,
		WordCount:  len(words),
		ChunkCount: len(chunks),
	}, nil
}

func (p *DocumentProcessor) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if p.local != nil {
		vecs, err := p.local.EmbedBatch(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		if p.remote == nil {
			return nil, err
		}
		slog.Warn("local embedder failed for document batch, falling back to remote", "err", err)
	}
	if p.remote != nil {
		return p.remote.EmbedBatch(ctx, texts)
	}
	return nil, ErrNoEmbedder
}
