package rag

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestChunkTextCoversAllWords(t *testing.T) {
	words := make([]string, 900)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	text := strings.Join(words, " ")

	chunks := ChunkText(text, 300, 50)
	if len(chunks) == 0 {
		t.Fatalf("no chunks produced")
	}

	first := strings.Fields(chunks[0])
	if first[0] != "w0" {
		t.Fatalf("first chunk starts at %q, want w0", first[0])
	}
	last := strings.Fields(chunks[len(chunks)-1])
	if last[len(last)-1] != "w899" {
		t.Fatalf("last chunk ends at %q, want w899", last[len(last)-1])
	}
}

func TestChunkTextOverlap(t *testing.T) {
	words := make([]string, 600)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	chunks := ChunkText(strings.Join(words, " "), 400, 100)
	if len(chunks) < 2 {
		t.Fatalf("len(chunks) = %d, want >= 2", len(chunks))
	}

	firstWords := strings.Fields(chunks[0])
	secondWords := strings.Fields(chunks[1])
	tail := firstWords[len(firstWords)-1]
	found := false
	for _, w := range secondWords {
		if w == tail {
			found = true
		}
	}
	if !found {
		t.Fatalf("chunks do not overlap: first ends %q, second starts %q", tail, secondWords[0])
	}
}

// Chunk count must satisfy C >= ceil(W*k/chunk_size) for a token/word ratio
// k in [1, 2]; the splitter uses k = 4/3.
func TestChunkCountLaw(t *testing.T) {
	for _, wordCount := range []int{150, 500, 1200, 5000} {
		words := make([]string, wordCount)
		for i := range words {
			words[i] = "token"
		}
		chunkSize := 400
		chunks := ChunkText(strings.Join(words, " "), chunkSize, 0)
		minChunks := (wordCount*tokensPerWordNum + chunkSize*tokensPerWordDen - 1) /
			(chunkSize * tokensPerWordDen)
		if len(chunks) < minChunks {
			t.Fatalf("W=%d: chunks = %d, want >= %d", wordCount, len(chunks), minChunks)
		}
	}
}

func TestChunkTextEmpty(t *testing.T) {
	if got := ChunkText("   \n\t ", 400, 50); got != nil {
		t.Fatalf("ChunkText(blank) = %v, want nil", got)
	}
}

func TestProcessIndexesChunks(t *testing.T) {
	store := &memoryVectorStore{scores: map[string]float64{}}
	p := NewDocumentProcessor(store, &fakeEmbedder{}, nil)

	words := make([]string, 800)
	for i := range words {
		words[i] = fmt.Sprintf("word%d", i)
	}
	doc, err := p.Process(context.Background(), "", "sess1", "notes.md", strings.Join(words, " "), 300, 50)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if doc.WordCount != 800 {
		t.Fatalf("WordCount = %d, want 800", doc.WordCount)
	}
	if doc.ChunkCount != len(store.chunks) {
		t.Fatalf("ChunkCount = %d but %d chunks stored", doc.ChunkCount, len(store.chunks))
	}
	for i, c := range store.chunks {
		if c.SessionID != "sess1" || c.Filename != "notes.md" {
			t.Fatalf("chunk metadata = %+v", c)
		}
		if c.ChunkIndex != i {
			t.Fatalf("chunk index = %d at position %d", c.ChunkIndex, i)
		}
		if len(c.Embedding) == 0 {
			t.Fatalf("chunk %d missing embedding", i)
		}
	}
}

func TestProcessRejectsEmptyDocument(t *testing.T) {
	p := NewDocumentProcessor(&memoryVectorStore{}, &fakeEmbedder{}, nil)
	if _, err := p.Process(context.Background(), "", "sess1", "empty.txt", "  ", 300, 50); err == nil {
		t.Fatalf("Process(empty) error = nil, want error")
	}
}

func TestIsSupportedFilename(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"report.pdf", true},
		{"README.md", true},
		{"notes.TXT", true},
		{"image.png", false},
		{"archive.zip", false},
		{"noextension", false},
	}
	for _, tc := range cases {
		if got := IsSupportedFilename(tc.name); got != tc.want {
			t.Fatalf("IsSupportedFilename(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestParseDocumentPlainText(t *testing.T) {
	text, err := ParseDocument("notes.txt", []byte("hello world"))
	if err != nil {
		t.Fatalf("ParseDocument() error = %v", err)
	}
	if text != "hello world" {
		t.Fatalf("ParseDocument() = %q", text)
	}
}

func TestParseDocumentRejectsOversized(t *testing.T) {
	if _, err := ParseDocument("big.txt", make([]byte, MaxUploadBytes+1)); err == nil {
		t.Fatalf("oversized upload accepted")
	}
}

func TestParseDocumentRejectsUnsupported(t *testing.T) {
	if _, err := ParseDocument("binary.exe", []byte{1, 2, 3}); err == nil {
		t.Fatalf("unsupported format accepted")
	}
}
