package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// ErrNoEmbedder is returned when neither a local nor a remote embedder is
// configured.
var ErrNoEmbedder = errors.New("no embedding backend available")

// Embedder maps text to dense float32 vectors. All vectors from one instance
// share the dimensionality reported by Dimensions. Implementations must be
// safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelID() string
}

// OllamaEmbedder generates embeddings from a local Ollama server via its
// native /api/embed endpoint. Local inference avoids the network round-trip
// that dominates remote embedding latency.
type OllamaEmbedder struct {
	baseURL    string
	model      string
	dimensions int
	client     *http.Client
}

const DefaultOllamaBaseURL = "http://localhost:11434"

func NewOllamaEmbedder(baseURL, model string, dimensions int) (*OllamaEmbedder, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("ollama embedder: model must not be empty")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("ollama embedder: dimensions must be positive")
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultOllamaBaseURL
	}
	return &OllamaEmbedder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		dimensions: dimensions,
		client:     &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("ollama embedder: expected 1 embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}

func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := e.embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("ollama embedder: expected %d embeddings, got %d", len(texts), len(vecs))
	}
	return vecs, nil
}

func (e *OllamaEmbedder) embed(ctx context.Context, input any) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama embedder: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("ollama embedder: decode response: %w", err)
	}
	for _, v := range parsed.Embeddings {
		if len(v) != e.dimensions {
			return nil, fmt.Errorf("ollama embedder: dimension mismatch: expected %d, got %d", e.dimensions, len(v))
		}
	}
	return parsed.Embeddings, nil
}

func (e *OllamaEmbedder) Dimensions() int { return e.dimensions }
func (e *OllamaEmbedder) ModelID() string { return e.model }

// OpenAIEmbedder is the remote fallback, backed by the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client     oai.Client
	model      string
	dimensions int
}

const DefaultOpenAIEmbeddingModel = oai.EmbeddingModelTextEmbedding3Small

func NewOpenAIEmbedder(apiKey, model string, dimensions int) (*OpenAIEmbedder, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai embedder: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultOpenAIEmbeddingModel
	}
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &OpenAIEmbedder{
		client:     oai.NewClient(option.WithAPIKey(apiKey)),
		model:      model,
		dimensions: dimensions,
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model:      e.model,
		Dimensions: param.NewOpt(int64(e.dimensions)),
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedder: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embedder: empty response")
	}
	return float64sTo32(resp.Data[0].Embedding), nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model:      e.model,
		Dimensions: param.NewOpt(int64(e.dimensions)),
		Input: oai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedder: embed batch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embedder: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if int(d.Index) >= len(texts) {
			return nil, fmt.Errorf("openai embedder: unexpected index %d", d.Index)
		}
		out[d.Index] = float64sTo32(d.Embedding)
	}
	return out, nil
}

func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }
func (e *OpenAIEmbedder) ModelID() string { return e.model }

func float64sTo32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
