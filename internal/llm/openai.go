// Package llm streams chat completions from OpenAI with sentence-level
// delivery for the synthesis pipeline.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// Message is one conversation history entry.
type Message struct {
	Role    string
	Content string
}

// Request is one generation call: a system message, prior turns and the
// current user text.
type Request struct {
	System  string
	History []Message
	User    string
}

// Result summarizes a completed (or aborted) stream for call accounting.
type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// EmitFunc receives each completed sentence; the terminating call is
// ("", true). Returning an error aborts the stream.
type EmitFunc func(sentence string, final bool) error

// Streamer is the generation contract the turn controller depends on.
type Streamer interface {
	// StreamSentences generates a response and delivers it sentence by
	// sentence. On context cancellation it returns the partial result and
	// ctx.Err().
	StreamSentences(ctx context.Context, req Request, emit EmitFunc) (Result, error)
	// Warmup issues one minimal request to establish the pooled connection.
	Warmup(ctx context.Context) error
}

// Client talks to the OpenAI chat completions API over one pooled HTTP
// connection shared by all sessions. Safe for concurrent use.
type Client struct {
	client oai.Client
	model  string
}

type Config struct {
	APIKey       string
	Model        string
	BaseURL      string
	Organization string
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm: api key must not be empty")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("llm: model must not be empty")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        8,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		}),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.Organization))
	}
	return &Client{client: oai.NewClient(reqOpts...), model: cfg.Model}, nil
}

// StreamSentences implements Streamer.
func (c *Client) StreamSentences(ctx context.Context, req Request, emit EmitFunc) (Result, error) {
	params := c.buildParams(req)
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		splitter SentenceSplitter
		full     strings.Builder
		result   Result
	)

	flushSentence := func(sentence string) error {
		result.CompletionTokens += estimateTokens(sentence)
		return emit(sentence, false)
	}

	for stream.Next() {
		if err := ctx.Err(); err != nil {
			result.Text = full.String()
			return result, err
		}
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		for _, sentence := range splitter.Feed(delta) {
			if err := flushSentence(sentence); err != nil {
				result.Text = full.String()
				return result, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		result.Text = full.String()
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("llm: stream: %w", err)
	}

	if rest := splitter.Flush(); rest != "" {
		if err := flushSentence(rest); err != nil {
			result.Text = full.String()
			return result, err
		}
	}

	result.Text = strings.TrimSpace(full.String())
	result.PromptTokens = estimateTokens(req.System + req.User)
	for _, m := range req.History {
		result.PromptTokens += estimateTokens(m.Content)
	}

	if err := emit("", true); err != nil {
		return result, err
	}
	return result, nil
}

// Warmup implements Streamer. Failures are reported, not fatal; callers log
// and continue.
func (c *Client) Warmup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:               shared.ChatModel(c.model),
		Messages:            []oai.ChatCompletionMessageParamUnion{oai.UserMessage("Hi")},
		MaxCompletionTokens: param.NewOpt(int64(1)),
	})
	if err != nil {
		return fmt.Errorf("llm: warmup: %w", err)
	}
	return nil
}

func (c *Client) buildParams(req Request) oai.ChatCompletionNewParams {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, oai.SystemMessage(req.System))
	}
	for _, m := range req.History {
		switch m.Role {
		case "assistant":
			messages = append(messages, oai.AssistantMessage(m.Content))
		default:
			messages = append(messages, oai.UserMessage(m.Content))
		}
	}
	messages = append(messages, oai.UserMessage(req.User))

	return oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    messages,
		Temperature: param.NewOpt(0.7),
	}
}

// estimateTokens approximates token counts at ~4 characters per token.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
