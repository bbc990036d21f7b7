package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/auralis-ai/auralis/internal/reliability"
)

// ElevenLabsConfig configures the streaming text-to-speech provider.
type ElevenLabsConfig struct {
	APIKey string
	// BaseURL defaults to https://api.elevenlabs.io.
	BaseURL string
	VoiceID string
	ModelID string
	// OutputFormat defaults to low-latency PCM suitable for realtime playback.
	OutputFormat string
}

// ElevenLabsProvider synthesizes speech via the ElevenLabs streaming HTTP
// endpoint. One pooled http.Client is shared by all sessions so repeated
// sentences reuse the same TCP/TLS connection.
type ElevenLabsProvider struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_turbo_v2_5"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "pcm_16000"
	}
	return &ElevenLabsProvider{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        8,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// ttsStreamChunkSize is the read granularity for streamed audio. Small enough
// that the first chunk reaches the client quickly.
const ttsStreamChunkSize = 4096

type elevenLabsRequest struct {
	Text          string                `json:"text"`
	ModelID       string                `json:"model_id"`
	VoiceSettings elevenLabsVoiceTuning `json:"voice_settings"`
}

type elevenLabsVoiceTuning struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Synthesize streams audio for one sentence. The returned channel closes
// after a final or error event; cancelling ctx aborts the stream mid-read.
func (p *ElevenLabsProvider) Synthesize(ctx context.Context, text string) (<-chan TTSEvent, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("elevenlabs: empty text")
	}

	resp, err := p.request(ctx, text)
	if err != nil {
		return nil, err
	}

	events := make(chan TTSEvent, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		for {
			buf := make([]byte, ttsStreamChunkSize)
			n, err := io.ReadFull(resp.Body, buf)
			if n > 0 {
				select {
				case events <- TTSEvent{Type: TTSEventAudio, Audio: buf[:n]}:
				case <-ctx.Done():
					return
				}
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				events <- TTSEvent{Type: TTSEventFinal}
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				events <- TTSEvent{
					Type: TTSEventError, Code: "tts_stream_failed",
					Detail: err.Error(), Retryable: true,
				}
				return
			}
		}
	}()
	return events, nil
}

func (p *ElevenLabsProvider) request(ctx context.Context, text string) (*http.Response, error) {
	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=%s",
		strings.TrimRight(p.cfg.BaseURL, "/"),
		url.PathEscape(p.cfg.VoiceID),
		url.QueryEscape(p.cfg.OutputFormat))

	body, err := json.Marshal(elevenLabsRequest{
		Text:    text,
		ModelID: p.cfg.ModelID,
		VoiceSettings: elevenLabsVoiceTuning{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("elevenlabs: status %d (retryable=%v): %s",
			resp.StatusCode,
			reliability.IsRetryableHTTPStatus(resp.StatusCode),
			strings.TrimSpace(string(detail)))
	}
	return resp, nil
}

// Warmup synthesizes a minimal utterance and discards the audio, establishing
// the pooled connection and validating auth before the first real turn.
func (p *ElevenLabsProvider) Warmup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	events, err := p.Synthesize(ctx, "Hi.")
	if err != nil {
		return fmt.Errorf("elevenlabs: warmup: %w", err)
	}
	for evt := range events {
		if evt.Type == TTSEventError {
			return fmt.Errorf("elevenlabs: warmup stream: %s", evt.Detail)
		}
	}
	return nil
}

// TestConnection checks credentials against the voices endpoint without
// spending synthesis quota.
func (p *ElevenLabsProvider) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/voices", nil)
	if err != nil {
		return fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs: connection test: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("elevenlabs: connection test status %d", resp.StatusCode)
	}
	return nil
}
