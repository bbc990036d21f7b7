// Package protocol defines the websocket message surface between clients and
// the voice agent server. Every payload is a JSON object with a `type`
// discriminator and flat data fields.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Client → server messages.
const (
	TypeConnect        MessageType = "connect"
	TypeAudioChunk     MessageType = "audio_chunk"
	TypeInterrupt      MessageType = "interrupt"
	TypeUpdateSettings MessageType = "update_settings"
	TypePlaybackDone   MessageType = "playback_complete"
	TypeTextInput      MessageType = "text_input"
	TypeGetHistory     MessageType = "get_history"
	TypeDisconnect     MessageType = "disconnect"
	TypePing           MessageType = "ping"
	TypePong           MessageType = "pong"
)

// Server → client messages.
const (
	TypeSessionReady      MessageType = "session_ready"
	TypeStateChange       MessageType = "state_change"
	TypeTranscriptInterim MessageType = "transcript_interim"
	TypeTranscriptFinal   MessageType = "transcript_final"
	TypeAgentAudioChunk   MessageType = "agent_audio_chunk"
	TypeAgentTextFallback MessageType = "agent_text_fallback"
	TypeTurnComplete      MessageType = "turn_complete"
	TypeTelemetry         MessageType = "telemetry"
	TypeHistory           MessageType = "history"
	TypeError             MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// Audio constraints validated at the transport edge.
const (
	MinSampleRate = 8000
	MaxSampleRate = 48000
)

var supportedAudioFormats = map[string]struct{}{
	"pcm":  {},
	"wav":  {},
	"webm": {},
}

type Connect struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"timestamp,omitempty"`
}

type AudioChunk struct {
	Type       MessageType `json:"type"`
	Audio      string      `json:"audio"`
	Format     string      `json:"format"`
	SampleRate int         `json:"sample_rate"`
}

type Interrupt struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"timestamp"`
}

type UpdateSettings struct {
	Type                    MessageType `json:"type"`
	SilenceDebounceMS       *int        `json:"silence_debounce_ms,omitempty"`
	CancellationThreshold   *float64    `json:"cancellation_threshold,omitempty"`
	AdaptiveDebounceEnabled *bool       `json:"adaptive_debounce_enabled,omitempty"`
	VoiceID                 string      `json:"voice_id,omitempty"`
	LLMModel                string      `json:"llm_model,omitempty"`
}

type PlaybackComplete struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"timestamp,omitempty"`
}

type TextInput struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type GetHistory struct {
	Type MessageType `json:"type"`
}

type Disconnect struct {
	Type MessageType `json:"type"`
}

type Ping struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"timestamp,omitempty"`
}

type Pong struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"timestamp,omitempty"`
}

type SessionReady struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TSMs      int64       `json:"timestamp"`
}

type StateChange struct {
	Type      MessageType `json:"type"`
	FromState string      `json:"from_state"`
	ToState   string      `json:"to_state"`
	TSMs      int64       `json:"timestamp"`
}

type TranscriptInterim struct {
	Type       MessageType `json:"type"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	TSMs       int64       `json:"timestamp"`
}

type TranscriptFinal struct {
	Type       MessageType `json:"type"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	TSMs       int64       `json:"timestamp"`
}

type AgentAudioChunk struct {
	Type       MessageType `json:"type"`
	Audio      string      `json:"audio"`
	ChunkIndex int         `json:"chunk_index"`
	IsFinal    bool        `json:"is_final"`
}

type AgentTextFallback struct {
	Type   MessageType `json:"type"`
	Text   string      `json:"text"`
	Reason string      `json:"reason"`
}

type TurnComplete struct {
	Type           MessageType `json:"type"`
	TurnID         string      `json:"turn_id"`
	UserText       string      `json:"user_text"`
	AgentText      string      `json:"agent_text"`
	DurationMS     int64       `json:"duration_ms"`
	WasInterrupted bool        `json:"was_interrupted"`
	TSMs           int64       `json:"timestamp"`
}

type Telemetry struct {
	Type              MessageType `json:"type"`
	CancellationRate  float64     `json:"cancellation_rate"`
	AvgDebounceMS     int         `json:"avg_debounce_ms"`
	TurnLatencyMS     int64       `json:"turn_latency_ms"`
	TotalTurns        int         `json:"total_turns"`
	TokensWasted      int         `json:"tokens_wasted"`
	InterruptionCount int         `json:"interruption_count"`
}

type HistoryEntry struct {
	TurnID         string `json:"turn_id"`
	UserText       string `json:"user_text"`
	AgentText      string `json:"agent_text"`
	WasInterrupted bool   `json:"was_interrupted"`
	TSMs           int64  `json:"timestamp"`
}

type History struct {
	Type  MessageType    `json:"type"`
	Turns []HistoryEntry `json:"turns"`
}

type Error struct {
	Type        MessageType `json:"type"`
	Code        string      `json:"code"`
	Message     string      `json:"message"`
	Recoverable bool        `json:"recoverable"`
	TSMs        int64       `json:"timestamp"`
}

type clientInbound struct {
	Type                    MessageType `json:"type"`
	Audio                   string      `json:"audio"`
	Format                  string      `json:"format"`
	SampleRate              int         `json:"sample_rate"`
	Text                    string      `json:"text"`
	TSMs                    int64       `json:"timestamp"`
	SilenceDebounceMS       *int        `json:"silence_debounce_ms"`
	CancellationThreshold   *float64    `json:"cancellation_threshold"`
	AdaptiveDebounceEnabled *bool       `json:"adaptive_debounce_enabled"`
	VoiceID                 string      `json:"voice_id"`
	LLMModel                string      `json:"llm_model"`
}

// ParseClientMessage decodes and validates one inbound payload. Unknown types
// return ErrUnsupportedType; malformed payloads return a descriptive error so
// the transport can log and skip them.
func ParseClientMessage(raw []byte) (any, error) {
	var in clientInbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch in.Type {
	case TypeConnect:
		return Connect{Type: in.Type, TSMs: in.TSMs}, nil
	case TypeAudioChunk:
		if in.Audio == "" {
			return nil, errors.New("audio_chunk: missing audio")
		}
		if _, ok := supportedAudioFormats[in.Format]; !ok {
			return nil, fmt.Errorf("audio_chunk: unsupported format %q", in.Format)
		}
		if in.SampleRate < MinSampleRate || in.SampleRate > MaxSampleRate {
			return nil, fmt.Errorf("audio_chunk: sample_rate %d out of range", in.SampleRate)
		}
		return AudioChunk{Type: in.Type, Audio: in.Audio, Format: in.Format, SampleRate: in.SampleRate}, nil
	case TypeInterrupt:
		return Interrupt{Type: in.Type, TSMs: in.TSMs}, nil
	case TypeUpdateSettings:
		if in.SilenceDebounceMS != nil &&
			(*in.SilenceDebounceMS < 400 || *in.SilenceDebounceMS > 1200) {
			return nil, fmt.Errorf("update_settings: silence_debounce_ms %d out of range", *in.SilenceDebounceMS)
		}
		if in.CancellationThreshold != nil &&
			(*in.CancellationThreshold < 0.1 || *in.CancellationThreshold > 0.5) {
			return nil, fmt.Errorf("update_settings: cancellation_threshold %g out of range", *in.CancellationThreshold)
		}
		return UpdateSettings{
			Type:                    in.Type,
			SilenceDebounceMS:       in.SilenceDebounceMS,
			CancellationThreshold:   in.CancellationThreshold,
			AdaptiveDebounceEnabled: in.AdaptiveDebounceEnabled,
			VoiceID:                 in.VoiceID,
			LLMModel:                in.LLMModel,
		}, nil
	case TypePlaybackDone:
		return PlaybackComplete{Type: in.Type, TSMs: in.TSMs}, nil
	case TypeTextInput:
		if in.Text == "" {
			return nil, errors.New("text_input: missing text")
		}
		return TextInput{Type: in.Type, Text: in.Text}, nil
	case TypeGetHistory:
		return GetHistory{Type: in.Type}, nil
	case TypeDisconnect:
		return Disconnect{Type: in.Type}, nil
	case TypePing:
		return Ping{Type: in.Type, TSMs: in.TSMs}, nil
	case TypePong:
		return Pong{Type: in.Type, TSMs: in.TSMs}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, in.Type)
	}
}
