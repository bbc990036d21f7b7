package llm

import (
	"context"
	"sync"
	"time"
)

// MockStreamer replays a scripted response sentence by sentence. Delay applies
// before each sentence so cancellation paths can interrupt mid-stream.
type MockStreamer struct {
	Response string
	Delay    time.Duration
	Err      error

	mu       sync.Mutex
	requests []Request
	warmups  int
}

func (m *MockStreamer) StreamSentences(ctx context.Context, req Request, emit EmitFunc) (Result, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	response, delay, failure := m.Response, m.Delay, m.Err
	m.mu.Unlock()

	if failure != nil {
		return Result{}, failure
	}

	var splitter SentenceSplitter
	sentences := splitter.Feed(response)
	if rest := splitter.Flush(); rest != "" {
		sentences = append(sentences, rest)
	}

	result := Result{Text: response}
	for _, sentence := range sentences {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.CompletionTokens += estimateTokens(sentence)
		if err := emit(sentence, false); err != nil {
			return result, err
		}
	}
	if err := emit("", true); err != nil {
		return result, err
	}
	return result, nil
}

func (m *MockStreamer) Warmup(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warmups++
	return nil
}

// Requests returns every generation request seen so far.
func (m *MockStreamer) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *MockStreamer) Warmups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warmups
}

// SetResponse swaps the scripted response between turns.
func (m *MockStreamer) SetResponse(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Response = text
}
