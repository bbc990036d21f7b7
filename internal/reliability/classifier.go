// Package reliability classifies provider failures and computes retry
// schedules for the streaming adapters.
package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes from the LLM,
// TTS and embedding providers.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeMessageType classifies retryable error payloads on the
// realtime STT stream. Auth and protocol errors are terminal; load-related
// conditions are worth a reconnect.
func IsRetryableRealtimeMessageType(messageType string) bool {
	switch messageType {
	case "rate_limited", "resource_exhausted", "queue_overflow", "error":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
// attempt 0 returns base; each further attempt doubles up to cap. The STT
// reconnect loop pairs this with an immediate first retry to produce its
// 0/1/2/4/8 s schedule.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
