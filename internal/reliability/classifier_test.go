package reliability

import (
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestExponentialBackoffReconnectSchedule(t *testing.T) {
	// The STT adapter retries immediately once, then waits 1/2/4/8 s.
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := ExponentialBackoff(i, time.Second, 8*time.Second); got != w {
			t.Fatalf("ExponentialBackoff(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestIsRetryableRealtimeMessageType(t *testing.T) {
	if !IsRetryableRealtimeMessageType("rate_limited") {
		t.Fatalf("rate_limited should be retryable")
	}
	if IsRetryableRealtimeMessageType("invalid_auth") {
		t.Fatalf("invalid_auth should not be retryable")
	}
}
