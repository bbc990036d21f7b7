package voice

import (
	"strings"
	"testing"
)

func TestSanitizeForSpeechStripsMarkup(t *testing.T) {
	cases := []struct{ in, want string }{
		{"**Bold** answer.", "Bold answer."},
		{"See [the docs](https://example.com/docs) for details.", "See the docs for details."},
		{"Visit https://example.com now.", "Visit now."},
		{"Use `go build` here.", "Use here."},
		{"# Heading\nBody text.", "Heading Body text."},
	}
	for _, tc := range cases {
		if got := SanitizeForSpeech(tc.in); got != tc.want {
			t.Fatalf("SanitizeForSpeech(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeForSpeechDropsFencedCode(t *testing.T) {
	in := "Run this:\n```\nrm -rf build\n```\nThen retry."
	got := SanitizeForSpeech(in)
	if strings.Contains(got, "rm -rf") {
		t.Fatalf("fenced code leaked into speech text: %q", got)
	}
}

func TestSanitizeForSpeechKeepsPunctuation(t *testing.T) {
	in := "Really? Yes, it works; trust me - honestly!"
	if got := SanitizeForSpeech(in); got != in {
		t.Fatalf("SanitizeForSpeech(%q) = %q, want unchanged", in, got)
	}
}

func TestSanitizeForSpeechEmpty(t *testing.T) {
	if got := SanitizeForSpeech("   "); got != "" {
		t.Fatalf("SanitizeForSpeech(blank) = %q, want empty", got)
	}
}
