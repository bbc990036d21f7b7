package audio

import (
	"bytes"
	"testing"
)

func TestEncodeThenExtractRoundTrip(t *testing.T) {
	pcm := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}

	got, rate, err := ExtractPCM16(wav)
	if err != nil {
		t.Fatalf("ExtractPCM16() error = %v", err)
	}
	if rate != 16000 {
		t.Fatalf("sample rate = %d, want 16000", rate)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("pcm = %v, want %v", got, pcm)
	}
}

func TestEncodeDefaultsSampleRate(t *testing.T) {
	wav, err := EncodeWAVPCM16LE([]byte{0, 0}, 0)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	_, rate, err := ExtractPCM16(wav)
	if err != nil {
		t.Fatalf("ExtractPCM16() error = %v", err)
	}
	if rate != 16000 {
		t.Fatalf("default sample rate = %d, want 16000", rate)
	}
}

func TestExtractPCM16Rejects(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("too short"),
		bytes.Repeat([]byte{0}, 64),
	}
	for _, c := range cases {
		if _, _, err := ExtractPCM16(c); err == nil {
			t.Fatalf("ExtractPCM16(%d bytes) accepted invalid input", len(c))
		}
	}
}
