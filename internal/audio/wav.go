// Package audio provides WAV container helpers for the PCM16 mono streams
// the voice pipeline exchanges with clients and providers.
package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
// Used by the TTS preview endpoint so browsers can play the result directly.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var errNotWAV = errors.New("not a PCM16 WAV stream")

// ExtractPCM16 strips the container from a WAV upload and returns the raw
// PCM16LE samples plus the declared sample rate. Only uncompressed mono or
// stereo PCM16 is accepted; anything else is rejected so the STT stream never
// sees undecodable bytes.
func ExtractPCM16(wav []byte) (pcm []byte, sampleRate int, err error) {
	if len(wav) < 44 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, errNotWAV
	}

	var (
		format     uint16
		bits       uint16
		haveFormat bool
	)
	// Walk chunks: fmt must precede data.
	off := 12
	for off+8 <= len(wav) {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8
		if body+size > len(wav) {
			return nil, 0, errNotWAV
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, errNotWAV
			}
			format = binary.LittleEndian.Uint16(wav[body : body+2])
			channels := binary.LittleEndian.Uint16(wav[body+2 : body+4])
			sampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			bits = binary.LittleEndian.Uint16(wav[body+14 : body+16])
			if format != 1 || bits != 16 || channels < 1 || channels > 2 {
				return nil, 0, errNotWAV
			}
			haveFormat = true
		case "data":
			if !haveFormat {
				return nil, 0, errNotWAV
			}
			return wav[body : body+size], sampleRate, nil
		}
		// Chunks are word-aligned.
		off = body + size + size%2
	}
	return nil, 0, errNotWAV
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(16)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(audioFormat)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(numChannels)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(sampleRate)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, byteRate); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, blockAlign); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(bitsPerSample)); err != nil {
		return err
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}
