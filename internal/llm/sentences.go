package llm

import (
	"strings"
	"unicode"
)

// SentenceSplitter accumulates streamed text deltas and yields maximal
// prefixes ending at '.', '!' or '?' followed by whitespace. End of stream
// also closes a sentence, via Flush.
type SentenceSplitter struct {
	buf strings.Builder
}

// Feed appends a delta and returns any sentences completed by it.
func (s *SentenceSplitter) Feed(delta string) []string {
	if delta == "" {
		return nil
	}
	s.buf.WriteString(delta)

	text := s.buf.String()
	var out []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if !isSentenceTerminator(runes[i]) {
			continue
		}
		// The terminator only closes a sentence when followed by whitespace;
		// "3.14" and the inner dot of "e.g." keep accumulating.
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if i+1 == len(runes) {
			// Terminator at the buffer edge: the next delta may still start
			// with a non-space rune. Leave it for Flush or a later Feed.
			continue
		}
		sentence := strings.TrimSpace(string(runes[start : i+1]))
		if sentence != "" {
			out = append(out, sentence)
		}
		start = i + 1
	}

	s.buf.Reset()
	s.buf.WriteString(string(runes[start:]))
	return out
}

// Flush returns whatever remains at end of stream and resets the splitter.
func (s *SentenceSplitter) Flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return rest
}

func isSentenceTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
