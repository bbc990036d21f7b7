package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	speechURLPattern        = regexp.MustCompile(`https?://\S+`)
	speechFencedCodePattern = regexp.MustCompile("(?s)```.*?```")
	speechInlineCodePattern = regexp.MustCompile("`[^`]*`")
	speechMarkdownLink      = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
)

// SanitizeForSpeech strips markup and symbol noise from generated text so the
// synthesized audio sounds conversational. URLs and code blocks read terribly
// aloud; markdown links keep their label only.
func SanitizeForSpeech(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	raw = speechFencedCodePattern.ReplaceAllString(raw, " ")
	raw = speechInlineCodePattern.ReplaceAllString(raw, " ")
	raw = speechMarkdownLink.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, " ")

	raw = strings.NewReplacer(
		"*", " ",
		"_", " ",
		"#", " ",
		"~", " ",
		"|", " ",
		"<", " ",
		">", " ",
	).Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	for _, r := range raw {
		switch {
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		case unicode.In(r, unicode.So, unicode.Sk):
			// Emoji and symbol glyphs sound wrong when spoken.
			continue
		case isSpeechSafePunctuation(r) || !unicode.IsPunct(r):
			b.WriteRune(r)
			prevSpace = false
		default:
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func isSpeechSafePunctuation(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')':
		return true
	default:
		return false
	}
}
