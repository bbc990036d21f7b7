package rag

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// MaxUploadBytes caps document uploads at 10 MB.
const MaxUploadBytes = 10 << 20

var supportedExtensions = map[string]struct{}{
	".pdf": {},
	".txt": {},
	".md":  {},
}

// IsSupportedFilename reports whether the upload extension is one of the
// supported formats (PDF, plain text, markdown).
func IsSupportedFilename(filename string) bool {
	_, ok := supportedExtensions[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// ParseDocument extracts plain text from an uploaded file.
func ParseDocument(filename string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("parse %q: empty file", filename)
	}
	if len(data) > MaxUploadBytes {
		return "", fmt.Errorf("parse %q: file exceeds %d bytes", filename, MaxUploadBytes)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return parsePDF(filename, data)
	case ".txt", ".md":
		return string(data), nil
	default:
		return "", fmt.Errorf("parse %q: unsupported format", filename)
	}
}

func parsePDF(filename string, data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parse %q: open pdf: %w", filename, err)
	}

	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single unreadable page should not sink the document.
			continue
		}
		b.WriteString(text)
		b.WriteByte('\n')
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("parse %q: no extractable text", filename)
	}
	return text, nil
}
