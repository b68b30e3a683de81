// Package extract turns uploaded file bytes into plain text plus a
// character count for quota accounting.
//
// Only text-bearing formats are handled here. Binary document formats
// (PDF, DOCX, PPTX) belong to an external extraction service; this package
// reports them as unsupported rather than guessing at their contents.
package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// ErrUnsupportedFormat is returned for mimetypes the extractor cannot
// handle. The gateway rejects the ingest before any mutation.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Extractor converts file bytes into text and a character count.
type Extractor interface {
	// Extract returns the text content of data and the number of characters
	// (runes) in it. Fails with ErrUnsupportedFormat for unhandled mimetypes.
	Extract(ctx context.Context, data []byte, mimetype string) (text string, chars int64, err error)
}

// TextExtractor handles plain-text-bearing mimetypes locally.
type TextExtractor struct{}

// NewTextExtractor creates a TextExtractor.
func NewTextExtractor() *TextExtractor {
	return &TextExtractor{}
}

// Extract implements Extractor.
func (e *TextExtractor) Extract(ctx context.Context, data []byte, mimetype string) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	// Strip mimetype parameters such as "; charset=utf-8".
	mt := mimetype
	if idx := strings.IndexByte(mt, ';'); idx >= 0 {
		mt = mt[:idx]
	}
	mt = strings.TrimSpace(strings.ToLower(mt))

	var text string
	switch mt {
	case "text/plain", "text/markdown":
		if !utf8.Valid(data) {
			return "", 0, fmt.Errorf("%w: %s content is not valid UTF-8", ErrUnsupportedFormat, mt)
		}
		text = string(data)

	case "text/csv":
		extracted, err := extractCSV(data)
		if err != nil {
			return "", 0, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		text = extracted

	default:
		return "", 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, mimetype)
	}

	return text, int64(utf8.RuneCountInString(text)), nil
}

// extractCSV flattens CSV rows into space-joined lines.
func extractCSV(data []byte) (string, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	var sb strings.Builder
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse csv: %w", err)
		}
		sb.WriteString(strings.Join(record, " "))
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

var _ Extractor = (*TextExtractor)(nil)
