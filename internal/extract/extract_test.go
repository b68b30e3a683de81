package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_PlainText(t *testing.T) {
	e := NewTextExtractor()

	text, chars, err := e.Extract(context.Background(), []byte("hello world"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
	assert.Equal(t, int64(11), chars)
}

func TestExtract_Markdown(t *testing.T) {
	e := NewTextExtractor()

	text, chars, err := e.Extract(context.Background(), []byte("# Title\n\nbody"), "text/markdown")
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\nbody", text)
	assert.Equal(t, int64(13), chars)
}

func TestExtract_MimetypeParameters(t *testing.T) {
	e := NewTextExtractor()

	_, chars, err := e.Extract(context.Background(), []byte("abc"), "text/plain; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, int64(3), chars)
}

func TestExtract_CharacterCountIsRunes(t *testing.T) {
	e := NewTextExtractor()

	// 4 runes, 12 bytes.
	_, chars, err := e.Extract(context.Background(), []byte("日本語だ"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, int64(4), chars)
}

func TestExtract_CSV(t *testing.T) {
	e := NewTextExtractor()

	data := []byte("name,age\nalice,30\nbob,25\n")
	text, chars, err := e.Extract(context.Background(), data, "text/csv")
	require.NoError(t, err)
	assert.Equal(t, "name age\nalice 30\nbob 25\n", text)
	assert.Equal(t, int64(len(text)), chars)
}

func TestExtract_UnsupportedFormats(t *testing.T) {
	e := NewTextExtractor()

	for _, mt := range []string{
		"application/pdf",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation",
		"image/png",
		"",
	} {
		t.Run(mt, func(t *testing.T) {
			_, _, err := e.Extract(context.Background(), []byte{0x25, 0x50}, mt)
			require.ErrorIs(t, err, ErrUnsupportedFormat)
		})
	}
}

func TestExtract_InvalidUTF8(t *testing.T) {
	e := NewTextExtractor()

	_, _, err := e.Extract(context.Background(), []byte{0xff, 0xfe, 0x00}, "text/plain")
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestExtract_CanceledContext(t *testing.T) {
	e := NewTextExtractor()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := e.Extract(ctx, []byte("x"), "text/plain")
	require.ErrorIs(t, err, context.Canceled)
}
