package transport

import (
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// TextDecoder decodes a UTF-8 byte stream chunk by chunk. A character split across two chunks is held
// back until its remaining bytes arrive, so joining every Decode result and the final Flush gives the
// same text as decoding all bytes at once. Invalid sequences decode to U+FFFD.
//
// A TextDecoder belongs to a single stream and is not safe for concurrent use.
type TextDecoder struct {
	out strings.Builder
	w   *transform.Writer
}

// NewTextDecoder creates a decoder with empty state.
func NewTextDecoder() *TextDecoder {
	d := &TextDecoder{}
	d.w = transform.NewWriter(&d.out, unicode.UTF8.NewDecoder())
	return d
}

// Decode returns the text completed by chunk. It never retains or modifies chunk.
func (d *TextDecoder) Decode(chunk []byte) (string, error) {
	defer d.out.Reset()
	if _, err := d.w.Write(chunk); err != nil {
		return "", err
	}
	return d.out.String(), nil
}

// Flush decodes whatever bytes are still held back, as if the stream ended there.
func (d *TextDecoder) Flush() (string, error) {
	defer d.out.Reset()
	if err := d.w.Close(); err != nil {
		return "", err
	}
	return d.out.String(), nil
}
