package runner

import (
	"bytes"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// streamDecoder incrementally decodes a byte stream as UTF-8, substituting
// malformed bytes. Some kernels flush output mid-codepoint, so bytes that
// end on an incomplete sequence are held back until the next write instead
// of being replaced eagerly.
type streamDecoder struct {
	dec     *encoding.Decoder
	pending []byte
}

func newStreamDecoder() *streamDecoder {
	return &streamDecoder{dec: unicode.UTF8.NewDecoder()}
}

// Write decodes p plus any held-back bytes and returns the completed text.
func (d *streamDecoder) Write(p []byte) string {
	return d.transformChunk(p, false)
}

// Close flushes held-back bytes, substituting any incomplete trailing
// sequence, and resets the decoder for the next stream segment.
func (d *streamDecoder) Close() string {
	out := d.transformChunk(nil, true)
	d.dec.Reset()
	d.pending = nil
	return out
}

func (d *streamDecoder) transformChunk(p []byte, atEOF bool) string {
	src := append(d.pending, p...)
	d.pending = nil

	var out bytes.Buffer
	dst := make([]byte, 4096)
	for {
		nDst, nSrc, err := d.dec.Transform(dst, src, atEOF)
		out.Write(dst[:nDst])
		src = src[nSrc:]
		switch err {
		case nil:
			if len(src) == 0 {
				return out.String()
			}
		case transform.ErrShortDst:
			// Loop with the same dst buffer.
		case transform.ErrShortSrc:
			d.pending = append([]byte(nil), src...)
			return out.String()
		default:
			// The replacing UTF-8 decoder does not fail on content, so
			// any other error means the source is exhausted.
			return out.String()
		}
	}
}
