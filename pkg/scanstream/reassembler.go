package scanstream

import (
	"bytes"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var frameDelimiter = []byte("\n\n")

// Reassembler turns arbitrarily chunked bytes into complete frames. A chunk boundary may
// fall anywhere: inside a multi-byte character, inside a frame or between the two newlines
// of a delimiter.
type Reassembler struct {
	dec     transform.Transformer
	pending []byte
	scratch []byte
	buf     []byte
}

// NewReassembler returns an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{
		dec:     unicode.UTF8.NewDecoder(),
		scratch: make([]byte, 4096),
	}
}

// Push appends chunk and returns every frame completed by it, in arrival order, without
// the trailing delimiter. Text after the last delimiter is kept for the next call.
func (r *Reassembler) Push(chunk []byte) []string {
	r.decode(chunk)
	var frames []string
	for {
		idx := bytes.Index(r.buf, frameDelimiter)
		if idx < 0 {
			break
		}
		frames = append(frames, string(r.buf[:idx]))
		r.buf = r.buf[idx+len(frameDelimiter):]
	}
	if len(r.buf) == 0 {
		r.buf = nil
	}
	return frames
}

// Buffered returns the number of bytes held back waiting for a delimiter.
func (r *Reassembler) Buffered() int {
	return len(r.buf) + len(r.pending)
}

// Close discards any unterminated text. It is not a frame.
func (r *Reassembler) Close() {
	r.buf = nil
	r.pending = nil
	r.dec.Reset()
}

// decode runs chunk through the UTF-8 decoder. An incomplete trailing sequence is held in
// pending until the next chunk supplies the rest of it.
func (r *Reassembler) decode(chunk []byte) {
	src := make([]byte, 0, len(r.pending)+len(chunk))
	src = append(src, r.pending...)
	src = append(src, chunk...)
	r.pending = r.pending[:0]
	for len(src) > 0 {
		nDst, nSrc, err := r.dec.Transform(r.scratch, src, false)
		r.buf = append(r.buf, r.scratch[:nDst]...)
		src = src[nSrc:]
		switch err {
		case nil:
			if nSrc == 0 {
				return
			}
		case transform.ErrShortDst:
		case transform.ErrShortSrc:
			r.pending = append(r.pending, src...)
			return
		default:
			return
		}
	}
}
