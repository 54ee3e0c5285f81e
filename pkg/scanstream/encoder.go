package scanstream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Encoder writes frames to a stream. Frames are never interleaved: the wire format has no
// length prefix and relies on the blank-line delimiter alone.
type Encoder struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder returns an encoder over w. When w is an http.Flusher every frame is flushed
// as soon as it is written.
func NewEncoder(w io.Writer) *Encoder {
	enc := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		enc.flusher = f
	}
	return enc
}

// Frame renders one frame without writing it. json.Marshal escapes newlines inside strings,
// so the data line never spans more than one line.
func Frame(t EventType, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	out := make([]byte, 0, len(data)+len(t)+16)
	out = append(out, "event: "...)
	out = append(out, string(t)...)
	out = append(out, '\n')
	out = append(out, "data: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out, nil
}

// Encode writes one frame. A write error means the stream is gone and the scan should be
// abandoned.
func (e *Encoder) Encode(t EventType, payload any) error {
	frame, err := Frame(t, payload)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", t, err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
