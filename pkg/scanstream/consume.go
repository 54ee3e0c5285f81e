package scanstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
)

const readChunkSize = 4096

// Consume reads body until end of stream, dispatching every complete frame to observer,
// and returns the raw `complete` payload.
//
// Once ctx is cancelled no further chunk is processed and the observer is not called
// again; Consume returns ctx.Err(). A nil body fails with ErrNoBody before anything is
// read.
func Consume(ctx context.Context, body io.Reader, observer Observer) (json.RawMessage, error) {
	if body == nil {
		return nil, ErrNoBody
	}
	r := NewReassembler()
	d := NewDispatcher(observer)
	chunk := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, readErr := body.Read(chunk)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if n > 0 {
			for _, frame := range r.Push(chunk[:n]) {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				env, ok := Decode(frame)
				if !ok {
					continue
				}
				if err := d.Dispatch(env); err != nil {
					return nil, err
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				r.Close()
				return d.Finish()
			}
			return nil, readErr
		}
	}
}

// ConsumeInto is Consume followed by decoding the result into out.
func ConsumeInto(ctx context.Context, body io.Reader, observer Observer, out any) error {
	raw, err := Consume(ctx, body, observer)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
