package scanstream

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Fixed failure messages of the protocol. They are part of the client contract and are
// shown to users verbatim.
var (
	ErrNoBody    = errors.New("No response body")
	ErrNoResults = errors.New("No results received from server")
)

const defaultScanFailure = "Scan failed"

// ScanError is the failure reported by an `error` event.
type ScanError struct {
	Message string
}

func (e *ScanError) Error() string { return e.Message }

// State of a Dispatcher.
type State int

const (
	AwaitingResult State = iota
	DoneOK
	DoneError
)

func (s State) String() string {
	switch s {
	case AwaitingResult:
		return "awaiting_result"
	case DoneOK:
		return "done_ok"
	case DoneError:
		return "done_error"
	}
	return "unknown"
}

// Observer receives every dispatched envelope, in stream order.
type Observer func(Envelope)

// Dispatcher turns decoded envelopes into observer calls and decides how a stream ends.
// It is not safe for concurrent use; one stream has one reader.
type Dispatcher struct {
	observer Observer
	state    State
	seq      int64
	result   json.RawMessage
	err      error
}

// NewDispatcher returns a dispatcher in AwaitingResult. observer may be nil.
func NewDispatcher(observer Observer) *Dispatcher {
	return &Dispatcher{observer: observer}
}

// State returns the current state.
func (d *Dispatcher) State() State { return d.state }

// Seq returns the sequence number of the last dispatched envelope.
func (d *Dispatcher) Seq() int64 { return d.seq }

// Dispatch handles one envelope. It returns a non-nil error once an `error` event has been
// seen; the caller stops reading at that point. Envelopes arriving after a terminal state
// are ignored.
func (d *Dispatcher) Dispatch(env Envelope) error {
	if d.state != AwaitingResult {
		return d.err
	}
	d.seq++
	env.Seq = d.seq
	if d.observer != nil {
		d.observer(env)
	}
	switch p := env.Payload.(type) {
	case CompletePayload:
		// A null result is no result.
		if raw := bytes.TrimSpace(p.Raw); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
			d.result = p.Raw
		}
	case ErrorPayload:
		msg := p.Message
		if msg == "" {
			msg = defaultScanFailure
		}
		d.state = DoneError
		d.err = &ScanError{Message: msg}
		return d.err
	}
	return nil
}

// Finish is called at end of stream and returns the captured `complete` payload.
func (d *Dispatcher) Finish() (json.RawMessage, error) {
	switch d.state {
	case DoneError:
		return nil, d.err
	case DoneOK:
		return d.result, nil
	}
	if d.result == nil {
		d.state = DoneError
		d.err = ErrNoResults
		return nil, d.err
	}
	d.state = DoneOK
	return d.result, nil
}
