// Package scanstream implements the scan-event wire protocol: a text stream of frames, each
// frame an `event:` line naming the type and a `data:` line carrying a JSON payload,
// terminated by a blank line.
//
// Producers use Encoder. Consumers feed raw chunks to a Reassembler, decode the frames it
// yields with Decode and drive a Dispatcher; Consume wires the three together over an
// io.Reader.
package scanstream

import (
	"encoding/json"

	"allylab/pkg/report"
)

// EventType names an envelope. The vocabulary is open: unknown types are still delivered.
type EventType string

const (
	EventStatus   EventType = "status"
	EventProgress EventType = "progress"
	EventFinding  EventType = "finding"
	EventPage     EventType = "page"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Terminal reports whether t ends a stream.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Phase values carried by status events.
const (
	PhaseInit       = "init"
	PhaseLoading    = "loading"
	PhaseAnalyzing  = "analyzing"
	PhaseProcessing = "processing"
	PhaseCrawling   = "crawling"
	PhaseScanning   = "scanning"
)

// Payload is the closed set of envelope payloads. Each variant reports the event type it
// belongs to.
type Payload interface {
	EventType() EventType
}

// StatusPayload announces a phase transition.
type StatusPayload struct {
	Message string `json:"message"`
	Phase   string `json:"phase"`
}

// ProgressPayload reports completion percentage.
type ProgressPayload struct {
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// FindingPayload carries one finding as it is discovered.
type FindingPayload struct {
	report.Finding
}

// PagePayload carries one scanned page of a crawl.
type PagePayload struct {
	report.PageResult
}

// CompletePayload carries the final result. Its shape depends on the stream (ScanResult for
// a page scan, SiteScanResult for a crawl) so the raw JSON is kept and decoded on demand.
type CompletePayload struct {
	Raw json.RawMessage
}

// ErrorPayload carries the failure message of a scan.
type ErrorPayload struct {
	Message string `json:"message,omitempty"`
}

// UnknownPayload holds the JSON of an event type this package does not know.
type UnknownPayload struct {
	Type EventType
	Raw  json.RawMessage
}

func (StatusPayload) EventType() EventType { return EventStatus }
func (ProgressPayload) EventType() EventType { return EventProgress }
func (FindingPayload) EventType() EventType { return EventFinding }
func (PagePayload) EventType() EventType { return EventPage }
func (CompletePayload) EventType() EventType { return EventComplete }
func (ErrorPayload) EventType() EventType { return EventError }
func (p UnknownPayload) EventType() EventType { return p.Type }

// Decode unmarshals the complete payload into v.
func (p CompletePayload) Decode(v any) error {
	return json.Unmarshal(p.Raw, v)
}

// MarshalJSON writes the raw result unchanged.
func (p CompletePayload) MarshalJSON() ([]byte, error) {
	if len(p.Raw) == 0 {
		return []byte("{}"), nil
	}
	return p.Raw, nil
}

// MarshalJSON writes the raw payload unchanged.
func (p UnknownPayload) MarshalJSON() ([]byte, error) {
	if len(p.Raw) == 0 {
		return []byte("{}"), nil
	}
	return p.Raw, nil
}

// Envelope is one decoded frame. Seq is assigned by the Dispatcher, starting at 1 per
// stream; producers leave it zero.
type Envelope struct {
	Seq     int64
	Type    EventType
	Payload Payload
}

// Data returns the payload as a generic JSON value, for observers that only log or forward.
func (e Envelope) Data() json.RawMessage {
	if e.Payload == nil {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// Message is the JSON object form of an envelope, used where events travel as whole
// messages instead of frames: live subscriptions and the stored event log.
type Message struct {
	Seq  int64           `json:"seq"`
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Message returns the object form of e.
func (e Envelope) Message() Message {
	return Message{Seq: e.Seq, Type: e.Type, Data: e.Data()}
}

// Envelope decodes m. ok is false when the data does not fit the type.
func (m Message) Envelope() (Envelope, bool) {
	data := []byte(m.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}
	env, ok := DecodeData(m.Type, data)
	if !ok {
		return Envelope{}, false
	}
	env.Seq = m.Seq
	return env, true
}
