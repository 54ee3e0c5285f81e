package scanstream

import (
	"encoding/json"
	"strings"
)

const (
	eventField = "event:"
	dataField  = "data:"
)

// Decode parses one complete frame. ok is false when the frame must be dropped: it lacks an
// `event:` or a `data:` line, or its data is not valid JSON. Dropping is the only failure
// mode; a bad frame never stops the stream.
func Decode(frame string) (env Envelope, ok bool) {
	var eventType, data string
	var haveEvent, haveData bool
	for _, line := range strings.Split(frame, "\n") {
		switch {
		case strings.HasPrefix(line, eventField):
			eventType = strings.TrimSpace(line[len(eventField):])
			haveEvent = true
		case strings.HasPrefix(line, dataField):
			data = strings.TrimSpace(line[len(dataField):])
			haveData = true
		}
	}
	if !haveEvent || !haveData {
		return Envelope{}, false
	}
	return DecodeData(EventType(eventType), []byte(data))
}

// DecodeData builds an envelope from an event type and its JSON data, the form in which the
// live and history endpoints carry events. ok is false only when data is not valid JSON.
// Valid JSON that does not fit the type's payload is still delivered: an `error` becomes an
// ErrorPayload without a message, anything else an UnknownPayload carrying the raw data.
func DecodeData(t EventType, data []byte) (Envelope, bool) {
	payload, err := parsePayload(t, data)
	if err != nil {
		return Envelope{}, false
	}
	return Envelope{Type: t, Payload: payload}, true
}

type invalidJSONError struct{}

func (invalidJSONError) Error() string { return "invalid json" }

func parsePayload(t EventType, data []byte) (Payload, error) {
	if !json.Valid(data) {
		return nil, invalidJSONError{}
	}
	raw := json.RawMessage(append([]byte(nil), data...))
	var (
		p   Payload
		err error
	)
	switch t {
	case EventStatus:
		p, err = decodeAs[StatusPayload](data)
	case EventProgress:
		p, err = decodeAs[ProgressPayload](data)
	case EventFinding:
		p, err = decodeAs[FindingPayload](data)
	case EventPage:
		p, err = decodeAs[PagePayload](data)
	case EventError:
		p, err = decodeAs[ErrorPayload](data)
		if err != nil {
			return ErrorPayload{}, nil
		}
	case EventComplete:
		return CompletePayload{Raw: raw}, nil
	default:
		return UnknownPayload{Type: t, Raw: raw}, nil
	}
	if err != nil {
		return UnknownPayload{Type: t, Raw: raw}, nil
	}
	return p, nil
}

func decodeAs[T Payload](data []byte) (Payload, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}
