package scanstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"allylab/pkg/report"
)

// chunkReader yields the given chunks one Read at a time.
type chunkReader struct {
	chunks [][]byte
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	if n < len(c.chunks[0]) {
		c.chunks[0] = c.chunks[0][n:]
	} else {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func chunks(parts ...string) *chunkReader {
	cr := &chunkReader{}
	for _, p := range parts {
		cr.chunks = append(cr.chunks, []byte(p))
	}
	return cr
}

func collect(t *testing.T, body io.Reader) ([]Envelope, json.RawMessage, error) {
	t.Helper()
	var got []Envelope
	raw, err := Consume(context.Background(), body, func(env Envelope) {
		got = append(got, env)
	})
	return got, raw, err
}

func sampleStream(t *testing.T) []byte {
	t.Helper()
	var sb strings.Builder
	enc := NewEncoder(&sb)
	require.NoError(t, enc.Encode(EventStatus, StatusPayload{Message: "Starting scan", Phase: PhaseInit}))
	require.NoError(t, enc.Encode(EventProgress, ProgressPayload{Percent: 10, Message: "Loading — page ✓"}))
	require.NoError(t, enc.Encode(EventFinding, FindingPayload{Finding: report.Finding{
		RuleID:   "image-alt",
		Severity: report.SeverityCritical,
		WCAGTags: []string{"wcag2a"},
		Selector: "img.hero",
		HTML:     "<img src=\"a.png\">\n",
	}}))
	require.NoError(t, enc.Encode(EventType("heartbeat"), map[string]any{"at": 1}))
	require.NoError(t, enc.Encode(EventComplete, map[string]any{"pagesScanned": 1}))
	return []byte(sb.String())
}

func TestEncodeFrameFormat(t *testing.T) {
	frame, err := Frame(EventProgress, ProgressPayload{Percent: 40, Message: "Analyzing"})
	require.NoError(t, err)
	assert.Equal(t, "event: progress\ndata: {\"percent\":40,\"message\":\"Analyzing\"}\n\n", string(frame))

	frame, err = Frame(EventStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, "event: status\ndata: {}\n\n", string(frame))
}

func TestChunkBoundaryIndependence(t *testing.T) {
	stream := sampleStream(t)
	whole, wholeRaw, err := collect(t, chunks(string(stream)))
	require.NoError(t, err)
	require.Len(t, whole, 5)

	// Every single split point, including inside the multi-byte characters and between the
	// two newlines of a delimiter.
	for i := 1; i < len(stream); i++ {
		got, raw, err := collect(t, chunks(string(stream[:i]), string(stream[i:])))
		require.NoError(t, err, "split at %d", i)
		require.Equal(t, whole, got, "split at %d", i)
		require.JSONEq(t, string(wholeRaw), string(raw))
	}

	// One byte per read.
	got, _, err := collect(t, iotest.OneByteReader(strings.NewReader(string(stream))))
	require.NoError(t, err)
	assert.Equal(t, whole, got)
}

func TestMultipleFramesInOneChunk(t *testing.T) {
	r := NewReassembler()
	frames := r.Push([]byte("event: a\ndata: {}\n\nevent: b\ndata: {}\n\nevent: c\nda"))
	assert.Equal(t, []string{"event: a\ndata: {}", "event: b\ndata: {}"}, frames)
	assert.Greater(t, r.Buffered(), 0)
	frames = r.Push([]byte("ta: {}\n"))
	assert.Empty(t, frames)
	frames = r.Push([]byte("\n"))
	assert.Equal(t, []string{"event: c\ndata: {}"}, frames)
	assert.Equal(t, 0, r.Buffered())
}

func TestReassemblerSplitRune(t *testing.T) {
	r := NewReassembler()
	text := "event: status\ndata: {\"message\":\"é\"}\n\n"
	idx := strings.Index(text, "é") + 1
	assert.Empty(t, r.Push([]byte(text[:idx])))
	frames := r.Push([]byte(text[idx:]))
	require.Len(t, frames, 1)
	env, ok := Decode(frames[0])
	require.True(t, ok)
	assert.Equal(t, "é", env.Payload.(StatusPayload).Message)
}

func TestLeftoverDiscardedAtEnd(t *testing.T) {
	got, _, err := collect(t, chunks("event: complete\ndata: {\"pagesScanned\":2}\n"))
	assert.Empty(t, got)
	assert.ErrorIs(t, err, ErrNoResults)
}

func TestMalformedFrameTolerance(t *testing.T) {
	got, raw, err := collect(t, chunks(
		"event: progress\ndata: {bad json}\n\n",
		"event: complete\ndata: {\"pagesScanned\":3}\n\n",
	))
	require.NoError(t, err)
	assert.JSONEq(t, `{"pagesScanned":3}`, string(raw))
	require.Len(t, got, 1)
	assert.Equal(t, EventComplete, got[0].Type)
	assert.Equal(t, int64(1), got[0].Seq)
}

func TestMissingFieldTolerance(t *testing.T) {
	got, raw, err := collect(t, chunks(
		"event: progress\n\n",
		"data: {\"percent\":5}\n\n",
		"id: 7\nevent: status\ndata: {}\n\n",
		"event: complete\ndata: {\"pagesScanned\":1}\n\n",
	))
	require.NoError(t, err)
	assert.JSONEq(t, `{"pagesScanned":1}`, string(raw))
	require.Len(t, got, 2)
	assert.Equal(t, EventStatus, got[0].Type)
	assert.Equal(t, StatusPayload{}, got[0].Payload)
}

func TestErrorFrameIsTerminal(t *testing.T) {
	_, _, err := collect(t, chunks(
		"event: error\ndata: {\"message\":\"Page failed to load\"}\n\n",
		"event: complete\ndata: {\"pagesScanned\":1}\n\n",
	))
	var se *ScanError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Page failed to load", se.Message)

	_, _, err = collect(t, chunks(
		"event: complete\ndata: {\"pagesScanned\":1}\n\n",
		"event: error\ndata: {}\n\n",
	))
	require.Error(t, err)
	assert.Equal(t, "Scan failed", err.Error())
}

func TestErrorFrameWithUnexpectedShape(t *testing.T) {
	for _, data := range []string{`{"message":42}`, `"boom"`, `null`, `[1,2]`} {
		got, _, err := collect(t, chunks("event: error\ndata: "+data+"\n\n"))
		var se *ScanError
		require.ErrorAs(t, err, &se, data)
		assert.Equal(t, "Scan failed", se.Message, data)
		require.Len(t, got, 1, data)
		assert.Equal(t, EventError, got[0].Type)
	}
}

func TestValidJSONOfUnexpectedShapeIsDelivered(t *testing.T) {
	got, raw, err := collect(t, chunks(
		"event: progress\ndata: {\"percent\":42.5,\"message\":\"Analyzing\"}\n\n",
		"event: status\ndata: \"loading\"\n\n",
		"event: complete\ndata: {\"pagesScanned\":1}\n\n",
	))
	require.NoError(t, err)
	assert.JSONEq(t, `{"pagesScanned":1}`, string(raw))
	require.Len(t, got, 3)

	assert.Equal(t, EventProgress, got[0].Type)
	progress, ok := got[0].Payload.(UnknownPayload)
	require.True(t, ok)
	assert.Equal(t, EventProgress, progress.EventType())
	assert.JSONEq(t, `{"percent":42.5,"message":"Analyzing"}`, string(progress.Raw))

	assert.Equal(t, EventStatus, got[1].Type)
	assert.Equal(t, int64(2), got[1].Seq)
}

func TestNullCompleteIsNoResult(t *testing.T) {
	got, raw, err := collect(t, chunks("event: complete\ndata: null\n\n"))
	assert.ErrorIs(t, err, ErrNoResults)
	assert.Nil(t, raw)
	assert.Len(t, got, 1)

	_, raw, err = collect(t, chunks(
		"event: complete\ndata: {\"pagesScanned\":1}\n\n",
		"event: complete\ndata: null\n\n",
	))
	require.NoError(t, err)
	assert.JSONEq(t, `{"pagesScanned":1}`, string(raw))
}

func TestNoTerminalEvent(t *testing.T) {
	_, _, err := collect(t, chunks("event: status\ndata: {\"phase\":\"init\"}\n\n"))
	require.Error(t, err)
	assert.Equal(t, "No results received from server", err.Error())
}

func TestNoBody(t *testing.T) {
	called := false
	_, err := Consume(context.Background(), nil, func(Envelope) { called = true })
	assert.Equal(t, "No response body", err.Error())
	assert.False(t, called)
}

func TestCompleteExamples(t *testing.T) {
	var site report.SiteScanResult
	err := ConsumeInto(context.Background(), chunks("event: complete\ndata: {\"pagesScanned\":1}\n\n"), nil, &site)
	require.NoError(t, err)
	assert.Equal(t, 1, site.PagesScanned)
}

func TestFramesAfterCompleteStillProcessed(t *testing.T) {
	got, raw, err := collect(t, chunks(
		"event: complete\ndata: {\"pagesScanned\":1}\n\n",
		"event: progress\ndata: {\"percent\":100}\n\n",
		"event: complete\ndata: {\"pagesScanned\":2}\n\n",
	))
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.JSONEq(t, `{"pagesScanned":2}`, string(raw))
}

func TestUnknownTypeForwarded(t *testing.T) {
	got, _, err := collect(t, chunks(
		"event:heartbeat\ndata:{\"n\":1}\n\n",
		"event: complete\ndata: {}\n\n",
	))
	require.NoError(t, err)
	require.Len(t, got, 2)
	unknown, ok := got[0].Payload.(UnknownPayload)
	require.True(t, ok)
	assert.Equal(t, EventType("heartbeat"), unknown.EventType())
	assert.JSONEq(t, `{"n":1}`, string(unknown.Raw))
}

func TestDecodeLastFieldWins(t *testing.T) {
	env, ok := Decode("event: status\nevent: progress\ndata: {\"percent\":1}\ndata: {\"percent\":2}")
	require.True(t, ok)
	assert.Equal(t, EventProgress, env.Type)
	assert.Equal(t, ProgressPayload{Percent: 2}, env.Payload)
}

func TestCancellationStopsObserver(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Consume(ctx, chunks(
		"event: status\ndata: {}\n\nevent: progress\ndata: {}\n\n",
		"event: complete\ndata: {}\n\n",
	), func(Envelope) {
		calls++
		cancel()
	})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, calls)
}

func TestTransportError(t *testing.T) {
	boom := errors.New("connection reset by peer")
	_, err := Consume(context.Background(), iotest.ErrReader(boom), nil)
	assert.Equal(t, boom, err)
}

func TestDispatcherStates(t *testing.T) {
	d := NewDispatcher(nil)
	assert.Equal(t, AwaitingResult, d.State())
	require.NoError(t, d.Dispatch(Envelope{Type: EventComplete, Payload: CompletePayload{Raw: json.RawMessage(`{}`)}}))
	assert.Equal(t, AwaitingResult, d.State())
	raw, err := d.Finish()
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
	assert.Equal(t, DoneOK, d.State())

	d = NewDispatcher(nil)
	require.Error(t, d.Dispatch(Envelope{Type: EventError, Payload: ErrorPayload{}}))
	assert.Equal(t, DoneError, d.State())
	require.Error(t, d.Dispatch(Envelope{Type: EventStatus, Payload: StatusPayload{}}))
	assert.Equal(t, int64(1), d.Seq())
}
