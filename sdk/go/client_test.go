package allylabsdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"allylab/pkg/report"
	"allylab/pkg/scanstream"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func fakeResponse(status string, code int, body io.ReadCloser) *Client {
	c := New("http://allylab.test")
	c.HTTPClient = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			Status:     status,
			StatusCode: code,
			Header:     http.Header{},
			Body:       body,
			Request:    r,
		}, nil
	})}
	return c
}

// streamServer writes each chunk and flushes it before the next one.
func streamServer(t *testing.T, chunks ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		for _, c := range chunks {
			_, _ = io.WriteString(w, c)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestScanTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.Timeout = 50 * time.Millisecond
	_, err := c.Scan(context.Background(), ScanRequest{URL: "https://example.com"})
	require.Error(t, err)
	assert.Equal(t, "Request timed out after 50ms", err.Error())
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestScanParentCancelIsNotTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	c := New(srv.URL)
	_, err := c.Scan(ctx, ScanRequest{URL: "https://example.com"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestScanSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/scan", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req ScanRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://example.com", req.URL)
		_ = json.NewEncoder(w).Encode(report.ScanResult{URL: req.URL, Score: 72, Counts: report.Counts{Critical: 1, Serious: 1, Moderate: 1, Minor: 1}, TotalIssues: 4})
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BearerToken = "tok"
	res, err := c.Scan(context.Background(), ScanRequest{URL: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, 72, res.Score)
	assert.True(t, res.Consistent())
}

func TestErrorMessageFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"Invalid URL","code":"invalid_request"}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Scan(context.Background(), ScanRequest{URL: "nope"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Invalid URL", err.Error())
	assert.Equal(t, "invalid_request", apiErr.Code)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	c := fakeResponse("400 Bad request", 400, io.NopCloser(strings.NewReader("<html>oops</html>")))
	_, err = c.Scan(context.Background(), ScanRequest{URL: "https://example.com"})
	require.Error(t, err)
	assert.Equal(t, "Bad request", err.Error())

	c = fakeResponse("400", 400, io.NopCloser(strings.NewReader("not json")))
	_, err = c.Scan(context.Background(), ScanRequest{URL: "https://example.com"})
	require.Error(t, err)
	assert.Equal(t, "HTTP 400", err.Error())

	c = fakeResponse("", 502, io.NopCloser(strings.NewReader(`{"error":""}`)))
	_, err = c.Scan(context.Background(), ScanRequest{URL: "https://example.com"})
	require.Error(t, err)
	assert.Equal(t, "HTTP 502", err.Error())
}

func TestStreamCompleteInOneChunk(t *testing.T) {
	srv := streamServer(t, "event: complete\ndata: {\"pagesScanned\":1}\n\n")
	site, err := New(srv.URL).Crawl(context.Background(), CrawlRequest{ScanRequest: ScanRequest{URL: "https://example.com"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, site.PagesScanned)
}

func TestStreamSkipsMalformedFrame(t *testing.T) {
	srv := streamServer(t,
		"event: progress\ndata: {bad json}\n\n",
		"event: complete\ndata: {\"pagesScanned\":3}\n\n",
	)
	var seen []scanstream.EventType
	agg := NewSiteAggregator(func(env scanstream.Envelope) { seen = append(seen, env.Type) })
	site, err := New(srv.URL).Crawl(context.Background(), CrawlRequest{ScanRequest: ScanRequest{URL: "https://example.com"}}, agg)
	require.NoError(t, err)
	assert.Equal(t, 3, site.PagesScanned)
	assert.Equal(t, []scanstream.EventType{scanstream.EventComplete}, seen)
}

func TestStreamErrorEvent(t *testing.T) {
	srv := streamServer(t,
		"event: status\ndata: {\"phase\":\"init\",\"message\":\"Starting scan\"}\n\n",
		"event: error\ndata: {\"message\":\"Failed to load page https://example.com: HTTP 404\"}\n\n",
	)
	_, err := New(srv.URL).StreamScan(context.Background(), ScanRequest{URL: "https://example.com"}, nil)
	var se *scanstream.ScanError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Failed to load page https://example.com: HTTP 404", se.Message)
}

func TestStreamNon2xxUsesFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"missing bearer token","code":"unauthorized"}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).StreamScan(context.Background(), ScanRequest{URL: "https://example.com"}, nil)
	require.Error(t, err)
	assert.Equal(t, "missing bearer token", err.Error())

	c := fakeResponse("503 Service Unavailable", 503, io.NopCloser(strings.NewReader("")))
	_, err = c.StreamScan(context.Background(), ScanRequest{URL: "https://example.com"}, nil)
	require.Error(t, err)
	assert.Equal(t, "Service Unavailable", err.Error())
}

func TestStreamNoBody(t *testing.T) {
	c := fakeResponse("200 OK", 200, http.NoBody)
	called := false
	_, err := c.StreamScan(context.Background(), ScanRequest{URL: "https://example.com"}, func(scanstream.Envelope) { called = true })
	require.Error(t, err)
	assert.Equal(t, "No response body", err.Error())
	assert.False(t, called)
}

func TestStreamWithoutTerminalEvent(t *testing.T) {
	srv := streamServer(t, "event: status\ndata: {\"phase\":\"init\"}\n\n")
	_, err := New(srv.URL).StreamScan(context.Background(), ScanRequest{URL: "https://example.com"}, nil)
	require.Error(t, err)
	assert.Equal(t, "No results received from server", err.Error())
}

func TestSiteAggregatorLiveThenFinal(t *testing.T) {
	a := NewSiteAggregator(nil)
	p1 := report.NewPageResult("https://example.com/", report.Counts{Minor: 2}, 10)
	p2 := report.NewPageResult("https://example.com/a", report.Counts{Critical: 1}, 12)
	a.Observe(scanstream.Envelope{Type: scanstream.EventProgress, Payload: scanstream.ProgressPayload{Percent: 40}})
	a.Observe(scanstream.Envelope{Type: scanstream.EventPage, Payload: scanstream.PagePayload{PageResult: p1}})
	a.Observe(scanstream.Envelope{Type: scanstream.EventPage, Payload: scanstream.PagePayload{PageResult: p2}})

	assert.Equal(t, []report.PageResult{p1, p2}, a.Pages())
	_, done := a.Result()
	assert.False(t, done)

	site := report.Summarize([]report.PageResult{p1, p2})
	require.NoError(t, a.Complete(site))
	got, done := a.Result()
	assert.True(t, done)
	assert.Equal(t, site, got)
	assert.Equal(t, 92, got.AverageScore)
	assert.Equal(t, site.Pages, a.Pages())
}

func TestSiteAggregatorPageSetsMustMatch(t *testing.T) {
	x := report.NewPageResult("https://example.com/x", report.Counts{Minor: 1}, 5)
	y := report.NewPageResult("https://example.com/y", report.Counts{Serious: 1}, 5)
	z := report.NewPageResult("https://example.com/z", report.Counts{}, 5)
	page := func(p report.PageResult) scanstream.Envelope {
		return scanstream.Envelope{Type: scanstream.EventPage, Payload: scanstream.PagePayload{PageResult: p}}
	}

	cases := []struct {
		name    string
		live    []report.PageResult
		final   []report.PageResult
		missing string
		url     string
	}{
		{name: "live page missing from final", live: []report.PageResult{x, y}, final: []report.PageResult{x}, missing: "final", url: y.URL},
		{name: "final page never seen live", live: []report.PageResult{x}, final: []report.PageResult{x, z}, missing: "live", url: z.URL},
		{name: "duplicate live page", live: []report.PageResult{x, x}, final: []report.PageResult{x}, missing: "count"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := NewSiteAggregator(nil)
			for _, p := range tc.live {
				a.Observe(page(p))
			}
			site := report.Summarize(tc.final)
			err := a.Complete(site)
			require.ErrorIs(t, err, ErrPageDivergence)
			var de *DivergenceError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tc.missing, de.Missing)
			assert.Equal(t, tc.url, de.URL)

			got, done := a.Result()
			assert.True(t, done)
			assert.Equal(t, site, got)
		})
	}
}

func TestCrawlPageDivergence(t *testing.T) {
	srv := streamServer(t,
		"event: page\ndata: {\"url\":\"https://example.com/\",\"score\":90,\"critical\":0,\"serious\":0,\"moderate\":0,\"minor\":10,\"totalIssues\":10,\"scanTime\":5}\n\n",
		"event: complete\ndata: {\"pagesScanned\":1,\"averageScore\":80,\"pages\":[{\"url\":\"https://example.com/\",\"score\":80}]}\n\n",
	)
	agg := NewSiteAggregator(nil)
	site, err := New(srv.URL).Crawl(context.Background(), CrawlRequest{ScanRequest: ScanRequest{URL: "https://example.com"}}, agg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPageDivergence))
	var de *DivergenceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 90, de.Live)
	assert.Equal(t, 80, de.Final)
	assert.Equal(t, 1, site.PagesScanned)
}

func TestWatch(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/scans/s1/live" {
			http.Error(w, `{"error":"scan not running"}`, http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(scanstream.Message{Seq: 1, Type: scanstream.EventStatus, Data: json.RawMessage(`{"phase":"init","message":"Starting scan"}`)})
		_ = conn.WriteJSON(scanstream.Message{Seq: 2, Type: scanstream.EventComplete, Data: json.RawMessage(`{"url":"https://example.com"}`)})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "scan finished"))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	var got []scanstream.Envelope
	err := New(srv.URL).Watch(context.Background(), "s1", func(env scanstream.Envelope) { got = append(got, env) })
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, scanstream.StatusPayload{Phase: "init", Message: "Starting scan"}, got[0].Payload)
	assert.Equal(t, scanstream.EventComplete, got[1].Type)

	err = New(srv.URL).Watch(context.Background(), "other", nil)
	require.Error(t, err)
	assert.Equal(t, "scan not running", err.Error())
}
