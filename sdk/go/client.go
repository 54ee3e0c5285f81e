package allylabsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"allylab/pkg/report"
	"allylab/pkg/scanstream"
)

// Client is a minimal AllyLab HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	// Timeout bounds synchronous calls. Streaming calls are bounded only by their context.
	Timeout time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 60 * time.Second,
	}
}

// Cookie is sent with every page request of an authenticated scan.
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Auth carries credentials for pages behind a login.
type Auth struct {
	Headers map[string]string `json:"headers,omitempty"`
	Cookies []Cookie          `json:"cookies,omitempty"`
}

// ScanRequest is the body of a page scan.
type ScanRequest struct {
	URL             string `json:"url"`
	Standard        string `json:"standard,omitempty"`
	Viewport        string `json:"viewport,omitempty"`
	IncludeWarnings bool   `json:"includeWarnings,omitempty"`
	Auth            *Auth  `json:"auth,omitempty"`
}

// CrawlRequest is the body of a site crawl.
type CrawlRequest struct {
	ScanRequest
	MaxPages int `json:"maxPages,omitempty"`
	MaxDepth int `json:"maxDepth,omitempty"`
}

// ScanRecord is a stored scan.
type ScanRecord struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	URL         string `json:"url"`
	Status      string `json:"status"`
	Score       *int   `json:"score,omitempty"`
	TotalIssues *int   `json:"totalIssues,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"createdAt"`
	FinishedAt  string `json:"finishedAt,omitempty"`
}

// ScanDetail is a stored scan with its final result.
type ScanDetail struct {
	ScanRecord
	Result json.RawMessage `json:"result,omitempty"`
}

// ErrTimeout matches every *TimeoutError.
var ErrTimeout = errors.New("request timed out")

// TimeoutError is returned when a synchronous call outlives Client.Timeout.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Request timed out after %dms", e.Timeout.Milliseconds())
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// APIError wraps non-2xx responses. Message is the server's `error` field, else the status
// text, else "HTTP {status}".
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string { return e.Message }

// Health checks that the API is up.
func (c *Client) Health(ctx context.Context) error {
	return c.withTimeout(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, "health", nil, nil)
	})
}

// Scan runs a page scan and waits for the full result, bounded by Client.Timeout.
func (c *Client) Scan(ctx context.Context, req ScanRequest) (report.ScanResult, error) {
	var resp report.ScanResult
	err := c.withTimeout(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "scan", req, &resp)
	})
	return resp, err
}

// StreamScan runs a page scan over the event stream. observer sees every event in order.
func (c *Client) StreamScan(ctx context.Context, req ScanRequest, observer scanstream.Observer) (report.ScanResult, error) {
	raw, err := c.stream(ctx, "scan/stream", req, observer)
	if err != nil {
		return report.ScanResult{}, err
	}
	var resp report.ScanResult
	if err := json.Unmarshal(raw, &resp); err != nil {
		return report.ScanResult{}, fmt.Errorf("decode scan result: %w", err)
	}
	return resp, nil
}

// Crawl runs a site crawl over the event stream. agg, when not nil, holds the live page
// list while the crawl runs; the returned result is the authoritative one.
func (c *Client) Crawl(ctx context.Context, req CrawlRequest, agg *SiteAggregator) (report.SiteScanResult, error) {
	if agg == nil {
		agg = NewSiteAggregator(nil)
	}
	raw, err := c.stream(ctx, "crawl/stream", req, agg.Observe)
	if err != nil {
		return report.SiteScanResult{}, err
	}
	var site report.SiteScanResult
	if err := json.Unmarshal(raw, &site); err != nil {
		return report.SiteScanResult{}, fmt.Errorf("decode site result: %w", err)
	}
	if err := agg.Complete(site); err != nil {
		return site, err
	}
	return site, nil
}

// Scans lists stored scans, newest first.
func (c *Client) Scans(ctx context.Context, limit int) ([]ScanRecord, error) {
	endpoint := "scans"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []ScanRecord `json:"items"`
	}
	err := c.withTimeout(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	})
	return resp.Items, err
}

// GetScan fetches a stored scan by id.
func (c *Client) GetScan(ctx context.Context, id string) (ScanDetail, error) {
	var resp ScanDetail
	endpoint := fmt.Sprintf("scans/%s", url.PathEscape(id))
	err := c.withTimeout(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	})
	return resp, err
}

// ScanEvents returns the stored event log of a scan in sequence order.
func (c *Client) ScanEvents(ctx context.Context, id string) ([]scanstream.Envelope, error) {
	var resp struct {
		Items []scanstream.Message `json:"items"`
	}
	endpoint := fmt.Sprintf("scans/%s/events", url.PathEscape(id))
	err := c.withTimeout(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	out := make([]scanstream.Envelope, 0, len(resp.Items))
	for _, m := range resp.Items {
		if env, ok := m.Envelope(); ok {
			out = append(out, env)
		}
	}
	return out, nil
}

// withTimeout runs fn under Client.Timeout. The timer and the request share one context, so
// whichever finishes first decides the outcome.
func (c *Client) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if c.Timeout <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	err := fn(tctx)
	if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Timeout: c.Timeout}
	}
	return err
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return c.HTTPClient
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL(endpoint), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) stream(ctx context.Context, endpoint string, body any, observer scanstream.Observer) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, responseError(resp)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, scanstream.ErrNoBody
	}
	return scanstream.Consume(ctx, resp.Body, observer)
}

// responseError builds the error for a non-2xx response.
func responseError(resp *http.Response) error {
	e := &APIError{StatusCode: resp.StatusCode}
	if resp.Body != nil {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		e.Body = string(b)
	}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal([]byte(e.Body), &payload); err == nil && strings.TrimSpace(payload.Error) != "" {
		e.Message = payload.Error
		e.Code = payload.Code
		return e
	}
	if text := statusText(resp); text != "" {
		e.Message = text
		return e
	}
	e.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
	return e
}

// statusText returns the reason phrase of resp.Status, or "" when there is none.
func statusText(resp *http.Response) string {
	text := strings.TrimSpace(resp.Status)
	text = strings.TrimSpace(strings.TrimPrefix(text, strconv.Itoa(resp.StatusCode)))
	return text
}

func (c *Client) apiURL(endpoint string) string {
	return c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
