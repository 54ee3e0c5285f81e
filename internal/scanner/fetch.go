package scanner

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	defaultUserAgent = "AllyLab/1.0 (+accessibility scanner)"
	defaultMaxBytes  = 5 << 20
	defaultTimeout   = 30 * time.Second
)

// Page is a fetched and parsed HTML document.
type Page struct {
	URL        string
	StatusCode int
	Doc        *goquery.Document
}

// FetchOptions are per-request settings of a fetch.
type FetchOptions struct {
	Viewport string
	Auth     *Auth
}

// Fetcher loads a page for auditing.
type Fetcher interface {
	Fetch(ctx context.Context, target string, opts FetchOptions) (*Page, error)
}

// FetchError reports a page that could not be loaded.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("Failed to load page %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("Failed to load page %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// HTTPFetcher fetches pages over HTTP.
type HTTPFetcher struct {
	Client    *http.Client
	UserAgent string
	MaxBytes  int64
}

// NewHTTPFetcher returns a fetcher with a client bounded by timeout.
func NewHTTPFetcher(timeout time.Duration, userAgent string) *HTTPFetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPFetcher{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: userAgent,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, target string, opts FetchOptions) (*Page, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &FetchError{URL: target, Err: err}
	}
	ua := f.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	if width, ok := viewportWidths[opts.Viewport]; ok {
		req.Header.Set("Viewport-Width", strconv.Itoa(width))
	}
	if opts.Auth != nil {
		for k, v := range opts.Auth.Headers {
			req.Header.Set(k, v)
		}
		for _, c := range opts.Auth.Cookies {
			req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
		}
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: target, Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &FetchError{URL: target, StatusCode: res.StatusCode}
	}
	if ct := res.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil && mt != "text/html" && mt != "application/xhtml+xml" {
			return nil, &FetchError{URL: target, Err: fmt.Errorf("unsupported content type %s", mt)}
		}
	}
	limit := f.MaxBytes
	if limit <= 0 {
		limit = defaultMaxBytes
	}
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(res.Body, limit))
	if err != nil {
		return nil, &FetchError{URL: target, Err: fmt.Errorf("parse html: %w", err)}
	}
	// Links resolve against the final URL after redirects.
	doc.Url = res.Request.URL
	return &Page{URL: res.Request.URL.String(), StatusCode: res.StatusCode, Doc: doc}, nil
}
