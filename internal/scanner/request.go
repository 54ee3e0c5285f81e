package scanner

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Standards accepted by the auditor, each with the conformance tags it includes.
var standardLevels = map[string][]string{
	"wcag2a":   {"wcag2a"},
	"wcag2aa":  {"wcag2a", "wcag2aa"},
	"wcag21a":  {"wcag2a", "wcag21a"},
	"wcag21aa": {"wcag2a", "wcag2aa", "wcag21a", "wcag21aa"},
	"wcag22aa": {"wcag2a", "wcag2aa", "wcag21a", "wcag21aa", "wcag22aa"},
}

// Viewport widths sent as a hint to the target site.
var viewportWidths = map[string]int{
	"desktop": 1280,
	"tablet":  768,
	"mobile":  375,
}

const (
	DefaultStandard = "wcag21aa"
	DefaultViewport = "desktop"
)

// ErrInvalidRequest marks request validation failures.
var ErrInvalidRequest = errors.New("invalid scan request")

// Cookie is sent with every page request of an authenticated scan.
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Auth carries credentials for scanning pages behind a login.
type Auth struct {
	Headers map[string]string `json:"headers,omitempty"`
	Cookies []Cookie          `json:"cookies,omitempty"`
}

// Request describes a single-page scan. ID is assigned by the caller and echoed in the
// result.
type Request struct {
	ID              string
	URL             string
	Standard        string
	Viewport        string
	IncludeWarnings bool
	Auth            *Auth
}

// Defaults fill what a request leaves out.
type Defaults struct {
	Standard        string
	Viewport        string
	IncludeWarnings bool
}

// ApplyDefaults fills an empty standard or viewport from d. Warnings are turned on when d
// asks for them; a request cannot turn them off again.
func (r *Request) ApplyDefaults(d Defaults) {
	if strings.TrimSpace(r.Standard) == "" {
		r.Standard = d.Standard
	}
	if strings.TrimSpace(r.Viewport) == "" {
		r.Viewport = d.Viewport
	}
	if d.IncludeWarnings {
		r.IncludeWarnings = true
	}
}

// CrawlLimits bound a crawl.
type CrawlLimits struct {
	MaxPages int
	MaxDepth int
}

// Hard caps on crawl limits, whatever the request or configuration asks for.
const (
	MaxPagesCap = 50
	MaxDepthCap = 5
)

var DefaultCrawlLimits = CrawlLimits{MaxPages: 10, MaxDepth: 2}

// CrawlRequest describes a multi-page crawl. Zero limits take the configured defaults.
type CrawlRequest struct {
	Request
	MaxPages int
	MaxDepth int
}

// Normalize validates the embedded request, fills zero limits from def and clamps both
// limits to their caps.
func (r *CrawlRequest) Normalize(def CrawlLimits) error {
	if err := r.Request.Normalize(); err != nil {
		return err
	}
	if r.MaxPages < 0 || r.MaxDepth < 0 {
		return fmt.Errorf("%w: crawl limits must not be negative", ErrInvalidRequest)
	}
	if def.MaxPages <= 0 {
		def.MaxPages = DefaultCrawlLimits.MaxPages
	}
	if def.MaxDepth <= 0 {
		def.MaxDepth = DefaultCrawlLimits.MaxDepth
	}
	if r.MaxPages == 0 {
		r.MaxPages = def.MaxPages
	}
	if r.MaxDepth == 0 {
		r.MaxDepth = def.MaxDepth
	}
	r.MaxPages = min(r.MaxPages, MaxPagesCap)
	r.MaxDepth = min(r.MaxDepth, MaxDepthCap)
	return nil
}

// Normalize fills defaults and validates r.
func (r *Request) Normalize() error {
	r.URL = strings.TrimSpace(r.URL)
	if r.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	u, err := url.Parse(r.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: invalid url %q", ErrInvalidRequest, r.URL)
	}
	r.Standard = strings.ToLower(strings.TrimSpace(r.Standard))
	if r.Standard == "" {
		r.Standard = DefaultStandard
	}
	if _, ok := standardLevels[r.Standard]; !ok {
		return fmt.Errorf("%w: invalid standard %q", ErrInvalidRequest, r.Standard)
	}
	r.Viewport = strings.ToLower(strings.TrimSpace(r.Viewport))
	if r.Viewport == "" {
		r.Viewport = DefaultViewport
	}
	if _, ok := viewportWidths[r.Viewport]; !ok {
		return fmt.Errorf("%w: invalid viewport %q", ErrInvalidRequest, r.Viewport)
	}
	return nil
}

// ValidStandard reports whether s names a supported standard.
func ValidStandard(s string) bool {
	_, ok := standardLevels[strings.ToLower(s)]
	return ok
}

// ValidViewport reports whether v names a supported viewport.
func ValidViewport(v string) bool {
	_, ok := viewportWidths[strings.ToLower(v)]
	return ok
}
