package allylabsdk

import (
	"errors"
	"fmt"
	"sync"

	"allylab/pkg/report"
	"allylab/pkg/scanstream"
)

// ErrPageDivergence matches every *DivergenceError.
var ErrPageDivergence = errors.New("live pages diverge from site result")

// DivergenceError reports a disagreement between the live pages and the final site result:
// a page whose scores differ, a page only one view has, or differing page counts. The server
// computes both from the same counts, so this is always a protocol defect.
type DivergenceError struct {
	URL   string
	Live  int
	Final int
	// Missing is "final" for a live page absent from the final result, "live" for a final
	// page never reported live, and "count" when the views hold different numbers of pages
	// (Live and Final are then the counts). Empty means the scores of URL differ.
	Missing string
}

func (e *DivergenceError) Error() string {
	switch e.Missing {
	case "final":
		return fmt.Sprintf("page %s: reported live but missing from the final result", e.URL)
	case "live":
		return fmt.Sprintf("page %s: in the final result but never reported live", e.URL)
	case "count":
		return fmt.Sprintf("live view has %d pages, final result %d", e.Live, e.Final)
	}
	return fmt.Sprintf("page %s: live score %d, final score %d", e.URL, e.Live, e.Final)
}

func (e *DivergenceError) Is(target error) bool { return target == ErrPageDivergence }

// SiteAggregator folds crawl events into a site report. While the crawl runs it holds the
// pages in arrival order; once the final result is in, that result replaces the live view.
// Pages and Result may be called from other goroutines than the one feeding events.
type SiteAggregator struct {
	next scanstream.Observer

	mu    sync.Mutex
	pages []report.PageResult
	final *report.SiteScanResult
}

// NewSiteAggregator returns an empty aggregator. next, when not nil, receives every event
// after the aggregator has seen it.
func NewSiteAggregator(next scanstream.Observer) *SiteAggregator {
	return &SiteAggregator{next: next}
}

// Observe is a scanstream.Observer.
func (a *SiteAggregator) Observe(env scanstream.Envelope) {
	if p, ok := env.Payload.(scanstream.PagePayload); ok {
		a.mu.Lock()
		a.pages = append(a.pages, p.PageResult)
		a.mu.Unlock()
	}
	if a.next != nil {
		a.next(env)
	}
}

// Complete installs the authoritative result. It is installed even when the live view
// disagrees with it; the first disagreement is returned.
func (a *SiteAggregator) Complete(site report.SiteScanResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.final = &site
	return diverge(a.pages, site.Pages)
}

func diverge(live, final []report.PageResult) error {
	finalScores := make(map[string]int, len(final))
	for _, p := range final {
		finalScores[p.URL] = p.Score
	}
	liveURLs := make(map[string]struct{}, len(live))
	for _, p := range live {
		liveURLs[p.URL] = struct{}{}
		score, ok := finalScores[p.URL]
		if !ok {
			return &DivergenceError{URL: p.URL, Live: p.Score, Missing: "final"}
		}
		if score != p.Score {
			return &DivergenceError{URL: p.URL, Live: p.Score, Final: score}
		}
	}
	for _, p := range final {
		if _, ok := liveURLs[p.URL]; !ok {
			return &DivergenceError{URL: p.URL, Final: p.Score, Missing: "live"}
		}
	}
	if len(live) != len(final) {
		return &DivergenceError{Live: len(live), Final: len(final), Missing: "count"}
	}
	return nil
}

// Pages returns the current view: the live pages, or the final pages once complete.
func (a *SiteAggregator) Pages() []report.PageResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.final != nil {
		return append([]report.PageResult(nil), a.final.Pages...)
	}
	return append([]report.PageResult(nil), a.pages...)
}

// Result returns the final result, if it has arrived.
func (a *SiteAggregator) Result() (report.SiteScanResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.final == nil {
		return report.SiteScanResult{}, false
	}
	return *a.final, true
}
