// Package scanner produces scan events: it fetches pages, audits them and drives the phase
// sequence that a stream consumer sees.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"allylab/pkg/report"
	"allylab/pkg/scanstream"
)

// Sink receives the events of one scan, in order. *scanstream.Encoder is a Sink.
type Sink interface {
	Encode(t scanstream.EventType, payload any) error
}

// Discard is a Sink that drops every event.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Encode(scanstream.EventType, any) error { return nil }

// SinkError wraps a failed write to the sink. The stream is gone, so no error event is sent.
type SinkError struct {
	Err error
}

func (e *SinkError) Error() string { return "scan stream closed: " + e.Err.Error() }
func (e *SinkError) Unwrap() error { return e.Err }

// ErrNoPages is returned by a crawl in which no page could be scanned.
var ErrNoPages = errors.New("No pages could be scanned")

// findingsPerProgress is how many findings are sent between two progress events.
const findingsPerProgress = 5

// Orchestrator runs page scans and crawls, reporting each step to a Sink.
type Orchestrator struct {
	Fetcher Fetcher
	Auditor *Auditor
	Logger  *slog.Logger
	Now     func() time.Time
	// Limiter throttles crawl fetches. Nil means unlimited.
	Limiter *rate.Limiter
	Limits  CrawlLimits
}

// New returns an Orchestrator with the default auditor and crawl limits.
func New(fetcher Fetcher, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		Fetcher: fetcher,
		Auditor: NewAuditor(),
		Logger:  logger,
		Now:     time.Now,
		Limits:  DefaultCrawlLimits,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Orchestrator) auditor() *Auditor {
	if o.Auditor != nil {
		return o.Auditor
	}
	return NewAuditor()
}

// emitter stops writing after the first sink failure.
type emitter struct {
	sink Sink
	err  error
}

func (e *emitter) emit(t scanstream.EventType, payload any) {
	if e.err != nil {
		return
	}
	if err := e.sink.Encode(t, payload); err != nil {
		e.err = &SinkError{Err: err}
	}
}

func (e *emitter) status(phase, msg string) {
	e.emit(scanstream.EventStatus, scanstream.StatusPayload{Message: msg, Phase: phase})
}

func (e *emitter) progress(pct int, msg string) {
	e.emit(scanstream.EventProgress, scanstream.ProgressPayload{Percent: pct, Message: msg})
}

// fail ends the stream with an error event unless the sink itself is broken or the caller
// went away.
func (o *Orchestrator) fail(ctx context.Context, em *emitter, err error) error {
	if em.err != nil {
		return em.err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	em.emit(scanstream.EventError, scanstream.ErrorPayload{Message: err.Error()})
	if em.err != nil {
		return em.err
	}
	return err
}

// ScanPage scans one page, writing its events to sink. The returned error is the one the
// error event carried, a *SinkError or the context error.
func (o *Orchestrator) ScanPage(ctx context.Context, req Request, sink Sink) (report.ScanResult, error) {
	em := &emitter{sink: sink}
	if err := req.Normalize(); err != nil {
		return report.ScanResult{}, o.fail(ctx, em, err)
	}
	log := o.logger().With("scan_id", req.ID, "url", req.URL)
	started := o.now()
	log.Info("scan started", "standard", req.Standard, "viewport", req.Viewport)

	res, err := o.scanPage(ctx, req, em, started)
	if err != nil {
		err = o.fail(ctx, em, err)
		log.Warn("scan failed", "error", err, "duration", o.now().Sub(started))
		return report.ScanResult{}, err
	}
	log.Info("scan finished", "score", res.Score, "issues", res.TotalIssues, "duration", o.now().Sub(started))
	return res, nil
}

func (o *Orchestrator) scanPage(ctx context.Context, req Request, em *emitter, started time.Time) (report.ScanResult, error) {
	em.status(scanstream.PhaseInit, "Starting scan")
	em.status(scanstream.PhaseLoading, "Loading "+req.URL)
	if em.err != nil {
		return report.ScanResult{}, em.err
	}
	page, err := o.Fetcher.Fetch(ctx, req.URL, FetchOptions{Viewport: req.Viewport, Auth: req.Auth})
	if err != nil {
		return report.ScanResult{}, err
	}
	em.progress(30, "Page loaded")
	em.status(scanstream.PhaseAnalyzing, "Running accessibility checks")
	findings, err := o.auditor().Audit(page, AuditOptions{Standard: req.Standard, IncludeWarnings: req.IncludeWarnings})
	if err != nil {
		return report.ScanResult{}, err
	}
	em.progress(50, fmt.Sprintf("Found %d issues", len(findings)))
	for i, f := range findings {
		if err := ctx.Err(); err != nil {
			return report.ScanResult{}, err
		}
		em.emit(scanstream.EventFinding, scanstream.FindingPayload{Finding: f})
		if (i+1)%findingsPerProgress == 0 && i+1 < len(findings) {
			em.progress(50+40*(i+1)/len(findings), fmt.Sprintf("Reported %d of %d issues", i+1, len(findings)))
		}
	}
	em.status(scanstream.PhaseProcessing, "Processing results")
	counts := report.CountFindings(findings)
	end := o.now()
	res := report.ScanResult{
		ID:          req.ID,
		URL:         page.URL,
		Score:       report.Score(counts),
		Counts:      counts,
		TotalIssues: counts.Total(),
		ScanTime:    end.Sub(started).Milliseconds(),
		Findings:    findings,
		Timestamp:   end.UTC().Format(time.RFC3339),
		Standard:    req.Standard,
		Viewport:    req.Viewport,
	}
	em.progress(100, "Scan complete")
	em.emit(scanstream.EventComplete, res)
	if em.err != nil {
		return report.ScanResult{}, em.err
	}
	return res, nil
}

// Scan runs a page scan without a stream.
func (o *Orchestrator) Scan(ctx context.Context, req Request) (report.ScanResult, error) {
	return o.ScanPage(ctx, req, Discard)
}

// Crawl discovers pages from the start URL, scans each one and ends with a complete event
// carrying the SiteScanResult.
func (o *Orchestrator) Crawl(ctx context.Context, req CrawlRequest, sink Sink) (report.SiteScanResult, error) {
	em := &emitter{sink: sink}
	if err := req.Normalize(o.Limits); err != nil {
		return report.SiteScanResult{}, o.fail(ctx, em, err)
	}
	log := o.logger().With("scan_id", req.ID, "url", req.URL)
	started := o.now()
	log.Info("crawl started", "max_pages", req.MaxPages, "max_depth", req.MaxDepth)

	res, err := o.crawl(ctx, req, em)
	if err != nil {
		err = o.fail(ctx, em, err)
		log.Warn("crawl failed", "error", err, "duration", o.now().Sub(started))
		return report.SiteScanResult{}, err
	}
	log.Info("crawl finished", "pages", res.PagesScanned, "average_score", res.AverageScore, "duration", o.now().Sub(started))
	return res, nil
}

func (o *Orchestrator) crawl(ctx context.Context, req CrawlRequest, em *emitter) (report.SiteScanResult, error) {
	em.status(scanstream.PhaseCrawling, "Discovering pages")
	if em.err != nil {
		return report.SiteScanResult{}, em.err
	}
	c := &Crawler{
		Fetcher:  o.Fetcher,
		Limiter:  o.Limiter,
		Logger:   o.logger(),
		Now:      o.now,
		MaxPages: req.MaxPages,
		MaxDepth: req.MaxDepth,
	}
	pages, err := c.Crawl(ctx, req.URL, FetchOptions{Viewport: req.Viewport, Auth: req.Auth}, func(p CrawledPage, n int) error {
		em.progress(5+25*n/req.MaxPages, fmt.Sprintf("Found page %d: %s", n, p.Page.URL))
		return em.err
	})
	if err != nil {
		return report.SiteScanResult{}, err
	}
	if len(pages) == 0 {
		return report.SiteScanResult{}, ErrNoPages
	}

	em.status(scanstream.PhaseScanning, fmt.Sprintf("Scanning %d pages", len(pages)))
	opts := AuditOptions{Standard: req.Standard, IncludeWarnings: req.IncludeWarnings}
	results := make([]report.PageResult, 0, len(pages))
	for i, p := range pages {
		if err := ctx.Err(); err != nil {
			return report.SiteScanResult{}, err
		}
		if em.err != nil {
			return report.SiteScanResult{}, em.err
		}
		auditStart := o.now()
		findings, err := o.auditor().Audit(p.Page, opts)
		if err != nil {
			return report.SiteScanResult{}, err
		}
		elapsed := p.FetchTime + o.now().Sub(auditStart)
		pr := report.NewPageResult(p.Page.URL, report.CountFindings(findings), elapsed.Milliseconds())
		results = append(results, pr)
		em.emit(scanstream.EventPage, scanstream.PagePayload{PageResult: pr})
		em.progress(30+70*(i+1)/len(pages), fmt.Sprintf("Scanned %d of %d pages", i+1, len(pages)))
	}
	site := report.Summarize(results)
	em.emit(scanstream.EventComplete, site)
	if em.err != nil {
		return report.SiteScanResult{}, em.err
	}
	return site, nil
}
