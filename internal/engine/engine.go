// Package engine runs scans and keeps their history: it assigns scan ids, records every
// emitted event, publishes it to live subscribers and stores the final outcome.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"allylab/internal/domain"
	"allylab/internal/events"
	"allylab/internal/repo"
	"allylab/internal/scanner"
	"allylab/pkg/report"
	"allylab/pkg/scanstream"
)

// Publisher is told about running scans: Open when a scan is registered, Publish for each
// of its events and Finish once its outcome is stored.
type Publisher interface {
	Open(scanID string)
	Publish(scanID string, msg scanstream.Message)
	Finish(scanID string)
}

// Publishers fans out to several publishers in order.
type Publishers []Publisher

func (ps Publishers) Open(scanID string) {
	for _, p := range ps {
		p.Open(scanID)
	}
}

func (ps Publishers) Publish(scanID string, msg scanstream.Message) {
	for _, p := range ps {
		p.Publish(scanID, msg)
	}
}

func (ps Publishers) Finish(scanID string) {
	for _, p := range ps {
		p.Finish(scanID)
	}
}

// ErrScanRunning is returned when deleting a scan that has not finished.
var ErrScanRunning = errors.New("scan is still running")

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Scanner  *scanner.Orchestrator
	Live     Publisher
	Defaults scanner.Defaults
	Logger   *slog.Logger
	Now      func() time.Time
}

// New returns an engine. A nil db runs scans without history.
func New(db *sql.DB, sc *scanner.Orchestrator, logger *slog.Logger) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Scanner: sc,
		Logger:  logger,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) storing() bool { return e.DB != nil }

// Prepare fills the configured defaults into req and validates it.
func (e Engine) Prepare(req *scanner.Request) error {
	req.ApplyDefaults(e.Defaults)
	return req.Normalize()
}

// PrepareCrawl is Prepare for a crawl, also settling its limits.
func (e Engine) PrepareCrawl(req *scanner.CrawlRequest) error {
	req.ApplyDefaults(e.Defaults)
	return req.Normalize(e.Scanner.Limits)
}

// Recover fails scans left running by a previous process.
func (e Engine) Recover(ctx context.Context) (int64, error) {
	if !e.storing() {
		return 0, nil
	}
	n, err := e.Repo.FailRunning(ctx, "interrupted", e.now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("recover running scans: %w", err)
	}
	if n > 0 {
		e.logger().Warn("marked interrupted scans failed", "count", n)
	}
	return n, nil
}

// Begin validates req and registers a running scan of the given kind.
func (e Engine) Begin(ctx context.Context, kind string, req scanner.Request) (domain.Scan, error) {
	if err := req.Normalize(); err != nil {
		return domain.Scan{}, err
	}
	s := domain.Scan{
		ID:        uuid.NewString(),
		Kind:      kind,
		URL:       req.URL,
		Standard:  req.Standard,
		Viewport:  req.Viewport,
		Status:    domain.StatusRunning,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if e.storing() {
		if err := e.Repo.InsertScan(ctx, s); err != nil {
			return domain.Scan{}, fmt.Errorf("insert scan: %w", err)
		}
	}
	if e.Live != nil {
		e.Live.Open(s.ID)
	}
	return s, nil
}

// RunPage runs a page scan registered by Begin, writing its events to sink.
func (e Engine) RunPage(ctx context.Context, scan domain.Scan, req scanner.Request, sink scanner.Sink) (report.ScanResult, error) {
	req.ID = scan.ID
	rec := e.recorder(ctx, scan.ID, sink)
	res, err := e.Scanner.ScanPage(ctx, req, rec)
	e.finish(ctx, scan.ID, res.Score, res.TotalIssues, res, err)
	return res, err
}

// RunCrawl runs a crawl registered by Begin, writing its events to sink.
func (e Engine) RunCrawl(ctx context.Context, scan domain.Scan, req scanner.CrawlRequest, sink scanner.Sink) (report.SiteScanResult, error) {
	req.ID = scan.ID
	rec := e.recorder(ctx, scan.ID, sink)
	res, err := e.Scanner.Crawl(ctx, req, rec)
	e.finish(ctx, scan.ID, res.AverageScore, res.TotalIssues, res, err)
	return res, err
}

// ScanPage is Begin followed by RunPage.
func (e Engine) ScanPage(ctx context.Context, req scanner.Request, sink scanner.Sink) (report.ScanResult, error) {
	if err := e.Prepare(&req); err != nil {
		return report.ScanResult{}, err
	}
	scan, err := e.Begin(ctx, domain.KindPage, req)
	if err != nil {
		return report.ScanResult{}, err
	}
	return e.RunPage(ctx, scan, req, sink)
}

// Crawl is Begin followed by RunCrawl.
func (e Engine) Crawl(ctx context.Context, req scanner.CrawlRequest, sink scanner.Sink) (report.SiteScanResult, error) {
	if err := e.PrepareCrawl(&req); err != nil {
		return report.SiteScanResult{}, err
	}
	scan, err := e.Begin(ctx, domain.KindSite, req.Request)
	if err != nil {
		return report.SiteScanResult{}, err
	}
	return e.RunCrawl(ctx, scan, req, sink)
}

// Replay returns the stored events of a scan after afterSeq.
func (e Engine) Replay(ctx context.Context, scanID string, afterSeq int64, limit int) ([]scanstream.Message, error) {
	if _, err := e.Repo.GetScan(ctx, scanID); err != nil {
		return nil, err
	}
	items, err := e.Repo.ListEvents(ctx, scanID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	out := make([]scanstream.Message, 0, len(items))
	for _, it := range items {
		out = append(out, scanstream.Message{Seq: it.Seq, Type: scanstream.EventType(it.Type), Data: json.RawMessage(it.DataJSON)})
	}
	return out, nil
}

// DeleteScan removes a finished scan and its events.
func (e Engine) DeleteScan(ctx context.Context, id string) error {
	s, err := e.Repo.GetScan(ctx, id)
	if err != nil {
		return err
	}
	if s.Status == domain.StatusRunning {
		return ErrScanRunning
	}
	return e.Repo.DeleteScan(ctx, id)
}

// finish stores the outcome. It runs after the client may have gone away, so it does not
// use the request's cancellation.
func (e Engine) finish(ctx context.Context, scanID string, score, total int, result any, scanErr error) {
	if e.Live != nil {
		defer e.Live.Finish(scanID)
	}
	if !e.storing() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	at := e.now().UTC().Format(time.RFC3339)
	var err error
	if scanErr != nil {
		err = e.Repo.FailScan(ctx, scanID, scanErr.Error(), at)
	} else {
		var data []byte
		data, err = json.Marshal(result)
		if err == nil {
			err = e.Repo.FinishScan(ctx, scanID, score, total, string(data), at)
		}
	}
	if err != nil {
		e.logger().Error("store scan outcome", "scan_id", scanID, "error", err)
	}
}

func (e Engine) recorder(ctx context.Context, scanID string, next scanner.Sink) *recorder {
	if next == nil {
		next = scanner.Discard
	}
	return &recorder{ctx: context.WithoutCancel(ctx), engine: e, scanID: scanID, next: next}
}

// recorder numbers each event, stores it, publishes it and passes it on.
type recorder struct {
	ctx    context.Context
	engine Engine
	scanID string
	next   scanner.Sink
	seq    int64
}

func (r *recorder) Encode(t scanstream.EventType, payload any) error {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", t, err)
	}
	r.seq++
	msg := scanstream.Message{Seq: r.seq, Type: t, Data: data}
	if r.engine.storing() {
		if err := r.engine.Events.Append(r.ctx, r.scanID, msg); err != nil {
			r.engine.logger().Warn("store scan event", "scan_id", r.scanID, "seq", r.seq, "error", err)
		}
	}
	if r.engine.Live != nil {
		r.engine.Live.Publish(r.scanID, msg)
	}
	return r.next.Encode(t, json.RawMessage(data))
}
