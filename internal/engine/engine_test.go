package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"allylab/internal/db"
	"allylab/internal/domain"
	"allylab/internal/engine"
	"allylab/internal/migrate"
	"allylab/internal/repo"
	"allylab/internal/scanner"
	"allylab/pkg/report"
	"allylab/pkg/scanstream"
)

const page = `<html lang="en"><head><title>Shop</title></head><body><h1>Shop</h1><img src="a.png"><a href="/about">About</a></body></html>`

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Site   *httptest.Server
}

type fakePublisher struct {
	opened   []string
	msgs     map[string][]scanstream.Message
	finished []string
}

func (p *fakePublisher) Open(scanID string) { p.opened = append(p.opened, scanID) }

func (p *fakePublisher) Publish(scanID string, msg scanstream.Message) {
	p.msgs[scanID] = append(p.msgs[scanID], msg)
}

func (p *fakePublisher) Finish(scanID string) { p.finished = append(p.finished, scanID) }

type countingSink struct{ n int }

func (s *countingSink) Encode(scanstream.EventType, any) error {
	s.n++
	return nil
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" && r.URL.Path != "/about" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, page)
	})
	site := httptest.NewServer(mux)
	t.Cleanup(site.Close)

	now := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	sc := scanner.New(scanner.NewHTTPFetcher(5*time.Second, ""), nil)
	sc.Now = now
	eng := engine.New(conn, sc, nil)
	eng.Now = now
	eng.Events.Now = now
	return testEnv{Engine: eng, Ctx: context.Background(), Site: site}
}

func TestScanPageRecordsHistory(t *testing.T) {
	env := newTestEnv(t)
	pub := &fakePublisher{msgs: map[string][]scanstream.Message{}}
	env.Engine.Live = pub
	sink := &countingSink{}

	res, err := env.Engine.ScanPage(env.Ctx, scanner.Request{URL: env.Site.URL}, sink)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.ID == "" {
		t.Fatalf("expected scan id in result")
	}
	stored, err := env.Engine.Repo.GetScan(env.Ctx, res.ID)
	if err != nil {
		t.Fatalf("get scan: %v", err)
	}
	if stored.Status != domain.StatusCompleted || stored.Kind != domain.KindPage {
		t.Fatalf("unexpected stored scan: %+v", stored)
	}
	if stored.Score == nil || *stored.Score != res.Score || *stored.TotalIssues != res.TotalIssues {
		t.Fatalf("stored score mismatch: %+v vs %+v", stored, res)
	}
	var back report.ScanResult
	if err := json.Unmarshal([]byte(*stored.ResultJSON), &back); err != nil {
		t.Fatalf("decode stored result: %v", err)
	}
	if back.Score != res.Score || len(back.Findings) != len(res.Findings) {
		t.Fatalf("stored result differs")
	}

	msgs, err := env.Engine.Replay(env.Ctx, res.ID, 0, 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(msgs) != sink.n {
		t.Fatalf("stored %d events, emitted %d", len(msgs), sink.n)
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, m.Seq)
		}
	}
	if last := msgs[len(msgs)-1]; last.Type != scanstream.EventComplete {
		t.Fatalf("last stored event is %s", last.Type)
	}
	if len(pub.opened) != 1 || pub.opened[0] != res.ID {
		t.Fatalf("publisher opened %v", pub.opened)
	}
	if len(pub.msgs[res.ID]) != len(msgs) || len(pub.finished) != 1 || pub.finished[0] != res.ID {
		t.Fatalf("publisher saw %d events, finished %v", len(pub.msgs[res.ID]), pub.finished)
	}

	tail, err := env.Engine.Replay(env.Ctx, res.ID, int64(len(msgs)-1), 0)
	if err != nil || len(tail) != 1 {
		t.Fatalf("replay tail: %v %d", err, len(tail))
	}
}

func TestFailedScanRecorded(t *testing.T) {
	env := newTestEnv(t)
	target := env.Site.URL + "/gone"
	_, err := env.Engine.ScanPage(env.Ctx, scanner.Request{URL: target}, nil)
	if err == nil {
		t.Fatalf("expected scan failure")
	}
	scans, err := env.Engine.Repo.ListScans(env.Ctx, repoFilter(domain.StatusFailed))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(scans) != 1 {
		t.Fatalf("expected one failed scan, got %d", len(scans))
	}
	want := fmt.Sprintf("Failed to load page %s: HTTP 404", target)
	if scans[0].Error != want {
		t.Fatalf("error = %q, want %q", scans[0].Error, want)
	}
	msgs, err := env.Engine.Replay(env.Ctx, scans[0].ID, 0, 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if last := msgs[len(msgs)-1]; last.Type != scanstream.EventError {
		t.Fatalf("last stored event is %s", last.Type)
	}
}

func TestCrawlRecordsSiteScan(t *testing.T) {
	env := newTestEnv(t)
	site, err := env.Engine.Crawl(env.Ctx, scanner.CrawlRequest{Request: scanner.Request{URL: env.Site.URL}}, nil)
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if site.PagesScanned != 2 {
		t.Fatalf("pages scanned = %d", site.PagesScanned)
	}
	scans, err := env.Engine.Repo.ListScans(env.Ctx, repoFilter(""))
	if err != nil || len(scans) != 1 {
		t.Fatalf("list: %v %d", err, len(scans))
	}
	if scans[0].Kind != domain.KindSite || *scans[0].Score != site.AverageScore {
		t.Fatalf("unexpected site scan: %+v", scans[0])
	}
}

func TestInvalidRequestNotStored(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ScanPage(env.Ctx, scanner.Request{URL: "not a url"}, nil); err == nil {
		t.Fatalf("expected validation error")
	}
	scans, err := env.Engine.Repo.ListScans(env.Ctx, repoFilter(""))
	if err != nil || len(scans) != 0 {
		t.Fatalf("expected no scans, got %d (%v)", len(scans), err)
	}
}

func TestRecoverFailsRunningScans(t *testing.T) {
	env := newTestEnv(t)
	scan, err := env.Engine.Begin(env.Ctx, domain.KindPage, scanner.Request{URL: env.Site.URL})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	n, err := env.Engine.Recover(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover: %v %d", err, n)
	}
	got, err := env.Engine.Repo.GetScan(env.Ctx, scan.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusFailed || got.Error != "interrupted" {
		t.Fatalf("unexpected scan after recover: %+v", got)
	}
}

func TestDeleteScan(t *testing.T) {
	env := newTestEnv(t)
	running, err := env.Engine.Begin(env.Ctx, domain.KindPage, scanner.Request{URL: env.Site.URL})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := env.Engine.DeleteScan(env.Ctx, running.ID); !errors.Is(err, engine.ErrScanRunning) {
		t.Fatalf("expected ErrScanRunning, got %v", err)
	}
	res, err := env.Engine.ScanPage(env.Ctx, scanner.Request{URL: env.Site.URL}, nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if err := env.Engine.DeleteScan(env.Ctx, res.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Replay(env.Ctx, res.ID, 0, 0); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := env.Engine.DeleteScan(env.Ctx, res.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestEngineDefaults(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Defaults = scanner.Defaults{Standard: "wcag2a", Viewport: "mobile"}
	res, err := env.Engine.ScanPage(env.Ctx, scanner.Request{URL: env.Site.URL}, nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.Standard != "wcag2a" || res.Viewport != "mobile" {
		t.Fatalf("defaults not applied: %s %s", res.Standard, res.Viewport)
	}
	stored, err := env.Engine.Repo.GetScan(env.Ctx, res.ID)
	if err != nil {
		t.Fatalf("get scan: %v", err)
	}
	if stored.Standard != "wcag2a" {
		t.Fatalf("stored standard %s", stored.Standard)
	}
}

func TestEngineWithoutStorage(t *testing.T) {
	env := newTestEnv(t)
	sc := env.Engine.Scanner
	eng := engine.New(nil, sc, nil)
	res, err := eng.ScanPage(env.Ctx, scanner.Request{URL: env.Site.URL}, nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !res.Consistent() {
		t.Fatalf("inconsistent result: %+v", res)
	}
}

func repoFilter(status string) repo.ScanFilter {
	return repo.ScanFilter{Status: status}
}
