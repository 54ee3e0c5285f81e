package scanner

import (
	"context"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

// Extensions never queued by the crawler.
var skipExtensions = map[string]bool{
	".pdf": true, ".zip": true, ".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".svg": true, ".webp": true, ".ico": true, ".css": true, ".js": true, ".json": true,
	".xml": true, ".mp4": true, ".mp3": true, ".woff": true, ".woff2": true,
}

// CrawledPage is a page fetched during discovery. The document is kept so the page is not
// fetched twice.
type CrawledPage struct {
	Page      *Page
	Depth     int
	FetchTime time.Duration
}

// Crawler walks a site breadth first, staying on the start host.
type Crawler struct {
	Fetcher  Fetcher
	Limiter  *rate.Limiter
	Logger   *slog.Logger
	Now      func() time.Time
	MaxPages int
	MaxDepth int
}

type queued struct {
	url   string
	depth int
}

// Crawl fetches up to MaxPages pages reachable from start within MaxDepth links. onPage is
// called after each successful fetch with the running page count; a non-nil return stops the
// crawl with that error. A failure to load the start page fails the crawl; failures on
// other pages are logged and skipped.
func (c *Crawler) Crawl(ctx context.Context, start string, opts FetchOptions, onPage func(CrawledPage, int) error) ([]CrawledPage, error) {
	root, err := url.Parse(start)
	if err != nil {
		return nil, err
	}
	now := c.Now
	if now == nil {
		now = time.Now
	}
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}

	seen := map[string]bool{normalizeURL(root): true}
	queue := []queued{{url: start}}
	var pages []CrawledPage
	for len(queue) > 0 && len(pages) < c.MaxPages {
		next := queue[0]
		queue = queue[1:]
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		t0 := now()
		page, err := c.Fetcher.Fetch(ctx, next.url, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if len(pages) == 0 && next.depth == 0 {
				return nil, err
			}
			log.Warn("crawl: skipping page", "url", next.url, "error", err)
			continue
		}
		cp := CrawledPage{Page: page, Depth: next.depth, FetchTime: now().Sub(t0)}
		pages = append(pages, cp)
		if onPage != nil {
			if err := onPage(cp, len(pages)); err != nil {
				return nil, err
			}
		}
		if next.depth >= c.MaxDepth {
			continue
		}
		for _, link := range links(page, root.Host) {
			key := normalizeURL(link)
			if seen[key] {
				continue
			}
			seen[key] = true
			queue = append(queue, queued{url: key, depth: next.depth + 1})
		}
	}
	return pages, nil
}

// links returns the same-host http(s) links of page in document order.
func links(page *Page, host string) []*url.URL {
	if page == nil || page.Doc == nil {
		return nil
	}
	base := page.Doc.Url
	if base == nil {
		var err error
		if base, err = url.Parse(page.URL); err != nil {
			return nil
		}
	}
	var out []*url.URL
	page.Doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		if rel := strings.ToLower(s.AttrOr("rel", "")); strings.Contains(rel, "nofollow") {
			return
		}
		u, err := base.Parse(href)
		if err != nil {
			return
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return
		}
		if !strings.EqualFold(u.Host, host) {
			return
		}
		if skipExtensions[strings.ToLower(path.Ext(u.Path))] {
			return
		}
		out = append(out, u)
	})
	return out
}

// normalizeURL drops the fragment, lowercases scheme and host and folds a trailing slash.
func normalizeURL(u *url.URL) string {
	n := *u
	n.Fragment = ""
	n.RawFragment = ""
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	if n.Path == "" {
		n.Path = "/"
	}
	if len(n.Path) > 1 {
		n.Path = strings.TrimRight(n.Path, "/")
		if n.Path == "" {
			n.Path = "/"
		}
	}
	n.RawPath = ""
	return n.String()
}
