package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"allylab/internal/app"
	"allylab/internal/scanner"
	"allylab/pkg/report"
	"allylab/pkg/scanstream"
	allylabsdk "allylab/sdk/go"
)

type scanFlags struct {
	standard string
	viewport string
	warnings bool
	headers  []string
	cookies  []string
}

func (f *scanFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.standard, "standard", "", "wcag2a, wcag2aa, wcag21a, wcag21aa or wcag22aa (defaults to config)")
	cmd.Flags().StringVar(&f.viewport, "viewport", "", "desktop, tablet or mobile (defaults to config)")
	cmd.Flags().BoolVar(&f.warnings, "warnings", false, "include warning-level rules")
	cmd.Flags().StringArrayVar(&f.headers, "header", nil, `request header "Name: value", repeatable`)
	cmd.Flags().StringArrayVar(&f.cookies, "cookie", nil, `cookie "name=value", repeatable`)
}

func (f scanFlags) request(target string) (scanner.Request, error) {
	auth, err := parseAuth(f.headers, f.cookies)
	if err != nil {
		return scanner.Request{}, err
	}
	return scanner.Request{
		URL:             target,
		Standard:        f.standard,
		Viewport:        f.viewport,
		IncludeWarnings: f.warnings,
		Auth:            auth,
	}, nil
}

func (f scanFlags) remoteRequest(target string) (allylabsdk.ScanRequest, error) {
	req, err := f.request(target)
	if err != nil {
		return allylabsdk.ScanRequest{}, err
	}
	out := allylabsdk.ScanRequest{
		URL:             req.URL,
		Standard:        req.Standard,
		Viewport:        req.Viewport,
		IncludeWarnings: req.IncludeWarnings,
	}
	if req.Auth != nil {
		out.Auth = &allylabsdk.Auth{Headers: req.Auth.Headers}
		for _, c := range req.Auth.Cookies {
			out.Auth.Cookies = append(out.Auth.Cookies, allylabsdk.Cookie{Name: c.Name, Value: c.Value})
		}
	}
	return out, nil
}

// parseAuth turns --header and --cookie values into scan credentials. It returns nil when
// neither is given.
func parseAuth(headers, cookies []string) (*scanner.Auth, error) {
	if len(headers) == 0 && len(cookies) == 0 {
		return nil, nil
	}
	auth := &scanner.Auth{}
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q: want \"Name: value\"", h)
		}
		if auth.Headers == nil {
			auth.Headers = map[string]string{}
		}
		auth.Headers[name] = strings.TrimSpace(value)
	}
	for _, c := range cookies {
		name, value, ok := strings.Cut(c, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid cookie %q: want name=value", c)
		}
		auth.Cookies = append(auth.Cookies, scanner.Cookie{Name: name, Value: value})
	}
	return auth, nil
}

func scanCmd() *cobra.Command {
	var f scanFlags
	cmd := &cobra.Command{
		Use:   "scan <url>",
		Short: "Scan a page and print its findings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remoteClient(); c != nil {
				req, err := f.remoteRequest(args[0])
				if err != nil {
					return err
				}
				res, err := c.Scan(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printScanResult(res)
			}
			req, err := f.request(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.ScanPage(ctx, req, nil)
				if err != nil {
					return err
				}
				return printScanResult(res)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func streamCmd() *cobra.Command {
	var f scanFlags
	cmd := &cobra.Command{
		Use:   "stream <url>",
		Short: "Scan a page, printing events as they arrive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			observer := eventPrinter(os.Stdout)
			if c := remoteClient(); c != nil {
				req, err := f.remoteRequest(args[0])
				if err != nil {
					return err
				}
				res, err := c.StreamScan(cmd.Context(), req, observer)
				if err != nil {
					return err
				}
				return printStreamSummary(res)
			}
			req, err := f.request(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.Prepare(&req); err != nil {
					return err
				}
				raw, err := streamLocal(ctx, func(ctx context.Context, sink scanner.Sink) error {
					_, err := rt.Engine.ScanPage(ctx, req, sink)
					return err
				}, observer)
				if err != nil {
					return err
				}
				var res report.ScanResult
				if err := json.Unmarshal(raw, &res); err != nil {
					return fmt.Errorf("decode scan result: %w", err)
				}
				return printStreamSummary(res)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func crawlCmd() *cobra.Command {
	var f scanFlags
	var maxPages, maxDepth int
	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Crawl a site from a start page and scan every page found",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agg := allylabsdk.NewSiteAggregator(eventPrinter(os.Stdout))
			var site report.SiteScanResult
			if c := remoteClient(); c != nil {
				req, err := f.remoteRequest(args[0])
				if err != nil {
					return err
				}
				site, err = c.Crawl(cmd.Context(), allylabsdk.CrawlRequest{ScanRequest: req, MaxPages: maxPages, MaxDepth: maxDepth}, agg)
				if err != nil && !errors.Is(err, allylabsdk.ErrPageDivergence) {
					return err
				}
				warnDivergence(err)
				return printSiteResult(site, agg.Pages())
			}
			page, err := f.request(args[0])
			if err != nil {
				return err
			}
			req := scanner.CrawlRequest{Request: page, MaxPages: maxPages, MaxDepth: maxDepth}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.PrepareCrawl(&req); err != nil {
					return err
				}
				raw, err := streamLocal(ctx, func(ctx context.Context, sink scanner.Sink) error {
					_, err := rt.Engine.Crawl(ctx, req, sink)
					return err
				}, agg.Observe)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(raw, &site); err != nil {
					return fmt.Errorf("decode site result: %w", err)
				}
				warnDivergence(agg.Complete(site))
				return printSiteResult(site, agg.Pages())
			})
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "pages to scan (defaults to config, capped at 50)")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "link depth to follow (defaults to config, capped at 5)")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <scan-id>",
		Short: "Follow a scan running on the server given by --server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := remoteClient()
			if c == nil {
				return errors.New("watch needs --server")
			}
			return c.Watch(cmd.Context(), args[0], eventPrinter(os.Stdout))
		},
	}
}

// streamLocal runs produce against an in-process event stream and reads it back the way a
// remote client reads the HTTP one. A failure before the first event is returned as is.
func streamLocal(ctx context.Context, produce func(context.Context, scanner.Sink) error, observer scanstream.Observer) (json.RawMessage, error) {
	pr, pw := io.Pipe()
	g, ctx := errgroup.WithContext(ctx)
	var produceErr error
	g.Go(func() error {
		produceErr = produce(ctx, scanstream.NewEncoder(pw))
		pw.Close()
		return nil
	})
	var raw json.RawMessage
	g.Go(func() error {
		var err error
		raw, err = scanstream.Consume(ctx, pr, observer)
		pr.CloseWithError(err)
		return err
	})
	err := g.Wait()
	if errors.Is(err, scanstream.ErrNoResults) && produceErr != nil {
		return nil, produceErr
	}
	return raw, err
}

func warnDivergence(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
}

// eventPrinter prints one line per event, or the event object with --json.
func eventPrinter(w io.Writer) scanstream.Observer {
	asJSON := viper.GetBool("json")
	return func(env scanstream.Envelope) {
		if asJSON {
			b, err := json.Marshal(env.Message())
			if err == nil {
				fmt.Fprintln(w, string(b))
			}
			return
		}
		switch p := env.Payload.(type) {
		case scanstream.StatusPayload:
			fmt.Fprintf(w, "[%s] %s\n", p.Phase, p.Message)
		case scanstream.ProgressPayload:
			fmt.Fprintf(w, "%3d%% %s\n", p.Percent, p.Message)
		case scanstream.FindingPayload:
			fmt.Fprintf(w, "  %-8s %s %s\n", p.Severity, p.RuleID, p.Selector)
		case scanstream.PagePayload:
			fmt.Fprintf(w, "page %s score %d, %d issues\n", p.URL, p.Score, p.TotalIssues)
		case scanstream.ErrorPayload:
			fmt.Fprintf(w, "error: %s\n", p.Message)
		}
	}
}

func printScanResult(res report.ScanResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	printScanHeader(res)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Severity", "Rule", "Selector", "WCAG"})
	for _, f := range res.Findings {
		tw.AppendRow(table.Row{f.Severity, f.RuleID, f.Selector, strings.Join(f.WCAGTags, ",")})
	}
	tw.Render()
	return nil
}

// printStreamSummary closes a stream whose findings were already printed as they arrived.
func printStreamSummary(res report.ScanResult) error {
	if viper.GetBool("json") {
		return nil
	}
	printScanHeader(res)
	return nil
}

func printScanHeader(res report.ScanResult) {
	fmt.Printf("%s score %d (%s, %s): %d issues, %d critical, %d serious, %d moderate, %d minor\n",
		res.URL, res.Score, res.Standard, res.Viewport, res.TotalIssues,
		res.Critical, res.Serious, res.Moderate, res.Minor)
}

func printSiteResult(site report.SiteScanResult, pages []report.PageResult) error {
	if viper.GetBool("json") {
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"URL", "Score", "Issues", "Critical", "Serious"})
	for _, p := range pages {
		tw.AppendRow(table.Row{p.URL, p.Score, p.TotalIssues, p.Critical, p.Serious})
	}
	tw.AppendFooter(table.Row{fmt.Sprintf("%d pages", site.PagesScanned), site.AverageScore, site.TotalIssues, site.Critical, site.Serious})
	tw.Render()
	return nil
}
