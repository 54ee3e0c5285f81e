package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"allylab/internal/domain"
	"allylab/internal/engine"
	"allylab/internal/repo"
	"allylab/internal/scanner"
	"allylab/pkg/report"
	"allylab/pkg/scanstream"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Hub serves live subscribers. When nil a hub is created and, if the engine has no
	// publisher, installed as its publisher.
	Hub    *Hub
	Logger *slog.Logger
}

// apiError is the error body of every non-2xx response.
type apiError struct {
	status  int
	Message string `json:"error" example:"invalid scan request: url is required"`
	Code    string `json:"code" example:"bad_request"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

// New returns an HTTP handler exposing the AllyLab API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(logger)
	}
	if cfg.Engine.Live == nil {
		cfg.Engine.Live = cfg.Hub
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", withDetails(msg, errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", withDetails(msg, errs))
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("AllyLab API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerScan(group, cfg.Engine)
	registerStreams(group, cfg.Engine, logger)
	if cfg.Engine.DB != nil {
		registerScans(group, cfg.Engine)
	}
	registerLive(router, basePath, cfg.Hub)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Message: message, Code: code}
}

// withDetails appends the individual validation errors to msg.
func withDetails(msg string, errs []error) string {
	var parts []string
	for _, err := range errs {
		if err != nil {
			parts = append(parts, err.Error())
		}
	}
	if len(parts) == 0 {
		return msg
	}
	return msg + ": " + strings.Join(parts, "; ")
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe *scanner.FetchError
	switch {
	case errors.Is(err, scanner.ErrInvalidRequest):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, engine.ErrScanRunning):
		return newAPIError(http.StatusConflict, "scan_running", err.Error())
	case errors.As(err, &fe), errors.Is(err, scanner.ErrNoPages):
		return newAPIError(http.StatusBadGateway, "scan_failed", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "canceled", err.Error())
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(started),
			)
		})
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>AllyLab API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      When the server has a JWT secret, authenticate with Authorization: Bearer &lt;token&gt;.
      Event streams are text/event-stream and cannot be tried from this page.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerScan(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "scan",
		Method:      http.MethodPost,
		Path:        "/scan",
		Summary:     "Scan a page and wait for the result",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body ScanRequest `json:"body"`
	}) (*struct {
		Body report.ScanResult `json:"body"`
	}, error) {
		res, err := e.ScanPage(ctx, input.Body.toScanner(), nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body report.ScanResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerStreams(api huma.API, e engine.Engine, logger *slog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "scan-stream",
		Method:      http.MethodPost,
		Path:        "/scan/stream",
		Summary:     "Scan a page as an event stream",
		Description: "Streams status, progress and finding events, then one complete or error event.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ScanRequest `json:"body"`
	}) (*huma.StreamResponse, error) {
		req := input.Body.toScanner()
		if err := e.Prepare(&req); err != nil {
			return nil, handleError(err)
		}
		scan, err := e.Begin(ctx, domain.KindPage, req)
		if err != nil {
			return nil, handleError(err)
		}
		logger.Info("scan stream opened", "scan_id", scan.ID, "url", scan.URL, "subject", subjectFromContext(ctx))
		return eventStream(scan, func(ctx context.Context, enc *scanstream.Encoder) {
			_, _ = e.RunPage(ctx, scan, req, enc)
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "crawl-stream",
		Method:      http.MethodPost,
		Path:        "/crawl/stream",
		Summary:     "Crawl a site as an event stream",
		Description: "Streams status and progress events, one page event per scanned page, then one complete or error event.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CrawlRequest `json:"body"`
	}) (*huma.StreamResponse, error) {
		req := input.Body.toScanner()
		if err := e.PrepareCrawl(&req); err != nil {
			return nil, handleError(err)
		}
		scan, err := e.Begin(ctx, domain.KindSite, req.Request)
		if err != nil {
			return nil, handleError(err)
		}
		logger.Info("crawl stream opened", "scan_id", scan.ID, "url", scan.URL, "max_pages", req.MaxPages, "max_depth", req.MaxDepth, "subject", subjectFromContext(ctx))
		return eventStream(scan, func(ctx context.Context, enc *scanstream.Encoder) {
			_, _ = e.RunCrawl(ctx, scan, req, enc)
		}), nil
	})
}

// eventStream writes the stream headers and hands run an encoder over the response.
func eventStream(scan domain.Scan, run func(context.Context, *scanstream.Encoder)) *huma.StreamResponse {
	return &huma.StreamResponse{Body: func(hctx huma.Context) {
		hctx.SetHeader("Content-Type", "text/event-stream")
		hctx.SetHeader("Cache-Control", "no-cache")
		hctx.SetHeader("Connection", "keep-alive")
		hctx.SetHeader("X-Scan-Id", scan.ID)
		hctx.SetStatus(http.StatusOK)
		run(hctx.Context(), scanstream.NewEncoder(hctx.BodyWriter()))
	}}
}

func registerScans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-scans",
		Method:      http.MethodGet,
		Path:        "/scans",
		Summary:     "List stored scans, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind   string `query:"kind" enum:"page,site"`
		Status string `query:"status" enum:"running,completed,failed"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedScans `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreatedAt, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor")
		}
		items, err := e.Repo.ListScans(ctx, repo.ScanFilter{
			Kind:            input.Kind,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreatedAt,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedScans{}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = mapScans(items)
		return &struct {
			Body paginatedScans `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-scan",
		Method:      http.MethodGet,
		Path:        "/scans/{id}",
		Summary:     "Get a stored scan with its result",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ScanDetailResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetScan(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScanDetailResponse `json:"body"`
		}{Body: scanDetailResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-scan",
		Method:        http.MethodDelete,
		Path:          "/scans/{id}",
		Summary:       "Delete a finished scan and its events",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteScan(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-scan-events",
		Method:      http.MethodGet,
		Path:        "/scans/{id}/events",
		Summary:     "List the stored events of a scan in sequence order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		After int64  `query:"after" minimum:"0" doc:"return events with a greater seq"`
		Limit int    `query:"limit" default:"200"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		msgs, err := e.Replay(ctx, input.ID, input.After, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(msgs) > limit {
			resp.NextCursor = fmt.Sprintf("%d", msgs[limit-1].Seq)
			msgs = msgs[:limit]
		}
		for _, m := range msgs {
			resp.Items = append(resp.Items, eventResponse(m))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

// registerLive mounts the websocket route outside huma, which has no upgrade support.
func registerLive(r chi.Router, basePath string, hub *Hub) {
	r.Get(path.Join(basePath, "scans/{id}/live"), hub.ServeLive)
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
