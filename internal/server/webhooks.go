package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"allylab/internal/config"
	"allylab/internal/domain"
	"allylab/internal/repo"
	"allylab/pkg/scanstream"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookQueue   = 256
)

// WebhookDispatcher notifies configured receivers when scans finish. It is an
// engine.Publisher: Finish queues a delivery and Run posts queued deliveries.
type WebhookDispatcher struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *slog.Logger
	queue    chan string
}

// NewWebhookDispatcher returns nil when no webhook is active.
func NewWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	var active []config.WebhookConfig
	for _, hook := range hooks {
		if hook.Active() {
			active = append(active, hook)
		}
	}
	if len(active) == 0 || r.DB == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		repo:     r,
		webhooks: active,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger,
		queue:    make(chan string, defaultWebhookQueue),
	}
}

func (d *WebhookDispatcher) Open(string) {}

func (d *WebhookDispatcher) Publish(string, scanstream.Message) {}

func (d *WebhookDispatcher) Finish(scanID string) {
	select {
	case d.queue <- scanID:
	default:
		d.logger.Warn("webhook: queue full, dropping delivery", "scan_id", scanID)
	}
}

// Run delivers queued notifications until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case scanID := <-d.queue:
			d.dispatch(ctx, scanID)
		}
	}
}

func (d *WebhookDispatcher) dispatch(ctx context.Context, scanID string) {
	scan, err := d.repo.GetScan(ctx, scanID)
	if err != nil {
		d.logger.Warn("webhook: load scan failed", "scan_id", scanID, "error", err)
		return
	}
	evt := webhookEventFor(scan)
	if evt == "" {
		return
	}
	for _, hook := range d.webhooks {
		if !newEventFilter(hook.Events).match(evt) {
			continue
		}
		if err := d.post(ctx, hook, evt, scan); err != nil {
			d.logger.Warn("webhook: deliver failed", "url", hook.URL, "scan_id", scanID, "error", err)
		}
	}
}

func webhookEventFor(scan domain.Scan) string {
	switch scan.Status {
	case domain.StatusCompleted:
		return config.EventScanCompleted
	case domain.StatusFailed:
		return config.EventScanFailed
	default:
		return ""
	}
}

type webhookEvent struct {
	Type string          `json:"type"`
	Scan ScanResponse    `json:"scan"`
	Data json.RawMessage `json:"result,omitempty"`
}

func (d *WebhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, evt string, scan domain.Scan) error {
	body := webhookEvent{Type: evt, Scan: scanResponse(scan)}
	if scan.ResultJSON != nil && json.Valid([]byte(*scan.ResultJSON)) {
		body.Data = json.RawMessage(*scan.ResultJSON)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-AllyLab-Event", evt)
	req.Header.Set("X-AllyLab-Delivery", scan.ID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-AllyLab-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

// newEventFilter accepts event names, "*" and "prefix.*" patterns. No events means all.
func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	var prefixes []string
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
			continue
		case key == "*":
			return eventFilter{all: true}
		case strings.HasSuffix(key, ".*"):
			prefixes = append(prefixes, strings.TrimSuffix(key, "*"))
		default:
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 && len(prefixes) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set, prefixes: prefixes}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
