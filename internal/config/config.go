package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"allylab/internal/scanner"
)

// Config models allylab.yml.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Scan     ScanConfig      `yaml:"scan"`
	Crawl    CrawlConfig     `yaml:"crawl"`
	Storage  StorageConfig   `yaml:"storage"`
	Log      LogConfig       `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret,omitempty"`
}

type ScanConfig struct {
	Standard        string `yaml:"standard"`
	Viewport        string `yaml:"viewport"`
	IncludeWarnings bool   `yaml:"include_warnings"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	UserAgent       string `yaml:"user_agent"`
}

type CrawlConfig struct {
	MaxPages          int     `yaml:"max_pages"`
	MaxDepth          int     `yaml:"max_depth"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type StorageConfig struct {
	// Workspace holds the .allylab directory. Empty disables scan history.
	Workspace string `yaml:"workspace"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// WebhookConfig is a receiver notified when scans finish.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Webhook event names.
const (
	EventScanCompleted = "scan.completed"
	EventScanFailed    = "scan.failed"
)

// Active reports whether the webhook should receive deliveries.
func (w WebhookConfig) Active() bool {
	return strings.TrimSpace(w.URL) != "" && (w.Enabled == nil || *w.Enabled)
}

// Timeout returns the scan fetch timeout.
func (s ScanConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Limits returns the default crawl limits.
func (c CrawlConfig) Limits() scanner.CrawlLimits {
	return scanner.CrawlLimits{MaxPages: c.MaxPages, MaxDepth: c.MaxDepth}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Scan.Standard != "" && !scanner.ValidStandard(c.Scan.Standard) {
		return fmt.Errorf("config.scan.standard %q is not supported", c.Scan.Standard)
	}
	if c.Scan.Viewport != "" && !scanner.ValidViewport(c.Scan.Viewport) {
		return fmt.Errorf("config.scan.viewport %q is not supported", c.Scan.Viewport)
	}
	if c.Scan.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.scan.timeout_seconds must be positive")
	}
	if c.Crawl.MaxPages < 0 || c.Crawl.MaxPages > scanner.MaxPagesCap {
		return fmt.Errorf("config.crawl.max_pages must be between 0 and %d", scanner.MaxPagesCap)
	}
	if c.Crawl.MaxDepth < 0 || c.Crawl.MaxDepth > scanner.MaxDepthCap {
		return fmt.Errorf("config.crawl.max_depth must be between 0 and %d", scanner.MaxDepthCap)
	}
	if c.Crawl.RequestsPerSecond < 0 {
		return fmt.Errorf("config.crawl.requests_per_second must not be negative")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(strings.TrimSpace(hook.URL))
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("webhook %d has invalid url %q", i, hook.URL)
		}
		for _, evt := range hook.Events {
			if !ValidEventPattern(evt) {
				return fmt.Errorf("webhook %d has unknown event %q", i, evt)
			}
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// ValidEventPattern reports whether evt is a webhook event filter: an event name, "*", or a
// "prefix.*" pattern matching at least one event.
func ValidEventPattern(evt string) bool {
	evt = strings.TrimSpace(evt)
	switch evt {
	case "*", EventScanCompleted, EventScanFailed:
		return true
	}
	prefix, ok := strings.CutSuffix(evt, "*")
	if !ok || !strings.HasSuffix(prefix, ".") {
		return false
	}
	return strings.HasPrefix(EventScanCompleted, prefix) || strings.HasPrefix(EventScanFailed, prefix)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "allylab.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with allylab config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from data keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders cfg as it would be written to allylab.yml.
func (c *Config) YAML() (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ParseLevel maps a config log level to a slog level. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", level)
	}
}

// BuildLogger returns a text logger on stderr at the given level.
func BuildLogger(level string) *slog.Logger {
	lvl, _ := ParseLevel(level)
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

scan:
  standard: wcag21aa
  viewport: desktop
  include_warnings: false
  timeout_seconds: 30
  user_agent: AllyLab/1.0 (+accessibility scanner)

crawl:
  max_pages: 10
  max_depth: 2
  requests_per_second: 2

storage:
  workspace: .

log:
  level: info
`
