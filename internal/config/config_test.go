package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, "wcag21aa", cfg.Scan.Standard)
	assert.Equal(t, 10, cfg.Crawl.MaxPages)
	assert.Equal(t, 2, cfg.Crawl.MaxDepth)
	assert.Equal(t, ".", cfg.Storage.Workspace)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("crawl:\n  max_pages: 25\nlog:\n  level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Crawl.MaxPages)
	assert.Equal(t, 2, cfg.Crawl.MaxDepth)
	assert.Equal(t, 30, cfg.Scan.TimeoutSeconds)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"standard":   "scan:\n  standard: wcag3\n",
		"viewport":   "scan:\n  viewport: watch\n",
		"max pages":  "crawl:\n  max_pages: 51\n",
		"max depth":  "crawl:\n  max_depth: -1\n",
		"level":      "log:\n  level: loud\n",
		"base path":  "server:\n  base_path: v1\n",
		"hook url":   "webhooks:\n  - url: ftp://example.com\n",
		"hook event": "webhooks:\n  - url: https://example.com/hook\n    events: [scan.started]\n",
		"hook glob":  "webhooks:\n  - url: https://example.com/hook\n    events: [\"page.*\"]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestWebhookEventPatterns(t *testing.T) {
	for _, evt := range []string{"*", "scan.*", EventScanCompleted, " scan.failed "} {
		cfg := Default()
		cfg.Webhooks = []WebhookConfig{{URL: "https://example.com/hook", Events: []string{evt}}}
		assert.NoError(t, cfg.Validate(), evt)
	}
	for _, evt := range []string{"scan", "scan*", "page.*", "scan.started", "**"} {
		assert.False(t, ValidEventPattern(evt), evt)
	}
}

func TestWebhookActive(t *testing.T) {
	off := false
	assert.True(t, WebhookConfig{URL: "https://example.com"}.Active())
	assert.False(t, WebhookConfig{URL: "https://example.com", Enabled: &off}.Active())
	assert.False(t, WebhookConfig{}.Active())
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "allylab.yml"), []byte("server:\n  addr: :9999\n"), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)

	_, err = Load(t.TempDir())
	assert.ErrorContains(t, err, "not found")
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Webhooks = []WebhookConfig{{URL: "https://example.com/hook", Events: []string{EventScanFailed}}}
	out, err := cfg.YAML()
	require.NoError(t, err)
	back, err := FromYAML([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)
	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}
