package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"allylab/internal/config"
	"allylab/internal/scanner"
	"allylab/pkg/report"
	"allylab/pkg/scanstream"
)

func TestParseAuth(t *testing.T) {
	auth, err := parseAuth(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, auth)

	auth, err = parseAuth([]string{"Authorization: Bearer abc", "X-Env:staging"}, []string{"session=s=1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Authorization": "Bearer abc", "X-Env": "staging"}, auth.Headers)
	assert.Equal(t, []scanner.Cookie{{Name: "session", Value: "s=1"}}, auth.Cookies)

	_, err = parseAuth([]string{"no-colon"}, nil)
	assert.Error(t, err)
	_, err = parseAuth(nil, []string{"=value"})
	assert.Error(t, err)
}

func TestStreamLocalDeliversEventsAndResult(t *testing.T) {
	var seen []scanstream.EventType
	raw, err := streamLocal(context.Background(), func(ctx context.Context, sink scanner.Sink) error {
		if err := sink.Encode(scanstream.EventStatus, scanstream.StatusPayload{Phase: "fetching", Message: "Fetching page"}); err != nil {
			return err
		}
		return sink.Encode(scanstream.EventComplete, report.ScanResult{URL: "https://example.com", Score: 90})
	}, func(env scanstream.Envelope) {
		seen = append(seen, env.Type)
	})
	require.NoError(t, err)
	assert.Equal(t, []scanstream.EventType{scanstream.EventStatus, scanstream.EventComplete}, seen)

	var res report.ScanResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, 90, res.Score)
}

func TestStreamLocalReportsScanError(t *testing.T) {
	_, err := streamLocal(context.Background(), func(ctx context.Context, sink scanner.Sink) error {
		_ = sink.Encode(scanstream.EventError, scanstream.ErrorPayload{Message: "Failed to fetch page: HTTP 404"})
		return errors.New("fetch failed")
	}, nil)
	var scanErr *scanstream.ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, "Failed to fetch page: HTTP 404", scanErr.Message)
}

func TestStreamLocalReturnsEarlyFailure(t *testing.T) {
	boom := errors.New("insert scan: disk full")
	_, err := streamLocal(context.Background(), func(ctx context.Context, sink scanner.Sink) error {
		return boom
	}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestRedactedMasksSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.Server.JWTSecret = "s3cret"
	cfg.Webhooks = []config.WebhookConfig{{URL: "https://hooks.example.com", Secret: "hook"}}

	out := redacted(cfg)
	assert.Equal(t, "********", out.Server.JWTSecret)
	assert.Equal(t, "********", out.Webhooks[0].Secret)
	assert.Equal(t, "s3cret", cfg.Server.JWTSecret)
	assert.Equal(t, "hook", cfg.Webhooks[0].Secret)
}
