package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MegaGrindStone/mcp-engine/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLogLevel(tt.input); got != tt.want {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLoggerTo(&buf, config.LogConfig{Level: "info", Format: "json"})
	logger.Debug("hidden")
	logger.Info("shown", "key", "value")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record written at info level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"key":"value"`) {
		t.Errorf("expected JSON record, got %s", out)
	}
}

func TestTokenAuthenticator(t *testing.T) {
	if tokenAuthenticator(nil) != nil {
		t.Fatal("expected nil authenticator without tokens")
	}

	auth := tokenAuthenticator([]string{"alpha", "beta"})
	for token, want := range map[string]bool{"alpha": true, "beta": true, "gamma": false, "": false} {
		if got := auth(token); got != want {
			t.Errorf("auth(%q) = %v, want %v", token, got, want)
		}
	}
}

func TestSetupTracingDisabled(t *testing.T) {
	cfg := &config.Config{}
	tp, shutdown, err := setupTracing(context.Background(), cfg)
	if err != nil {
		t.Fatalf("setupTracing() error = %v", err)
	}
	if tp == nil {
		t.Fatal("expected a tracer provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestBearerTransport(t *testing.T) {
	var got string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer ts.Close()

	client := &http.Client{Transport: bearerTransport{token: "secret", base: http.DefaultTransport}}
	resp, err := client.Get(ts.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if got != "Bearer secret" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer secret")
	}
}
