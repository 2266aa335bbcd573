package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"bhaichat/internal/config"
)

func memoryConfig(t *testing.T, backendURL string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Auth.UserID = "rahul"
	cfg.Backend.BaseURL = backendURL
	cfg.Cache.Driver = "sqlite"
	cfg.Cache.DBPath = filepath.Join(t.TempDir(), "pointer.db")
	cfg.Remote.Driver = "memory"
	return cfg
}

func TestNewRuntime_ChatRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/chat":
			_, _ = io.WriteString(w, `{"message": "haan bhai"}`)
		case "/mistral-heading":
			_, _ = io.WriteString(w, `{"heading": "Greetings"}`)
		}
	}))
	defer srv.Close()

	cfg := memoryConfig(t, srv.URL)
	cfg.Metrics.Enabled = true
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	rt, err := newRuntime(ctx, cfg, quiet)
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	defer rt.Close()
	if rt.metricsHandler == nil {
		t.Fatal("metrics handler should be set when metrics are enabled")
	}

	if err := rt.session.SignIn(ctx, identityFrom(cfg)); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	res, err := rt.session.SendMessage(ctx, "namaste")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if res.Reply.Text != "haan bhai" {
		t.Fatalf("unexpected reply %q", res.Reply.Text)
	}
	if got := rt.session.Active().Title; got != "Greetings" {
		t.Fatalf("expected heading title, got %q", got)
	}

	rec := httptest.NewRecorder()
	rt.metricsHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "bhaichat_") {
		t.Fatal("metrics output should contain bhaichat series")
	}
}

func TestNewRuntime_UnknownPersonality(t *testing.T) {
	cfg := memoryConfig(t, "http://localhost:1")
	cfg.Chat.DefaultPersonality = "nobody_bhai"
	if _, err := newRuntime(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for unknown default personality")
	}
}

func TestOpenKV_UnknownDriver(t *testing.T) {
	cfg := config.Defaults()
	cfg.Cache.Driver = "floppy"
	if _, err := openKV(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "warn")
	l.Info("hidden")
	l.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected log output: %q", out)
	}
}
