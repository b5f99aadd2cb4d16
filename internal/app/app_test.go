package app

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/multitask/messenger/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBootstrap_EnvCredentials(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.AccessToken = "opaque"
	cfg.Auth.UserID = 4
	cfg.Auth.Username = "alice"

	d, err := Bootstrap(context.Background(), cfg, "", quietLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer d.Close()

	if d.Self().ID != 4 || d.Creds.Token() != "opaque" {
		t.Errorf("unexpected credentials: %+v", d.Self())
	}
	if d.Redis != nil || d.Relay != nil || d.Drafts() != nil {
		t.Errorf("unconfigured services should stay nil")
	}
	if d.API == nil {
		t.Errorf("api client not built")
	}
}

func TestBootstrap_NoCredentials(t *testing.T) {
	_, err := Bootstrap(context.Background(), config.Default(), "", quietLogger())
	if err == nil || !strings.Contains(err.Error(), "ACCESS_TOKEN") {
		t.Fatalf("expected a missing credentials error, got %v", err)
	}
}

func TestMetricsServer(t *testing.T) {
	srv := NewMetricsServer(":0")

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("health: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "messenger_") {
		t.Errorf("metrics endpoint missing collectors: %d", rec.Code)
	}
}
