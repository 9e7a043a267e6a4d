package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"voiceform/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Service: config.ServiceConfig{URL: "ws://127.0.0.1:1/ws", ConnectTimeout: 50 * time.Millisecond},
		Audio: config.AudioConfig{
			Backend:         "ffmpeg",
			RecorderCommand: "ffmpeg",
			InputFormat:     "pulse",
			InputDevice:     "default",
			SampleRate:      16000,
			Channels:        1,
			ChunkInterval:   250 * time.Millisecond,
		},
		Session: config.SessionConfig{Template: "ID: name, email"},
		HTTP:    config.HTTPConfig{Addr: "127.0.0.1:0"},
		Export:  config.ExportConfig{Dir: filepath.Join(t.TempDir(), "exports"), NATSSubject: "voiceform.export"},
	}
}

func TestBuildSuccess(t *testing.T) {
	t.Parallel()

	services, err := Build(context.Background(), testConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer services.Close()

	if services.Session == nil || services.Server == nil || services.Templates == nil {
		t.Fatalf("expected a complete service graph")
	}
	if names := services.Exporters.Names(); len(names) != 2 {
		t.Fatalf("expected clipboard and file exporters, got %v", names)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = services.Session.Run(ctx) }()
	defer func() {
		cancel()
		<-services.Session.Done()
	}()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	w := httptest.NewRecorder()
	services.Server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from wired server, got %d", w.Code)
	}
}

func TestBuildFailsOnUnknownBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Audio.Backend = "alsa"
	if _, err := Build(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatalf("expected build error for unknown audio backend")
	}
}
