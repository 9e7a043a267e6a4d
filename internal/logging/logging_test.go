package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewWritesToLogFile(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "state")
	logger, closer, err := New("debug", dir)
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	if logger.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("unexpected level: %s", logger.GetLevel())
	}

	logger.Info().Str("component", "test").Msg("hello file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(raw), `"message":"hello file"`) || !strings.Contains(string(raw), `"component":"test"`) {
		t.Fatalf("unexpected log contents: %s", raw)
	}
}

func TestNewFallsBackToInfo(t *testing.T) {
	t.Parallel()

	logger, closer, err := New("loud", "")
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	defer closer.Close()
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info fallback, got %s", logger.GetLevel())
	}
}
