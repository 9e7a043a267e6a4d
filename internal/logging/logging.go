package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

const fileName = "voiceform.log"

// New creates a zerolog logger writing to the console and to a log file
// under dir. The returned closer releases the file.
func New(level, dir string) (zerolog.Logger, io.Closer, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if dir == "" {
		return newLogger(console, lvl), nopCloser{}, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return newLogger(console, lvl), nopCloser{}, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(dir, fileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return newLogger(console, lvl), nopCloser{}, fmt.Errorf("open log file: %w", err)
	}

	multi := zerolog.MultiLevelWriter(console, logFile)
	return newLogger(multi, lvl), logFile, nil
}

func newLogger(w io.Writer, lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(lvl).With().Timestamp().Caller().Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
