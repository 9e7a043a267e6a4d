package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config stores runtime configuration for the capture client.
type Config struct {
	Service  ServiceConfig
	Audio    AudioConfig
	Session  SessionConfig
	HTTP     HTTPConfig
	Storage  StorageConfig
	Export   ExportConfig
	Identity IdentityConfig
	Log      LogConfig
}

type ServiceConfig struct {
	URL            string
	ConnectTimeout time.Duration
}

type AudioConfig struct {
	Backend         string
	RecorderCommand string
	InputFormat     string
	InputDevice     string
	SampleRate      int
	Channels        int
	ChunkInterval   time.Duration
}

type SessionConfig struct {
	// Template is the raw template text applied at startup.
	Template        string
	FinalizeTimeout time.Duration
	// AutoConnect opens the socket at startup instead of waiting for a
	// connect command.
	AutoConnect bool
}

type HTTPConfig struct {
	Addr string
}

type StorageConfig struct {
	// DatabaseURL selects Postgres; empty keeps templates in memory.
	DatabaseURL string
}

type ExportConfig struct {
	Dir         string
	NATSURL     string
	NATSSubject string
}

type IdentityConfig struct {
	Name  string
	Email string
}

type LogConfig struct {
	Level string
	Dir   string
}

// Load resolves configuration from environment variables and sensible defaults.
func Load() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}

	templateText, err := loadTemplate(home)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Service: ServiceConfig{
			URL:            envOrDefault("VOICEFORM_SERVICE_URL", "ws://localhost:8000/ws/transcribe"),
			ConnectTimeout: time.Duration(envOrDefaultInt("VOICEFORM_CONNECT_TIMEOUT_MS", 3000)) * time.Millisecond,
		},
		Audio: AudioConfig{
			Backend:         strings.ToLower(envOrDefault("VOICEFORM_AUDIO_BACKEND", "ffmpeg")),
			RecorderCommand: envOrDefault("VOICEFORM_FFMPEG_COMMAND", "ffmpeg"),
			InputFormat:     envOrDefault("VOICEFORM_AUDIO_INPUT_FORMAT", "pulse"),
			InputDevice: firstNonEmpty(
				os.Getenv("VOICEFORM_AUDIO_INPUT_DEVICE"),
				os.Getenv("PULSE_SOURCE"),
				"default",
			),
			SampleRate:    envOrDefaultInt("VOICEFORM_SAMPLE_RATE", 16000),
			Channels:      envOrDefaultInt("VOICEFORM_CHANNELS", 1),
			ChunkInterval: time.Duration(envOrDefaultInt("VOICEFORM_CHUNK_INTERVAL_MS", 250)) * time.Millisecond,
		},
		Session: SessionConfig{
			Template:        templateText,
			FinalizeTimeout: time.Duration(nonNegativeInt("VOICEFORM_FINALIZE_TIMEOUT_MS", 15000)) * time.Millisecond,
			AutoConnect:     envOrDefaultBool("VOICEFORM_AUTO_CONNECT", true),
		},
		HTTP: HTTPConfig{
			Addr: envOrDefault("VOICEFORM_HTTP_ADDR", "127.0.0.1:8790"),
		},
		Storage: StorageConfig{
			DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		},
		Export: ExportConfig{
			Dir:         envOrDefault("VOICEFORM_EXPORT_DIR", filepath.Join(dataHome(home), "voiceform", "exports")),
			NATSURL:     strings.TrimSpace(os.Getenv("NATS_URL")),
			NATSSubject: envOrDefault("VOICEFORM_NATS_SUBJECT", "voiceform.export"),
		},
		Identity: IdentityConfig{
			Name:  firstNonEmpty(os.Getenv("VOICEFORM_USER_NAME"), os.Getenv("USER")),
			Email: strings.TrimSpace(os.Getenv("VOICEFORM_USER_EMAIL")),
		},
		Log: LogConfig{
			Level: strings.ToLower(envOrDefault("VOICEFORM_LOG_LEVEL", "info")),
			Dir:   envOrDefault("VOICEFORM_LOG_DIR", filepath.Join(stateHome(home), "voiceform")),
		},
	}

	if cfg.Service.ConnectTimeout <= 0 {
		cfg.Service.ConnectTimeout = 3 * time.Second
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.ChunkInterval < 20*time.Millisecond {
		cfg.Audio.ChunkInterval = 250 * time.Millisecond
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case strings.HasPrefix(c.Service.URL, "ws://"), strings.HasPrefix(c.Service.URL, "wss://"),
		strings.HasPrefix(c.Service.URL, "http://"), strings.HasPrefix(c.Service.URL, "https://"):
	default:
		return fmt.Errorf("VOICEFORM_SERVICE_URL must be a ws(s) or http(s) URL, got %q", c.Service.URL)
	}
	switch c.Audio.Backend {
	case "ffmpeg", "portaudio":
	default:
		return fmt.Errorf("VOICEFORM_AUDIO_BACKEND must be ffmpeg or portaudio, got %q", c.Audio.Backend)
	}
	return nil
}

// loadTemplate prefers inline template text, then a template file.
func loadTemplate(home string) (string, error) {
	if text := os.Getenv("VOICEFORM_TEMPLATE"); strings.TrimSpace(text) != "" {
		return text, nil
	}

	path := strings.TrimSpace(os.Getenv("VOICEFORM_TEMPLATE_FILE"))
	explicit := path != ""
	if !explicit {
		path = firstExisting(filepath.Join(home, ".config", "voiceform", "template.txt"))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read template file: %w", err)
	}
	return string(raw), nil
}

func dataHome(home string) string {
	return firstNonEmpty(os.Getenv("XDG_DATA_HOME"), filepath.Join(home, ".local", "share"))
}

func stateHome(home string) string {
	return firstNonEmpty(os.Getenv("XDG_STATE_HOME"), filepath.Join(home, ".local", "state"))
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// nonNegativeInt accepts zero, which disables timers configured with it.
func nonNegativeInt(key string, fallback int) int {
	parsed := envOrDefaultInt(key, fallback)
	if parsed < 0 {
		return fallback
	}
	return parsed
}
