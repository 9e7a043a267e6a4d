package extraction

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voiceform/internal/ports"
)

// Config controls how the extraction service websocket is dialed.
type Config struct {
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Dialer implements ports.Dialer with gorilla/websocket.
type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewDialer(cfg Config) *Dialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = cfg.HandshakeTimeout
	return &Dialer{cfg: cfg, dialer: &dialer}
}

func (d *Dialer) Dial(ctx context.Context, endpoint string) (ports.Socket, error) {
	wsURL, err := buildSocketURL(endpoint)
	if err != nil {
		return nil, err
	}

	conn, _, err := d.dialer.DialContext(ctx, wsURL, d.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to extraction websocket: %w", err)
	}
	return &socket{conn: conn, writeTimeout: d.cfg.WriteTimeout}, nil
}

type socket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    bool
}

func (s *socket) WriteText(payload []byte) error {
	return s.write(websocket.TextMessage, payload)
}

func (s *socket) WriteBinary(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	return s.write(websocket.BinaryMessage, payload)
}

func (s *socket) write(messageType int, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ports.ErrSocketClosed
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := s.conn.WriteMessage(messageType, payload); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame blocks for the next data frame. A normal close from the peer
// is reported as ports.ErrSocketClosed.
func (s *socket) ReadFrame() (ports.Frame, error) {
	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			return ports.Frame{}, normalizeReadErr(err)
		}
		switch messageType {
		case websocket.TextMessage:
			return ports.Frame{Kind: ports.FrameText, Payload: payload}, nil
		case websocket.BinaryMessage:
			return ports.Frame{Kind: ports.FrameBinary, Payload: payload}, nil
		}
	}
}

func (s *socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.closed = true
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func normalizeReadErr(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return ports.ErrSocketClosed
	}
	return fmt.Errorf("failed to read frame: %w", err)
}

func buildSocketURL(endpoint string) (string, error) {
	base := strings.TrimSpace(endpoint)
	if base == "" {
		return "", errors.New("extraction service URL is not configured")
	}

	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid extraction service URL: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid extraction service URL scheme %q", parsed.Scheme)
	}
	return parsed.String(), nil
}
