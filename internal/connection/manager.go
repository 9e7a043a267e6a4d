// Package connection owns the single socket to the extraction service.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voiceform/internal/domain"
	"voiceform/internal/ports"
)

// TimeoutReason is reported when a connect attempt does not open in time.
const TimeoutReason = "connection timeout — verify the service is reachable"

const defaultConnectTimeout = 3 * time.Second

// Config controls where and how long the manager dials.
type Config struct {
	Endpoint       string
	ConnectTimeout time.Duration
}

// Manager owns at most one socket. Only the socket opening or the connect
// deadline decide the outcome of an attempt; dial errors are logged and
// otherwise ignored.
type Manager struct {
	dialer ports.Dialer
	cfg    Config
	log    zerolog.Logger

	mu         sync.Mutex
	status     domain.ConnectionStatus
	socket     ports.Socket
	attempt    uint64
	timer      *time.Timer
	cancelDial context.CancelFunc

	statusObservers []func(domain.ConnectionStatus)
	frameObservers  []func(ports.Frame)

	// emitMu orders status delivery; statuses from a superseded attempt
	// are dropped under it.
	emitMu sync.Mutex
}

func NewManager(dialer ports.Dialer, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return &Manager{
		dialer: dialer,
		cfg:    cfg,
		log:    logger.With().Str("component", "connection").Logger(),
		status: domain.ConnectionStatus{State: domain.ConnectionDisconnected},
	}
}

// OnStatus registers an observer called synchronously on every change.
// Observers must not call Connect or Close.
func (m *Manager) OnStatus(fn func(domain.ConnectionStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusObservers = append(m.statusObservers, fn)
}

// OnFrame registers an observer for inbound frames.
func (m *Manager) OnFrame(fn func(ports.Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameObservers = append(m.frameObservers, fn)
}

func (m *Manager) Status() domain.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connect starts a new attempt unless one is open or in flight.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.status.State == domain.ConnectionConnected || m.status.State == domain.ConnectionConnecting {
		m.mu.Unlock()
		return
	}
	m.attempt++
	id := m.attempt
	m.status = domain.ConnectionStatus{State: domain.ConnectionConnecting}
	status := m.status
	m.mu.Unlock()

	m.log.Info().Str("endpoint", m.cfg.Endpoint).Uint64("attempt", id).Msg("connecting")
	m.emitStatus(id, status)

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.attempt != id {
		m.mu.Unlock()
		cancel()
		return
	}
	m.cancelDial = cancel
	m.timer = time.AfterFunc(m.cfg.ConnectTimeout, func() { m.expire(id) })
	m.mu.Unlock()

	go m.dial(ctx, id)
}

// SendText writes a control frame. It reports false without writing when
// no socket is open.
func (m *Manager) SendText(payload []byte) bool {
	return m.send(payload, func(s ports.Socket) error { return s.WriteText(payload) })
}

// SendBinary writes an audio frame. It reports false without writing when
// no socket is open.
func (m *Manager) SendBinary(payload []byte) bool {
	return m.send(payload, func(s ports.Socket) error { return s.WriteBinary(payload) })
}

func (m *Manager) send(payload []byte, write func(ports.Socket) error) bool {
	m.mu.Lock()
	sock := m.socket
	m.mu.Unlock()
	if sock == nil {
		return false
	}
	if err := write(sock); err != nil {
		m.log.Debug().Err(err).Int("bytes", len(payload)).Msg("send failed")
		return false
	}
	return true
}

// Close abandons any attempt in flight and releases the socket. Safe to
// call repeatedly.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.attempt++
	id := m.attempt
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	sock := m.socket
	m.socket = nil
	changed := m.status.State != domain.ConnectionDisconnected
	m.status = domain.ConnectionStatus{State: domain.ConnectionDisconnected}
	status := m.status
	m.mu.Unlock()

	var err error
	if sock != nil {
		err = sock.Close()
	}
	if changed {
		m.emitStatus(id, status)
	}
	return err
}

func (m *Manager) dial(ctx context.Context, id uint64) {
	sock, err := m.dialer.Dial(ctx, m.cfg.Endpoint)
	if err != nil {
		// The deadline decides; a dial error alone is not authoritative.
		m.log.Debug().Err(err).Uint64("attempt", id).Msg("dial error")
		return
	}
	m.opened(id, sock)
}

func (m *Manager) opened(id uint64, sock ports.Socket) {
	m.mu.Lock()
	if id != m.attempt || m.status.State != domain.ConnectionConnecting {
		m.mu.Unlock()
		m.log.Debug().Uint64("attempt", id).Msg("late socket open discarded")
		_ = sock.Close()
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.cancelDial = nil
	m.socket = sock
	m.status = domain.ConnectionStatus{State: domain.ConnectionConnected}
	status := m.status
	m.mu.Unlock()

	m.log.Info().Uint64("attempt", id).Msg("connected")
	m.emitStatus(id, status)
	go m.readLoop(id, sock)
}

func (m *Manager) expire(id uint64) {
	m.mu.Lock()
	if id != m.attempt || m.status.State != domain.ConnectionConnecting {
		m.mu.Unlock()
		return
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.timer = nil
	m.status = domain.ConnectionStatus{State: domain.ConnectionFailed, Reason: TimeoutReason}
	status := m.status
	m.mu.Unlock()

	m.log.Warn().Uint64("attempt", id).Dur("timeout", m.cfg.ConnectTimeout).Msg("connect timed out")
	m.emitStatus(id, status)
}

func (m *Manager) readLoop(id uint64, sock ports.Socket) {
	for {
		frame, err := sock.ReadFrame()
		if err != nil {
			m.dropped(id, sock, err)
			return
		}
		m.emitFrame(frame)
	}
}

func (m *Manager) dropped(id uint64, sock ports.Socket, err error) {
	m.mu.Lock()
	if m.socket != sock {
		m.mu.Unlock()
		return
	}
	m.socket = nil
	m.status = domain.ConnectionStatus{State: domain.ConnectionDisconnected}
	status := m.status
	m.mu.Unlock()

	_ = sock.Close()
	event := m.log.Warn()
	if errors.Is(err, ports.ErrSocketClosed) {
		event = m.log.Info()
	}
	event.Err(err).Msg("connection closed")
	m.emitStatus(id, status)
}

// emitStatus delivers status produced by attempt id, unless a newer
// attempt has started since.
func (m *Manager) emitStatus(id uint64, status domain.ConnectionStatus) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	current := m.attempt
	observers := append(([]func(domain.ConnectionStatus))(nil), m.statusObservers...)
	m.mu.Unlock()
	if id != current {
		m.log.Debug().Uint64("attempt", id).Uint64("current", current).
			Str("state", string(status.State)).Msg("stale status dropped")
		return
	}
	for _, fn := range observers {
		fn(status)
	}
}

func (m *Manager) emitFrame(frame ports.Frame) {
	m.mu.Lock()
	observers := append(([]func(ports.Frame))(nil), m.frameObservers...)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(frame)
	}
}
