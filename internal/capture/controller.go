// Package capture turns a microphone session into fixed-interval chunks.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voiceform/internal/ports"
)

const DefaultChunkInterval = 250 * time.Millisecond

// Reason distinguishes capture failures so the UI can give device
// specific guidance.
type Reason string

const (
	ReasonPermissionDenied  Reason = "permission_denied"
	ReasonDeviceUnavailable Reason = "device_unavailable"
	ReasonAlreadyActive     Reason = "already_active"
)

// CaptureError is returned by Start and passed to failure callbacks.
type CaptureError struct {
	Reason Reason
	Err    error
}

func (e *CaptureError) Error() string {
	switch e.Reason {
	case ReasonPermissionDenied:
		return fmt.Sprintf("microphone permission denied: %v", e.Err)
	case ReasonAlreadyActive:
		return "capture already active"
	default:
		if e.Err == nil {
			return "microphone unavailable"
		}
		return fmt.Sprintf("microphone unavailable: %v", e.Err)
	}
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// Config describes the device and chunking.
type Config struct {
	Audio         ports.AudioConfig
	ChunkInterval time.Duration
}

// Controller owns the microphone handle. The device is open only between
// a successful Start and the matching Stop or failure.
type Controller struct {
	device ports.AudioCapture
	cfg    Config
	log    zerolog.Logger

	mu      sync.Mutex
	current *activeCapture
}

type activeCapture struct {
	session ports.AudioSession
	cancel  context.CancelFunc
	done    chan struct{}

	stopOnce sync.Once
	stopErr  error
	stopped  chan struct{}
}

func NewController(device ports.AudioCapture, cfg Config, logger zerolog.Logger) *Controller {
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = DefaultChunkInterval
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	return &Controller{
		device: device,
		cfg:    cfg,
		log:    logger.With().Str("component", "capture").Logger(),
	}
}

// ChunkSize is the byte length of one interval of 16-bit PCM.
func (c *Controller) ChunkSize() int {
	return ChunkSize(c.cfg.Audio, c.cfg.ChunkInterval)
}

func ChunkSize(audio ports.AudioConfig, interval time.Duration) int {
	frames := int(int64(audio.SampleRate) * int64(interval) / int64(time.Second))
	size := frames * audio.Channels * 2
	if size < 2 {
		size = 2
	}
	return size
}

func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Start opens the device and emits chunks to onChunk in capture order
// until Stop. onFailure is called at most once if the device fails after
// a successful start.
func (c *Controller) Start(ctx context.Context, onChunk func([]byte), onFailure func(*CaptureError)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		return &CaptureError{Reason: ReasonAlreadyActive}
	}

	captureCtx, cancel := context.WithCancel(ctx)
	session, err := c.device.Start(captureCtx, c.cfg.Audio)
	if err != nil {
		cancel()
		captureErr := classify(err)
		c.log.Warn().Err(err).Str("reason", string(captureErr.Reason)).Msg("capture start failed")
		return captureErr
	}

	active := &activeCapture{
		session: session,
		cancel:  cancel,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	c.current = active

	go c.pump(active, onChunk, onFailure)
	c.log.Info().Int("chunk_bytes", c.ChunkSize()).Msg("capture started")
	return nil
}

// Stop releases the device. It does not wait for the chunk that is being
// delivered, if any. Stopping an idle controller is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	active := c.current
	c.current = nil
	c.mu.Unlock()

	if active == nil {
		return nil
	}
	err := active.stop()
	c.log.Info().Err(err).Msg("capture stopped")
	return err
}

func (a *activeCapture) stop() error {
	a.stopOnce.Do(func() {
		close(a.stopped)
		a.stopErr = a.session.Stop()
		a.cancel()
	})
	return a.stopErr
}

func (a *activeCapture) isStopped() bool {
	select {
	case <-a.stopped:
		return true
	default:
		return false
	}
}

func (c *Controller) pump(active *activeCapture, onChunk func([]byte), onFailure func(*CaptureError)) {
	defer close(active.done)

	size := c.ChunkSize()
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(active.session, buf)
		if n > 0 {
			onChunk(buf[:n])
		}
		if err == nil {
			continue
		}
		if active.isStopped() {
			return
		}

		c.release(active)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = errors.New("audio stream ended unexpectedly")
		}
		c.log.Warn().Err(err).Msg("capture read failed")
		onFailure(classify(err))
		return
	}
}

// release stops active if it is still the current capture.
func (c *Controller) release(active *activeCapture) {
	c.mu.Lock()
	if c.current == active {
		c.current = nil
	}
	c.mu.Unlock()
	_ = active.stop()
}

func classify(err error) *CaptureError {
	var captureErr *CaptureError
	if errors.As(err, &captureErr) {
		return captureErr
	}
	if errors.Is(err, ports.ErrMicPermission) || errors.Is(err, os.ErrPermission) ||
		strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return &CaptureError{Reason: ReasonPermissionDenied, Err: err}
	}
	return &CaptureError{Reason: ReasonDeviceUnavailable, Err: err}
}
