//go:build portaudio

package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gordonklaus/portaudio"

	"voiceform/internal/ports"
)

const portAudioFramesPerBuffer = 512

// PortAudioCapture reads the microphone through PortAudio. It is only built
// with the portaudio tag because it needs cgo and libportaudio.
type PortAudioCapture struct{}

func newPortAudioCapture() (ports.AudioCapture, error) {
	return &PortAudioCapture{}, nil
}

func (c *PortAudioCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	cfg = withDefaults(cfg)

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize PortAudio: %v", ports.ErrMicUnavailable, err)
	}

	device, err := findInputDevice(cfg.InputDevice)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: %v", ports.ErrMicUnavailable, err)
	}

	buffer := make([]int16, portAudioFramesPerBuffer*cfg.Channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: cfg.Channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: portAudioFramesPerBuffer,
	}, buffer)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: failed to open audio stream: %v", ports.ErrMicUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: failed to start audio stream: %v", ports.ErrMicUnavailable, err)
	}

	reader, writer := io.Pipe()
	session := &portAudioSession{stream: stream, reader: reader, done: make(chan struct{})}
	go session.pump(ctx, buffer, writer)
	return session, nil
}

type portAudioSession struct {
	stream *portaudio.Stream
	reader *io.PipeReader
	done   chan struct{}

	stopOnce sync.Once
	stopErr  error
}

func (s *portAudioSession) pump(ctx context.Context, buffer []int16, writer *io.PipeWriter) {
	defer close(s.done)
	encoded := make([]byte, len(buffer)*2)
	for {
		select {
		case <-ctx.Done():
			_ = writer.CloseWithError(io.EOF)
			return
		default:
		}
		if err := s.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			_ = writer.CloseWithError(err)
			return
		}
		for i, sample := range buffer {
			binary.LittleEndian.PutUint16(encoded[i*2:], uint16(sample))
		}
		if _, err := writer.Write(encoded); err != nil {
			return
		}
	}
}

func (s *portAudioSession) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *portAudioSession) Close() error {
	return s.Stop()
}

func (s *portAudioSession) Stop() error {
	s.stopOnce.Do(func() {
		_ = s.reader.CloseWithError(io.EOF)
		s.stopErr = s.stream.Stop()
		<-s.done
		if err := s.stream.Close(); err != nil && s.stopErr == nil {
			s.stopErr = err
		}
		if err := portaudio.Terminate(); err != nil && s.stopErr == nil {
			s.stopErr = err
		}
	})
	return s.stopErr
}

func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" || name == "default" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, device := range devices {
		if device.Name == name && device.MaxInputChannels > 0 {
			return device, nil
		}
	}
	return nil, fmt.Errorf("input device not found: %s", name)
}
