// Package audio opens microphone capture sessions.
package audio

import (
	"fmt"
	"strings"

	"voiceform/internal/ports"
)

const (
	BackendFFMPEG    = "ffmpeg"
	BackendPortAudio = "portaudio"
)

// New returns the capture backend named by backend.
func New(backend string, ffmpegCommand string) (ports.AudioCapture, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFFMPEG:
		return NewFFMPEGCapture(ffmpegCommand), nil
	case BackendPortAudio:
		return newPortAudioCapture()
	default:
		return nil, fmt.Errorf("unknown audio backend %q", backend)
	}
}
