//go:build !portaudio

package audio

import (
	"errors"

	"voiceform/internal/ports"
)

func newPortAudioCapture() (ports.AudioCapture, error) {
	return nil, errors.New("portaudio backend requires building with -tags portaudio")
}
