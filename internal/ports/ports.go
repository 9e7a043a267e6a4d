package ports

import (
	"context"
	"errors"
	"io"

	"voiceform/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session producing signed 16-bit
// little-endian PCM.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

var (
	ErrMicPermission  = errors.New("microphone permission denied")
	ErrMicUnavailable = errors.New("microphone unavailable")
)

// AudioCapture opens the microphone. Start wraps ErrMicPermission or
// ErrMicUnavailable so callers can tell the two apart.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// FrameKind separates control frames from audio frames on the socket.
type FrameKind int

const (
	FrameText FrameKind = iota + 1
	FrameBinary
)

// Frame is one message read from the socket.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// ErrSocketClosed is returned by a socket after Close or after the peer
// closed the connection normally.
var ErrSocketClosed = errors.New("socket closed")

// Socket is an open bidirectional connection to the extraction service.
type Socket interface {
	WriteText(payload []byte) error
	WriteBinary(payload []byte) error
	ReadFrame() (Frame, error)
	Close() error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Socket, error)
}

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrTemplateInvalid  = errors.New("template is invalid")
)

// TemplateStore persists named templates.
type TemplateStore interface {
	Get(ctx context.Context, id string) (domain.TemplateRecord, error)
	List(ctx context.Context) ([]domain.TemplateRecord, error)
	Create(ctx context.Context, name string, spec domain.TemplateSpec) (domain.TemplateRecord, error)
	Update(ctx context.Context, id string, name string, spec domain.TemplateSpec) (domain.TemplateRecord, error)
	Duplicate(ctx context.Context, id string) (domain.TemplateRecord, error)
	Delete(ctx context.Context, id string) error
}

// IdentityProvider reports who is using the client.
type IdentityProvider interface {
	CurrentUser(ctx context.Context) (domain.User, error)
}

// Exporter hands reviewed field values to an outside destination.
type Exporter interface {
	Name() string
	Export(ctx context.Context, doc domain.ExportDocument) error
}

// EventSink receives session state and events. Implementations must not
// call back into the session synchronously.
type EventSink interface {
	RecordingStateChanged(state domain.RecordingState, reason domain.SessionStateReason)
	ConnectionChanged(status domain.ConnectionStatus)
	FieldsUpdated(values domain.FieldValues)
	Transcript(text string)
	SessionError(code domain.ErrorCode, detail string)
}
