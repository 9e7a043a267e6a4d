package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// RecordingState models the capture lifecycle owned by the session.
type RecordingState string

const (
	RecordingStateIdle       RecordingState = "idle"
	RecordingStateRecording  RecordingState = "recording"
	RecordingStateFinalizing RecordingState = "finalizing"
	RecordingStatePaused     RecordingState = "paused"
)

// ConnectionState is the coarse socket status.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionFailed       ConnectionState = "failed"
)

// ConnectionStatus pairs a state with the failure reason, if any.
type ConnectionStatus struct {
	State  ConnectionState `json:"state"`
	Reason string          `json:"reason,omitempty"`
}

func (s ConnectionStatus) Connected() bool {
	return s.State == ConnectionConnected
}

// SessionStateReason provides a structured reason for state transitions.
type SessionStateReason string

const (
	SessionReasonTemplateApplied   SessionStateReason = "template_applied"
	SessionReasonRecordingStarted  SessionStateReason = "recording_started"
	SessionReasonRecordingResumed  SessionStateReason = "recording_resumed"
	SessionReasonFinalizing        SessionStateReason = "finalizing"
	SessionReasonResultReceived    SessionStateReason = "result_received"
	SessionReasonReset             SessionStateReason = "reset"
	SessionReasonCaptureFailed     SessionStateReason = "capture_failed"
	SessionReasonConnectionDropped SessionStateReason = "connection_dropped"
)

// ErrorCode identifies non-fatal errors surfaced to the UI.
type ErrorCode string

const (
	ErrorCodeStartup         ErrorCode = "startup"
	ErrorCodeTransport       ErrorCode = "transport"
	ErrorCodeCapture         ErrorCode = "capture"
	ErrorCodeServer          ErrorCode = "server"
	ErrorCodeFinalizeStalled ErrorCode = "finalize_stalled"
	ErrorCodeExport          ErrorCode = "export"
)

// Block is a named, ordered group of field keys.
type Block struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
}

// TemplateSpec is the ordered block/field layout of a form.
type TemplateSpec struct {
	Blocks []Block
}

// Fields returns every field key across blocks in declaration order.
// A key shared by two blocks is listed once.
func (t TemplateSpec) Fields() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, block := range t.Blocks {
		for _, field := range block.Fields {
			if _, ok := seen[field]; ok {
				continue
			}
			seen[field] = struct{}{}
			out = append(out, field)
		}
	}
	return out
}

func (t TemplateSpec) Empty() bool {
	return len(t.Blocks) == 0
}

// MarshalJSON encodes the spec as a plain object keyed by block name,
// keeping block order.
func (t TemplateSpec) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, block := range t.Blocks {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(block.Name)
		if err != nil {
			return nil, err
		}
		fields := block.Fields
		if fields == nil {
			fields = []string{}
		}
		encoded, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(encoded)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a block object, keeping the key order of the input.
func (t *TemplateSpec) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("template spec must be a JSON object")
	}

	blocks := make([]Block, 0)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := keyTok.(string)
		var fields []string
		if err := dec.Decode(&fields); err != nil {
			return err
		}
		blocks = append(blocks, Block{Name: name, Fields: fields})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	t.Blocks = blocks
	return nil
}

// FieldValues maps a field key to its current text.
type FieldValues map[string]string

// BlankFields returns a template-shaped map with every key set to "".
func BlankFields(spec TemplateSpec) FieldValues {
	keys := spec.Fields()
	values := make(FieldValues, len(keys))
	for _, key := range keys {
		values[key] = ""
	}
	return values
}

func (v FieldValues) Clone() FieldValues {
	out := make(FieldValues, len(v))
	for key, value := range v {
		out[key] = value
	}
	return out
}

// SessionSnapshot is a read-only view of the session for consumers.
type SessionSnapshot struct {
	Recording   RecordingState   `json:"recording"`
	Connection  ConnectionStatus `json:"connection"`
	BlocksReady bool             `json:"blocksReady"`
	Capturing   bool             `json:"capturing"`
	Starting    bool             `json:"starting"`
	Interrupted bool             `json:"interrupted"`
	Editing     bool             `json:"editing"`
	Template    TemplateSpec     `json:"template"`
	Fields      FieldValues      `json:"fields"`
	Transcript  string           `json:"transcript,omitempty"`
}

// User identifies the person exporting a form.
type User struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// ExportDocument is handed to exporters once a result has been reviewed.
type ExportDocument struct {
	ID         string       `json:"id"`
	Template   TemplateSpec `json:"template"`
	Fields     FieldValues  `json:"fields"`
	User       User         `json:"user"`
	ExportedAt time.Time    `json:"exportedAt"`
}

// TemplateRecord is a stored, named template.
type TemplateRecord struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Spec      TemplateSpec `json:"blocks"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}
