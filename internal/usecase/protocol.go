package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"voiceform/internal/domain"
)

const (
	actionStart   = "start"
	actionStop    = "stop"
	actionStarted = "started"
)

type startMessage struct {
	Action string              `json:"action"`
	Blocks domain.TemplateSpec `json:"blocks"`
}

type stopMessage struct {
	Action string `json:"action"`
}

func encodeStart(spec domain.TemplateSpec) ([]byte, error) {
	return json.Marshal(startMessage{Action: actionStart, Blocks: spec})
}

func encodeStop() []byte {
	payload, _ := json.Marshal(stopMessage{Action: actionStop})
	return payload
}

// inboundMessage is one decoded control frame. A frame may carry more than
// one of these parts.
type inboundMessage struct {
	Action         string
	TemplateSize   *int
	Attributes     map[string]string
	CorrectedAudio string
	Error          string
	HasError       bool
}

type wireInbound struct {
	Action         string                     `json:"action"`
	TemplateSize   *int                       `json:"template_size"`
	Attributes     map[string]json.RawMessage `json:"attributes"`
	CorrectedAudio *string                    `json:"corrected_audio"`
	Error          json.RawMessage            `json:"error"`
}

var errNotObject = errors.New("control frame is not a JSON object")

func decodeInbound(payload []byte) (inboundMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return inboundMessage{}, errNotObject
	}

	var wire wireInbound
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return inboundMessage{}, fmt.Errorf("malformed control frame: %w", err)
	}

	msg := inboundMessage{Action: wire.Action, TemplateSize: wire.TemplateSize}
	if wire.Attributes != nil {
		msg.Attributes = make(map[string]string, len(wire.Attributes))
		for key, raw := range wire.Attributes {
			msg.Attributes[key] = rawText(raw)
		}
	}
	if wire.CorrectedAudio != nil {
		msg.CorrectedAudio = *wire.CorrectedAudio
	}
	if len(wire.Error) > 0 && string(wire.Error) != "null" {
		msg.HasError = true
		msg.Error = rawText(wire.Error)
	}
	return msg, nil
}

// rawText renders a JSON value as field text: strings unquoted, null empty,
// anything else in its compact JSON form.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err == nil {
		return compact.String()
	}
	return strings.TrimSpace(string(raw))
}
