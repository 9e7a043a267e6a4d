package api

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voiceform/internal/domain"
)

// Banner is the dismissible notice shown for the most recent failure.
type Banner struct {
	Code     domain.ErrorCode `json:"code"`
	Message  string           `json:"message"`
	Detail   string           `json:"detail,omitempty"`
	Retry    bool             `json:"retry"`
	RaisedAt time.Time        `json:"raisedAt"`
}

// StateNotice describes the latest recording transition for display.
type StateNotice struct {
	State   domain.RecordingState     `json:"state"`
	Reason  domain.SessionStateReason `json:"reason"`
	Message string                    `json:"message"`
}

// EventSink records session events for the API and logs them. It is safe
// for concurrent use.
type EventSink struct {
	log zerolog.Logger
	now func() time.Time

	mu     sync.RWMutex
	banner *Banner
	notice StateNotice
}

func NewEventSink(logger zerolog.Logger) *EventSink {
	return &EventSink{
		log:    logger.With().Str("component", "events").Logger(),
		now:    time.Now,
		notice: StateNotice{State: domain.RecordingStateIdle},
	}
}

func (s *EventSink) RecordingStateChanged(state domain.RecordingState, reason domain.SessionStateReason) {
	notice := StateNotice{State: state, Reason: reason, Message: sessionReasonMessage(reason)}
	s.mu.Lock()
	s.notice = notice
	s.mu.Unlock()
	s.log.Debug().Str("state", string(state)).Str("reason", string(reason)).Msg(notice.Message)
}

func (s *EventSink) ConnectionChanged(status domain.ConnectionStatus) {
	s.mu.Lock()
	if status.Connected() && s.banner != nil && s.banner.Code == domain.ErrorCodeTransport {
		s.banner = nil
	}
	s.mu.Unlock()
	s.log.Debug().Str("connection", string(status.State)).Str("reason", status.Reason).Msg("connection changed")
}

func (s *EventSink) FieldsUpdated(values domain.FieldValues) {
	s.log.Debug().Int("fields", len(values)).Msg("fields updated")
}

func (s *EventSink) Transcript(text string) {
	s.log.Debug().Str("text", text).Msg("transcript")
}

func (s *EventSink) SessionError(code domain.ErrorCode, detail string) {
	banner := &Banner{
		Code:     code,
		Message:  errorMessage(code, detail),
		Detail:   detail,
		Retry:    code == domain.ErrorCodeTransport,
		RaisedAt: s.now().UTC(),
	}
	s.mu.Lock()
	s.banner = banner
	s.mu.Unlock()
	s.log.Warn().Str("code", string(code)).Str("detail", detail).Msg(banner.Message)
}

// Banner returns the current banner, if any.
func (s *EventSink) Banner() (Banner, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.banner == nil {
		return Banner{}, false
	}
	return *s.banner, true
}

func (s *EventSink) Dismiss() {
	s.mu.Lock()
	s.banner = nil
	s.mu.Unlock()
}

func (s *EventSink) Notice() StateNotice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notice
}

func sessionReasonMessage(reason domain.SessionStateReason) string {
	switch reason {
	case domain.SessionReasonTemplateApplied:
		return "Template applied"
	case domain.SessionReasonRecordingStarted:
		return "Recording started"
	case domain.SessionReasonRecordingResumed:
		return "Recording resumed"
	case domain.SessionReasonFinalizing:
		return "Recording paused. Waiting for the final result..."
	case domain.SessionReasonResultReceived:
		return "Result received; fields ready for review"
	case domain.SessionReasonReset:
		return "Form reset"
	case domain.SessionReasonCaptureFailed:
		return "Microphone stopped unexpectedly; press start to retry"
	case domain.SessionReasonConnectionDropped:
		return "Connection lost; reconnect to continue"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodeTransport:
		return "Cannot reach the extraction service"
	case domain.ErrorCodeCapture:
		return "Microphone issue"
	case domain.ErrorCodeServer:
		return "Extraction service reported an error"
	case domain.ErrorCodeFinalizeStalled:
		return "Still waiting for the final result"
	case domain.ErrorCodeExport:
		return "Export failed"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}
