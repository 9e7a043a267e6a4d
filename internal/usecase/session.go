package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voiceform/internal/capture"
	"voiceform/internal/domain"
	"voiceform/internal/ports"
	"voiceform/internal/template"
)

var (
	ErrNotReady          = errors.New("session is not ready to record")
	ErrInvalidTransition = errors.New("command not allowed in the current state")
	ErrEditInProgress    = errors.New("an edit is in progress")
	ErrNotEditing        = errors.New("no edit in progress")
	ErrUnknownField      = errors.New("field is not part of the template")
	ErrSessionClosed     = errors.New("session closed")
)

// Connection is the socket owner the session drives.
type Connection interface {
	Connect()
	Status() domain.ConnectionStatus
	SendText(payload []byte) bool
	SendBinary(payload []byte) bool
	Close() error
	OnStatus(fn func(domain.ConnectionStatus))
	OnFrame(fn func(ports.Frame))
}

// Recorder is the microphone owner the session drives.
type Recorder interface {
	Start(ctx context.Context, onChunk func([]byte), onFailure func(*capture.CaptureError)) error
	Stop() error
	Active() bool
}

// Config controls session policy.
type Config struct {
	InitialTemplate string
	// FinalizeTimeout bounds the wait for the result after a pause. Zero
	// disables the watchdog.
	FinalizeTimeout time.Duration
}

// Session is the capture state machine. All state below is owned by the
// goroutine running Run; commands and callbacks reach it through the queue.
type Session struct {
	conn     Connection
	recorder Recorder
	events   ports.EventSink
	identity ports.IdentityProvider
	cfg      Config
	log      zerolog.Logger

	queue  *eventQueue
	done   chan struct{}
	runCtx context.Context

	spec          domain.TemplateSpec
	form          *formState
	state         domain.RecordingState
	connStatus    domain.ConnectionStatus
	ready         bool
	pendingStarts int
	capturing     bool
	interrupted   bool
	lostConn      bool
	captureGen    uint64
	captureCancel context.CancelFunc
	starting      *pendingStart
	startWG       sync.WaitGroup
	transcript    string
	finalizeTimer *time.Timer
	finalizeGen   uint64
	closed        bool
}

type statusEvent struct{ status domain.ConnectionStatus }

type frameEvent struct{ frame ports.Frame }

type chunkEvent struct {
	gen  uint64
	data []byte
}

type captureFailedEvent struct {
	gen uint64
	err *capture.CaptureError
}

type captureStartedEvent struct {
	gen uint64
	err error
}

type finalizeTimeoutEvent struct{ gen uint64 }

type commandEvent struct {
	ctx   context.Context
	run   func() error
	reply chan error
}

// pendingStart tracks a device open running off the loop. reply is nil
// once the caller has been answered without a recording.
type pendingStart struct {
	gen     uint64
	ctx     context.Context
	reply   chan error
	chunks  [][]byte
	failure *capture.CaptureError
}

func NewSession(
	conn Connection,
	recorder Recorder,
	events ports.EventSink,
	identity ports.IdentityProvider,
	cfg Config,
	logger zerolog.Logger,
) *Session {
	spec := template.Parse(cfg.InitialTemplate)
	s := &Session{
		conn:       conn,
		recorder:   recorder,
		events:     events,
		identity:   identity,
		cfg:        cfg,
		log:        logger.With().Str("component", "session").Logger(),
		queue:      newEventQueue(),
		done:       make(chan struct{}),
		spec:       spec,
		form:       newFormState(spec),
		state:      domain.RecordingStateIdle,
		connStatus: conn.Status(),
	}
	conn.OnStatus(func(status domain.ConnectionStatus) { s.queue.push(statusEvent{status: status}) })
	conn.OnFrame(func(frame ports.Frame) { s.queue.push(frameEvent{frame: frame}) })
	return s
}

// Run processes events until ctx is cancelled or Close is called. Every
// handler runs to completion before the next event is taken.
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			if err := s.teardown(); err != nil {
				s.log.Warn().Err(err).Msg("teardown failed")
			}
			return ctx.Err()
		case <-s.queue.ready():
			for _, event := range s.queue.drain() {
				s.handle(event)
				if s.closed {
					s.rejectPending()
					return nil
				}
			}
		}
	}
}

func (s *Session) handle(event any) {
	switch ev := event.(type) {
	case commandEvent:
		if err := ev.ctx.Err(); err != nil {
			ev.reply <- err
			return
		}
		ev.reply <- ev.run()
	case statusEvent:
		s.onStatus(ev.status)
	case frameEvent:
		s.onFrame(ev.frame)
	case chunkEvent:
		s.onChunk(ev)
	case captureStartedEvent:
		s.onCaptureStarted(ev)
	case captureFailedEvent:
		s.onCaptureFailed(ev)
	case finalizeTimeoutEvent:
		s.onFinalizeTimeout(ev.gen)
	}
}

func (s *Session) rejectPending() {
	for _, event := range s.queue.drain() {
		if cmd, ok := event.(commandEvent); ok {
			cmd.reply <- ErrSessionClosed
		}
	}
}

// do runs fn on the loop goroutine and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	reply := make(chan error, 1)
	s.queue.push(commandEvent{ctx: ctx, run: fn, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect asks the connection manager to open the socket. Retrying after a
// failure is the same call.
func (s *Session) Connect(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.conn.Connect()
		return nil
	})
}

// Start begins or resumes recording. It requires an open connection and
// an acknowledged template. The microphone is opened off the loop, so
// other events keep flowing while Start waits for the device.
func (s *Session) Start(ctx context.Context) error {
	var result chan error
	err := s.do(ctx, func() error {
		var err error
		result, err = s.start(ctx)
		return err
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

// Pause sends the stop intent, stops the microphone and waits for the
// final result.
func (s *Session) Pause(ctx context.Context) error {
	return s.do(ctx, s.pause)
}

// Reset clears fields and readiness and returns to idle.
func (s *Session) Reset(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.resetTo(s.spec, domain.SessionReasonReset)
		return nil
	})
}

// ApplyTemplate parses raw and makes it the current template.
func (s *Session) ApplyTemplate(ctx context.Context, raw string) (domain.TemplateSpec, error) {
	return s.ApplySpec(ctx, template.Parse(raw))
}

// ApplySpec makes spec the current template after normalizing it.
func (s *Session) ApplySpec(ctx context.Context, spec domain.TemplateSpec) (domain.TemplateSpec, error) {
	spec = template.Normalize(spec)
	err := s.do(ctx, func() error {
		if s.state == domain.RecordingStateRecording || s.state == domain.RecordingStateFinalizing {
			return fmt.Errorf("%w: cannot change the template while %s", ErrInvalidTransition, s.state)
		}
		s.resetTo(spec, domain.SessionReasonTemplateApplied)
		return nil
	})
	if err != nil {
		return domain.TemplateSpec{}, err
	}
	return spec, nil
}

func (s *Session) BeginEdit(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.state != domain.RecordingStatePaused {
			return fmt.Errorf("%w: editing requires %s, session is %s", ErrInvalidTransition, domain.RecordingStatePaused, s.state)
		}
		if s.starting != nil {
			return fmt.Errorf("%w: capture is starting", ErrInvalidTransition)
		}
		if s.form.editing() {
			return ErrEditInProgress
		}
		s.form.beginEdit()
		return nil
	})
}

func (s *Session) SetDraftField(ctx context.Context, key, value string) error {
	return s.do(ctx, func() error {
		if err := s.form.setDraft(key, value); err != nil {
			return fmt.Errorf("%w: %q", err, key)
		}
		return nil
	})
}

func (s *Session) SaveEdit(ctx context.Context) error {
	return s.do(ctx, func() error {
		if !s.form.editing() {
			return ErrNotEditing
		}
		s.form.save()
		s.events.FieldsUpdated(s.form.view())
		return nil
	})
}

func (s *Session) DiscardEdit(ctx context.Context) error {
	return s.do(ctx, func() error {
		if !s.form.editing() {
			return ErrNotEditing
		}
		s.form.discard()
		s.events.FieldsUpdated(s.form.view())
		return nil
	})
}

// Snapshot returns a copy of the observable session state.
func (s *Session) Snapshot(ctx context.Context) (domain.SessionSnapshot, error) {
	var snapshot domain.SessionSnapshot
	err := s.do(ctx, func() error {
		snapshot = domain.SessionSnapshot{
			Recording:   s.state,
			Connection:  s.connStatus,
			BlocksReady: s.ready,
			Capturing:   s.capturing,
			Starting:    s.starting != nil,
			Interrupted: s.interrupted,
			Editing:     s.form.editing(),
			Template:    s.spec,
			Fields:      s.form.view(),
			Transcript:  s.transcript,
		}
		return nil
	})
	return snapshot, err
}

// Export hands the committed values to exporter. Only a paused session
// that is not being edited can export.
func (s *Session) Export(ctx context.Context, exporter ports.Exporter) (domain.ExportDocument, error) {
	var doc domain.ExportDocument
	err := s.do(ctx, func() error {
		if s.state != domain.RecordingStatePaused {
			return fmt.Errorf("%w: export requires %s, session is %s", ErrInvalidTransition, domain.RecordingStatePaused, s.state)
		}
		if s.form.editing() {
			return ErrEditInProgress
		}
		doc = domain.ExportDocument{
			ID:         uuid.NewString(),
			Template:   s.spec,
			Fields:     s.form.values(),
			ExportedAt: time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		return domain.ExportDocument{}, err
	}

	if s.identity != nil {
		user, err := s.identity.CurrentUser(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("identity lookup failed")
		}
		doc.User = user
	}

	if err := exporter.Export(ctx, doc); err != nil {
		s.events.SessionError(domain.ErrorCodeExport, err.Error())
		return domain.ExportDocument{}, fmt.Errorf("export to %s: %w", exporter.Name(), err)
	}
	s.log.Info().Str("exporter", exporter.Name()).Str("document", doc.ID).Msg("exported")
	return doc, nil
}

// Close stops capture and closes the socket together.
func (s *Session) Close(ctx context.Context) error {
	err := s.do(ctx, func() error {
		s.closed = true
		return s.teardown()
	})
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) start(ctx context.Context) (chan error, error) {
	if s.form.editing() {
		return nil, ErrEditInProgress
	}
	if s.starting != nil {
		return nil, fmt.Errorf("%w: capture is starting", ErrInvalidTransition)
	}
	switch s.state {
	case domain.RecordingStateIdle, domain.RecordingStatePaused:
	case domain.RecordingStateRecording, domain.RecordingStateFinalizing:
		if s.capturing || !s.interrupted {
			return nil, fmt.Errorf("%w: already %s", ErrInvalidTransition, s.state)
		}
	}
	if !s.connStatus.Connected() {
		return nil, fmt.Errorf("%w: not connected", ErrNotReady)
	}
	if !s.ready {
		return nil, fmt.Errorf("%w: template not acknowledged", ErrNotReady)
	}

	s.captureGen++
	gen := s.captureGen
	pending := &pendingStart{gen: gen, ctx: ctx, reply: make(chan error, 1)}
	s.starting = pending

	captureCtx, cancel := context.WithCancel(s.runCtx)
	s.captureCancel = cancel
	onChunk := func(chunk []byte) { s.queue.push(chunkEvent{gen: gen, data: chunk}) }
	onFailure := func(err *capture.CaptureError) { s.queue.push(captureFailedEvent{gen: gen, err: err}) }

	s.startWG.Add(1)
	go func() {
		defer s.startWG.Done()
		err := s.recorder.Start(captureCtx, onChunk, onFailure)
		s.queue.push(captureStartedEvent{gen: gen, err: err})
	}()
	return pending.reply, nil
}

func (s *Session) onCaptureStarted(ev captureStartedEvent) {
	pending := s.starting
	if pending == nil || pending.gen != ev.gen {
		return
	}
	s.starting = nil

	answer := func(err error) {
		if pending.reply != nil {
			pending.reply <- err
		}
	}

	if pending.reply == nil || pending.ctx.Err() != nil {
		s.log.Debug().Uint64("capture", ev.gen).Msg("releasing abandoned capture")
		if ev.err == nil {
			s.releaseDevice()
		}
		s.cancelCapture()
		answer(pending.ctx.Err())
		return
	}
	if ev.err != nil {
		s.cancelCapture()
		s.log.Warn().Err(ev.err).Msg("capture start failed")
		s.events.SessionError(domain.ErrorCodeCapture, ev.err.Error())
		answer(ev.err)
		return
	}
	if pending.failure != nil {
		s.releaseDevice()
		s.log.Warn().Err(pending.failure).Msg("capture failed while starting")
		s.events.SessionError(domain.ErrorCodeCapture, pending.failure.Error())
		answer(pending.failure)
		return
	}

	reason := domain.SessionReasonRecordingStarted
	if s.state != domain.RecordingStateIdle {
		reason = domain.SessionReasonRecordingResumed
	}
	s.capturing = true
	s.interrupted = false
	s.lostConn = false
	s.stopFinalizeWatchdog()
	s.setState(domain.RecordingStateRecording, reason)
	for _, chunk := range pending.chunks {
		s.conn.SendBinary(chunk)
	}
	answer(nil)
}

// abandonStart answers a pending Start with err. The device, if it opens,
// is released when its result reaches the loop.
func (s *Session) abandonStart(err error) {
	if s.starting == nil || s.starting.reply == nil {
		return
	}
	s.starting.reply <- err
	s.starting.reply = nil
	s.starting.chunks = nil
	if s.captureCancel != nil {
		s.captureCancel()
	}
}

func (s *Session) pause() error {
	if s.state != domain.RecordingStateRecording {
		return fmt.Errorf("%w: pause requires %s, session is %s", ErrInvalidTransition, domain.RecordingStateRecording, s.state)
	}
	if s.starting != nil {
		return fmt.Errorf("%w: capture is starting", ErrInvalidTransition)
	}
	if s.lostConn || !s.connStatus.Connected() {
		return fmt.Errorf("%w: connection lost during recording", ErrNotReady)
	}

	// The stop intent goes out before the device stops so the server sees
	// it no later than the last audio. After a device failure there is no
	// device left to stop.
	if !s.conn.SendText(encodeStop()) {
		s.log.Warn().Msg("stop frame not sent")
	}
	s.stopCapture()
	s.interrupted = false
	s.setState(domain.RecordingStateFinalizing, domain.SessionReasonFinalizing)
	s.armFinalizeWatchdog()
	return nil
}

func (s *Session) resetTo(spec domain.TemplateSpec, reason domain.SessionStateReason) {
	s.abandonStart(fmt.Errorf("%w: start superseded by %s", ErrInvalidTransition, reason))
	s.stopCapture()
	s.stopFinalizeWatchdog()
	s.spec = spec
	s.form = newFormState(spec)
	s.ready = false
	s.interrupted = false
	s.lostConn = false
	s.transcript = ""
	s.setState(domain.RecordingStateIdle, reason)
	s.events.FieldsUpdated(s.form.view())
	if s.connStatus.Connected() {
		s.sendStart()
	}
}

func (s *Session) sendStart() {
	if s.spec.Empty() {
		s.log.Info().Msg("template is empty; start not sent")
		return
	}
	payload, err := encodeStart(s.spec)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode start frame")
		return
	}
	if s.conn.SendText(payload) {
		s.pendingStarts++
		s.log.Debug().Int("blocks", len(s.spec.Blocks)).Int("pending", s.pendingStarts).Msg("start sent")
	}
}

func (s *Session) stopCapture() {
	if !s.capturing {
		return
	}
	s.capturing = false
	s.releaseDevice()
}

func (s *Session) releaseDevice() {
	if err := s.recorder.Stop(); err != nil {
		s.log.Warn().Err(err).Msg("capture stop failed")
		s.events.SessionError(domain.ErrorCodeCapture, err.Error())
	}
	s.cancelCapture()
}

func (s *Session) cancelCapture() {
	if s.captureCancel != nil {
		s.captureCancel()
		s.captureCancel = nil
	}
}

func (s *Session) teardown() (err error) {
	s.stopFinalizeWatchdog()
	defer func() {
		err = errors.Join(err, s.conn.Close())
	}()

	opening := s.starting != nil
	if opening {
		s.abandonStart(ErrSessionClosed)
		s.startWG.Wait()
		s.starting = nil
	}
	if s.capturing || opening {
		s.capturing = false
		err = s.recorder.Stop()
	}
	s.cancelCapture()
	return err
}

func (s *Session) setState(state domain.RecordingState, reason domain.SessionStateReason) {
	s.state = state
	s.log.Info().Str("state", string(state)).Str("reason", string(reason)).Msg("recording state changed")
	s.events.RecordingStateChanged(state, reason)
}

func (s *Session) onStatus(status domain.ConnectionStatus) {
	previous := s.connStatus
	s.connStatus = status
	s.events.ConnectionChanged(status)

	if status.Connected() {
		if !previous.Connected() && !s.ready {
			s.sendStart()
		}
		return
	}

	s.ready = false
	s.pendingStarts = 0
	s.abandonStart(fmt.Errorf("%w: connection %s while opening the microphone", ErrNotReady, status.State))

	switch status.State {
	case domain.ConnectionFailed:
		s.events.SessionError(domain.ErrorCodeTransport, status.Reason)
	case domain.ConnectionDisconnected:
		if !previous.Connected() {
			return
		}
		if s.state == domain.RecordingStateRecording || s.state == domain.RecordingStateFinalizing {
			s.stopCapture()
			s.stopFinalizeWatchdog()
			s.interrupted = true
			s.lostConn = true
			s.events.RecordingStateChanged(s.state, domain.SessionReasonConnectionDropped)
		}
		s.events.SessionError(domain.ErrorCodeTransport, "connection to the extraction service was lost")
	}
}

func (s *Session) onFrame(frame ports.Frame) {
	if frame.Kind != ports.FrameText {
		s.log.Debug().Int("bytes", len(frame.Payload)).Msg("ignoring binary frame")
		return
	}

	msg, err := decodeInbound(frame.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("dropping control frame")
		return
	}

	handled := false
	if msg.HasError {
		handled = true
		s.log.Warn().Str("error", msg.Error).Msg("server reported error")
		s.events.SessionError(domain.ErrorCodeServer, msg.Error)
	}
	if msg.Action == actionStarted {
		handled = true
		s.onStarted(msg)
	}
	if msg.CorrectedAudio != "" {
		handled = true
		s.transcript = msg.CorrectedAudio
		s.events.Transcript(msg.CorrectedAudio)
	}
	if msg.Attributes != nil {
		handled = true
		s.onAttributes(msg.Attributes)
	}
	if !handled {
		s.log.Debug().Str("action", msg.Action).Msg("ignoring control frame")
	}
}

func (s *Session) onStarted(msg inboundMessage) {
	if s.pendingStarts > 0 {
		s.pendingStarts--
	}
	if s.pendingStarts > 0 || s.spec.Empty() {
		s.log.Debug().Int("pending", s.pendingStarts).Msg("acknowledgement for a superseded template")
		return
	}
	s.ready = true
	event := s.log.Info()
	if msg.TemplateSize != nil {
		event = event.Int("template_size", *msg.TemplateSize)
	}
	event.Msg("template acknowledged")
}

func (s *Session) onAttributes(attributes map[string]string) {
	if s.state == domain.RecordingStateIdle {
		s.log.Debug().Int("attributes", len(attributes)).Msg("ignoring attributes while idle")
		return
	}

	if dropped := s.form.merge(attributes); len(dropped) > 0 {
		s.log.Warn().Strs("keys", dropped).Msg("dropping attributes outside the template")
	}
	s.events.FieldsUpdated(s.form.view())

	if s.state == domain.RecordingStateFinalizing {
		s.stopFinalizeWatchdog()
		s.interrupted = false
		s.setState(domain.RecordingStatePaused, domain.SessionReasonResultReceived)
	}
}

func (s *Session) onChunk(ev chunkEvent) {
	if ev.gen != s.captureGen {
		return
	}
	if s.starting != nil {
		if s.starting.gen == ev.gen && s.starting.reply != nil {
			s.starting.chunks = append(s.starting.chunks, ev.data)
		}
		return
	}
	if s.state != domain.RecordingStateRecording && s.state != domain.RecordingStateFinalizing {
		return
	}
	s.conn.SendBinary(ev.data)
}

func (s *Session) onCaptureFailed(ev captureFailedEvent) {
	if ev.gen != s.captureGen {
		return
	}
	if s.starting != nil {
		s.starting.failure = ev.err
		return
	}
	if !s.capturing {
		return
	}
	s.capturing = false
	s.cancelCapture()
	s.interrupted = true
	s.log.Warn().Err(ev.err).Str("reason", string(ev.err.Reason)).Msg("capture failed")
	s.events.SessionError(domain.ErrorCodeCapture, ev.err.Error())
	s.events.RecordingStateChanged(s.state, domain.SessionReasonCaptureFailed)
}

func (s *Session) armFinalizeWatchdog() {
	s.stopFinalizeWatchdog()
	if s.cfg.FinalizeTimeout <= 0 {
		return
	}
	gen := s.finalizeGen
	s.finalizeTimer = time.AfterFunc(s.cfg.FinalizeTimeout, func() {
		s.queue.push(finalizeTimeoutEvent{gen: gen})
	})
}

func (s *Session) stopFinalizeWatchdog() {
	s.finalizeGen++
	if s.finalizeTimer != nil {
		s.finalizeTimer.Stop()
		s.finalizeTimer = nil
	}
}

func (s *Session) onFinalizeTimeout(gen uint64) {
	if gen != s.finalizeGen || s.state != domain.RecordingStateFinalizing {
		return
	}
	s.log.Warn().Dur("timeout", s.cfg.FinalizeTimeout).Msg("no final result after stop")
	s.events.SessionError(domain.ErrorCodeFinalizeStalled,
		fmt.Sprintf("no result received %s after pausing; reset to continue", s.cfg.FinalizeTimeout))
}
