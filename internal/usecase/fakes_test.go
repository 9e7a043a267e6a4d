package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"voiceform/internal/capture"
	"voiceform/internal/domain"
	"voiceform/internal/ports"
)

type fakeConn struct {
	mu         sync.Mutex
	status     domain.ConnectionStatus
	text       [][]byte
	binary     [][]byte
	connects   int
	closes     int
	closeErr   error
	autoAck    bool
	onStatusFn func(domain.ConnectionStatus)
	onFrameFn  func(ports.Frame)
}

func newFakeConn() *fakeConn {
	return &fakeConn{status: domain.ConnectionStatus{State: domain.ConnectionDisconnected}}
}

func (c *fakeConn) Connect() {
	c.mu.Lock()
	c.connects++
	c.mu.Unlock()
}

func (c *fakeConn) Status() domain.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeConn) SendText(payload []byte) bool {
	c.mu.Lock()
	if !c.status.Connected() {
		c.mu.Unlock()
		return false
	}
	c.text = append(c.text, append([]byte(nil), payload...))
	ack := c.autoAck
	frameFn := c.onFrameFn
	c.mu.Unlock()

	if ack && actionOf(payload) == actionStart {
		frameFn(ports.Frame{Kind: ports.FrameText, Payload: []byte(`{"action":"started","template_size":1}`)})
	}
	return true
}

func (c *fakeConn) SendBinary(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.status.Connected() {
		return false
	}
	c.binary = append(c.binary, append([]byte(nil), payload...))
	return true
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.status = domain.ConnectionStatus{State: domain.ConnectionDisconnected}
	return c.closeErr
}

func (c *fakeConn) OnStatus(fn func(domain.ConnectionStatus)) { c.onStatusFn = fn }

func (c *fakeConn) OnFrame(fn func(ports.Frame)) { c.onFrameFn = fn }

func (c *fakeConn) setStatus(status domain.ConnectionStatus) {
	c.mu.Lock()
	c.status = status
	fn := c.onStatusFn
	c.mu.Unlock()
	fn(status)
}

func (c *fakeConn) receive(payload string) {
	c.onFrameFn(ports.Frame{Kind: ports.FrameText, Payload: []byte(payload)})
}

func (c *fakeConn) textActions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.text))
	for _, payload := range c.text {
		out = append(out, actionOf(payload))
	}
	return out
}

func (c *fakeConn) binaryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.binary)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func actionOf(payload []byte) string {
	var msg struct {
		Action string `json:"action"`
	}
	_ = json.Unmarshal(payload, &msg)
	return msg.Action
}

type fakeRecorder struct {
	mu        sync.Mutex
	active    bool
	starts    int
	stops     int
	startErr  error
	stopErr   error
	onChunk   func([]byte)
	onFailure func(*capture.CaptureError)
	onStop    func()

	// entered is signalled when Start begins; Start then waits on gate.
	entered chan struct{}
	gate    chan struct{}
	// early is delivered to onChunk before Start returns.
	early [][]byte
}

func (r *fakeRecorder) Start(ctx context.Context, onChunk func([]byte), onFailure func(*capture.CaptureError)) error {
	r.mu.Lock()
	entered, gate := r.entered, r.gate
	r.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	if r.active {
		return &capture.CaptureError{Reason: capture.ReasonAlreadyActive}
	}
	r.active = true
	r.starts++
	r.onChunk = onChunk
	r.onFailure = onFailure
	for _, chunk := range r.early {
		onChunk(chunk)
	}
	return nil
}

// hold makes the next Start block until the returned release is called.
func (r *fakeRecorder) hold() (entered <-chan struct{}, release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entered = make(chan struct{}, 1)
	r.gate = make(chan struct{})
	gate := r.gate
	var once sync.Once
	return r.entered, func() { once.Do(func() { close(gate) }) }
}

func (r *fakeRecorder) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func (r *fakeRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		r.stops++
		if r.onStop != nil {
			r.onStop()
		}
	}
	r.active = false
	return r.stopErr
}

func (r *fakeRecorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *fakeRecorder) callbacks() (func([]byte), func(*capture.CaptureError)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onChunk, r.onFailure
}

type stateRecord struct {
	state  domain.RecordingState
	reason domain.SessionStateReason
}

type errorRecord struct {
	code   domain.ErrorCode
	detail string
}

type fakeEventSink struct {
	mu          sync.Mutex
	states      []stateRecord
	statuses    []domain.ConnectionStatus
	fields      []domain.FieldValues
	transcripts []string
	errors      []errorRecord
}

func (f *fakeEventSink) RecordingStateChanged(state domain.RecordingState, reason domain.SessionStateReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, stateRecord{state: state, reason: reason})
}

func (f *fakeEventSink) ConnectionChanged(status domain.ConnectionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
}

func (f *fakeEventSink) FieldsUpdated(values domain.FieldValues) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields = append(f.fields, values)
}

func (f *fakeEventSink) Transcript(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, text)
}

func (f *fakeEventSink) SessionError(code domain.ErrorCode, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, errorRecord{code: code, detail: detail})
}

func (f *fakeEventSink) snapshotStates() []stateRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stateRecord(nil), f.states...)
}

func (f *fakeEventSink) snapshotErrors() []errorRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]errorRecord(nil), f.errors...)
}

func (f *fakeEventSink) lastFields() domain.FieldValues {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fields) == 0 {
		return nil
	}
	return f.fields[len(f.fields)-1]
}

func (f *fakeEventSink) hasError(code domain.ErrorCode) bool {
	for _, record := range f.snapshotErrors() {
		if record.code == code {
			return true
		}
	}
	return false
}

type fakeIdentity struct {
	user domain.User
	err  error
}

func (f fakeIdentity) CurrentUser(context.Context) (domain.User, error) {
	return f.user, f.err
}

type fakeExporter struct {
	mu   sync.Mutex
	docs []domain.ExportDocument
	err  error
}

func (f *fakeExporter) Name() string { return "fake" }

func (f *fakeExporter) Export(_ context.Context, doc domain.ExportDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.docs = append(f.docs, doc)
	return nil
}

type harness struct {
	session  *Session
	conn     *fakeConn
	recorder *fakeRecorder
	events   *fakeEventSink
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		conn:     newFakeConn(),
		recorder: &fakeRecorder{},
		events:   &fakeEventSink{},
	}
	h.session = NewSession(h.conn, h.recorder, h.events, fakeIdentity{user: domain.User{Name: "Ada"}}, cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.session.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.session.Done():
		case <-time.After(2 * time.Second):
			t.Errorf("session loop did not exit")
		}
	})
	return h
}

// snapshot also acts as a barrier: every event queued before it has been
// handled when it returns.
func (h *harness) snapshot(t *testing.T) domain.SessionSnapshot {
	t.Helper()
	snap, err := h.session.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	return snap
}

// waitFor polls snapshots until cond holds.
func (h *harness) waitFor(t *testing.T, what string, cond func(domain.SessionSnapshot) bool) domain.SessionSnapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := h.snapshot(t)
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s, last snapshot %+v", what, snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.conn.setStatus(domain.ConnectionStatus{State: domain.ConnectionConnected})
	h.snapshot(t)
}

func (h *harness) ack(t *testing.T) {
	t.Helper()
	h.conn.receive(`{"action":"started","template_size":1}`)
	h.snapshot(t)
}

// ready applies raw, connects and acknowledges the start frame.
func (h *harness) ready(t *testing.T, raw string) {
	t.Helper()
	if _, err := h.session.ApplyTemplate(context.Background(), raw); err != nil {
		t.Fatalf("apply template failed: %v", err)
	}
	h.connect(t)
	h.ack(t)
	if !h.snapshot(t).BlocksReady {
		t.Fatalf("expected blocks ready after acknowledgement")
	}
}

func (h *harness) mustStart(t *testing.T) {
	t.Helper()
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
}

func (h *harness) mustPause(t *testing.T) {
	t.Helper()
	if err := h.session.Pause(context.Background()); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
}

var errBoom = errors.New("boom")
