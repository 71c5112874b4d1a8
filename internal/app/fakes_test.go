package app

import (
	"context"
	"sync"

	"github.com/dkeye/renderstream/internal/core"
	"github.com/dkeye/renderstream/internal/domain"
)

type fakeChannel struct {
	mu      sync.Mutex
	label   string
	state   domain.ChannelState
	sent    []string
	onMsg   func([]byte)
	onState func(domain.ChannelState)
}

func (f *fakeChannel) Label() string { return f.label }

func (f *fakeChannel) State() domain.ChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) Send(p []byte) error { return f.SendText(string(p)) }

func (f *fakeChannel) SendText(s string) error {
	f.mu.Lock()
	f.sent = append(f.sent, s)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) OnMessage(fn func([]byte)) {
	f.mu.Lock()
	f.onMsg = fn
	f.mu.Unlock()
}

func (f *fakeChannel) OnStateChange(fn func(domain.ChannelState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeChannel) Close() error {
	f.setState(domain.ChannelClosed)
	return nil
}

func (f *fakeChannel) setState(s domain.ChannelState) {
	f.mu.Lock()
	f.state = f.state.Advance(s)
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakeChannel) receive(p []byte) {
	f.mu.Lock()
	fn := f.onMsg
	f.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

func (f *fakeChannel) sentCopy() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeTrack struct {
	id      string
	kind    domain.TrackKind
	mu      sync.Mutex
	enabled bool
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

type fakeEngine struct {
	mu        sync.Mutex
	onDesc    func(domain.SessionDescription)
	onCand    func(domain.ICECandidate)
	onTrack   func(core.MediaTrack)
	onState   func(domain.PeerState)
	applied   []domain.SessionDescription
	rejectErr error
	closed    int
	channel   *fakeChannel
	roles     []bool
}

func (e *fakeEngine) CreateDataChannel(label string) (core.DataChannel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channel = &fakeChannel{label: label}
	return e.channel, nil
}

func (e *fakeEngine) CreateOffer(context.Context) error {
	e.mu.Lock()
	fn := e.onDesc
	e.mu.Unlock()
	fn(domain.NewOffer("local-offer"))
	return nil
}

func (e *fakeEngine) ApplyDescription(_ context.Context, desc domain.SessionDescription) error {
	e.mu.Lock()
	if e.rejectErr != nil {
		err := e.rejectErr
		e.mu.Unlock()
		return err
	}
	e.applied = append(e.applied, desc)
	fn := e.onDesc
	e.mu.Unlock()

	if desc.Type == domain.SDPTypeOffer {
		fn(domain.NewAnswer("answer-for:" + desc.SDP))
	}
	return nil
}

func (e *fakeEngine) AddICECandidate(context.Context, domain.ICECandidate) error { return nil }

func (e *fakeEngine) SetPolite(polite bool) {
	e.mu.Lock()
	e.roles = append(e.roles, polite)
	e.mu.Unlock()
}

func (e *fakeEngine) rolesCopy() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.roles...)
}

func (e *fakeEngine) OnLocalDescription(fn func(domain.SessionDescription)) {
	e.mu.Lock()
	e.onDesc = fn
	e.mu.Unlock()
}

func (e *fakeEngine) OnICECandidate(fn func(domain.ICECandidate)) {
	e.mu.Lock()
	e.onCand = fn
	e.mu.Unlock()
}

func (e *fakeEngine) OnTrack(fn func(core.MediaTrack)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

func (e *fakeEngine) OnStateChange(fn func(domain.PeerState)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) fireState(s domain.PeerState) {
	e.mu.Lock()
	fn := e.onState
	e.mu.Unlock()
	fn(s)
}

func (e *fakeEngine) fireTrack(t core.MediaTrack) {
	e.mu.Lock()
	fn := e.onTrack
	e.mu.Unlock()
	fn(t)
}

func (e *fakeEngine) appliedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.applied)
}

func (e *fakeEngine) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type sent struct {
	kind string
	id   domain.ConnectionID
	body string
}

type fakeSignaling struct {
	startErr error
	events   *core.EventQueue[core.SignalEvent]

	mu      sync.Mutex
	sent    []sent
	created []domain.ConnectionID
	deleted []domain.ConnectionID
	stopped int
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{events: core.NewEventQueue[core.SignalEvent]()}
}

func (s *fakeSignaling) Start(context.Context) error { return s.startErr }

func (s *fakeSignaling) Stop(context.Context) error {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
	s.events.Close()
	return nil
}

func (s *fakeSignaling) CreateConnection(_ context.Context, id domain.ConnectionID) error {
	s.mu.Lock()
	s.created = append(s.created, id)
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaling) DeleteConnection(_ context.Context, id domain.ConnectionID) error {
	s.mu.Lock()
	s.deleted = append(s.deleted, id)
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaling) SendOffer(id domain.ConnectionID, sdp string)  { s.record("offer", id, sdp) }
func (s *fakeSignaling) SendAnswer(id domain.ConnectionID, sdp string) { s.record("answer", id, sdp) }

func (s *fakeSignaling) SendCandidate(id domain.ConnectionID, c domain.ICECandidate) {
	s.record("candidate", id, c.Candidate)
}

func (s *fakeSignaling) Events() <-chan core.SignalEvent { return s.events.Out() }

func (s *fakeSignaling) record(kind string, id domain.ConnectionID, body string) {
	s.mu.Lock()
	s.sent = append(s.sent, sent{kind: kind, id: id, body: body})
	s.mu.Unlock()
}

func (s *fakeSignaling) emit(ev core.SignalEvent) { s.events.Push(ev) }

func (s *fakeSignaling) sentOf(kind string) []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sent
	for _, m := range s.sent {
		if m.kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSignaling) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// rig records every engine and signaling channel the controller builds.
type rig struct {
	mu       sync.Mutex
	engines  []*fakeEngine
	channels []*fakeSignaling
	startErr error
	wsFlags  []bool
}

func (r *rig) newEngine() (core.PeerEngine, error) {
	e := &fakeEngine{}
	r.mu.Lock()
	r.engines = append(r.engines, e)
	r.mu.Unlock()
	return e, nil
}

func (r *rig) newSignaling(useWebSocket bool) core.SignalingChannel {
	s := newFakeSignaling()
	r.mu.Lock()
	s.startErr = r.startErr
	r.channels = append(r.channels, s)
	r.wsFlags = append(r.wsFlags, useWebSocket)
	r.mu.Unlock()
	return s
}

func (r *rig) engine(i int) *fakeEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engines[i]
}

func (r *rig) signaling(i int) *fakeSignaling {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[i]
}
