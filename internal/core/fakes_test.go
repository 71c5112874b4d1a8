package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/renderstream/internal/domain"
	"github.com/stretchr/testify/mock"
)

type fakeEngine struct {
	mu         sync.Mutex
	onDesc     func(domain.SessionDescription)
	onCand     func(domain.ICECandidate)
	onTrack    func(MediaTrack)
	onState    func(domain.PeerState)
	applied    []domain.SessionDescription
	candidates []string
	pending    []string
	hasRemote  bool
	rejectErr  error
	offers     int
	closed     int
	channels   []DataChannel
	roles      []bool
}

func newFakeEngine() *fakeEngine { return &fakeEngine{} }

func (e *fakeEngine) CreateDataChannel(label string) (DataChannel, error) {
	ch := newMockChannel(label)
	ch.On("Close").Return(nil)
	e.mu.Lock()
	e.channels = append(e.channels, ch)
	e.mu.Unlock()
	return ch, nil
}

func (e *fakeEngine) CreateOffer(context.Context) error {
	e.mu.Lock()
	e.offers++
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
	e.hasRemote = true
	e.candidates = append(e.candidates, e.pending...)
	e.pending = nil
	fn := e.onDesc
	e.mu.Unlock()

	if desc.Type == domain.SDPTypeOffer {
		fn(domain.NewAnswer("answer-for:" + desc.SDP))
	}
	return nil
}

func (e *fakeEngine) AddICECandidate(_ context.Context, cand domain.ICECandidate) error {
	if cand.Candidate == "bogus" {
		return fmt.Errorf("%w: %q", ErrCandidateMalformed, cand.Candidate)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasRemote {
		e.pending = append(e.pending, cand.Candidate)
		return nil
	}
	e.candidates = append(e.candidates, cand.Candidate)
	return nil
}

func (e *fakeEngine) SetPolite(polite bool) {
	e.mu.Lock()
	e.roles = append(e.roles, polite)
	e.mu.Unlock()
}

func (e *fakeEngine) OnLocalDescription(fn func(domain.SessionDescription)) { e.onDesc = fn }
func (e *fakeEngine) OnICECandidate(fn func(domain.ICECandidate))           { e.onCand = fn }
func (e *fakeEngine) OnTrack(fn func(MediaTrack))                           { e.onTrack = fn }
func (e *fakeEngine) OnStateChange(fn func(domain.PeerState))               { e.onState = fn }

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed++
	return nil
}

// snapshot returns what the engine has negotiated so far, candidates sorted.
func (e *fakeEngine) snapshot() ([]domain.SessionDescription, []string, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	applied := append([]domain.SessionDescription(nil), e.applied...)
	cands := append([]string(nil), e.candidates...)
	pending := append([]string(nil), e.pending...)
	sort.Strings(cands)
	sort.Strings(pending)
	return applied, cands, pending
}

type mockChannel struct {
	mock.Mock
	label string

	mu      sync.Mutex
	state   domain.ChannelState
	onState func(domain.ChannelState)
	onMsg   func([]byte)
}

func newMockChannel(label string) *mockChannel {
	return &mockChannel{label: label}
}

func (c *mockChannel) Label() string { return c.label }

func (c *mockChannel) State() domain.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *mockChannel) setState(s domain.ChannelState) {
	c.mu.Lock()
	c.state = c.state.Advance(s)
	fn := c.onState
	st := c.state
	c.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (c *mockChannel) Send(payload []byte) error {
	args := c.Called(payload)
	return args.Error(0)
}

func (c *mockChannel) SendText(text string) error {
	args := c.Called(text)
	return args.Error(0)
}

func (c *mockChannel) OnMessage(fn func([]byte)) { c.onMsg = fn }

func (c *mockChannel) OnStateChange(fn func(domain.ChannelState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *mockChannel) Close() error {
	args := c.Called()
	return args.Error(0)
}

type fakeTrack struct {
	id   string
	kind domain.TrackKind

	mu      sync.Mutex
	enabled bool
}

func newFakeTrack(id string, kind domain.TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// collect reads events until n arrived or the wait elapsed.
func collect[T any](t *testing.T, ch <-chan T, n int, wait time.Duration) []T {
	t.Helper()
	var out []T
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for len(out) < n {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-timer.C:
			return out
		}
	}
	return out
}
