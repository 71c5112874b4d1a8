package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/renderstream/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SessionState is the negotiation progress of a PeerSession.
// States only move forward; Closed is terminal.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionNegotiating
	SessionConnected
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionNegotiating:
		return "negotiating"
	case SessionConnected:
		return "connected"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("session_state(%d)", int(s))
	}
}

// PeerSession owns the negotiation state machine of one connection.
// It relays engine output as SessionEvents and feeds remote signaling into the engine,
// dropping anything addressed to another ConnectionID.
type PeerSession struct {
	id     domain.ConnectionID
	engine PeerEngine
	events *EventQueue[SessionEvent]
	logger zerolog.Logger

	mu           sync.Mutex
	state        SessionState
	channels     []DataChannel
	disconnected bool
}

func NewPeerSession(id domain.ConnectionID, engine PeerEngine) *PeerSession {
	s := &PeerSession{
		id:     id,
		engine: engine,
		events: NewEventQueue[SessionEvent](),
		logger: log.With().Str("module", "core.session").Str("connection_id", string(id)).Logger(),
	}
	engine.OnLocalDescription(s.handleLocalDescription)
	engine.OnICECandidate(s.handleLocalCandidate)
	engine.OnTrack(s.handleTrack)
	engine.OnStateChange(s.handlePeerState)
	return s
}

func (s *PeerSession) ID() domain.ConnectionID { return s.id }

func (s *PeerSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events delivers SendOffer, SendAnswer, SendCandidate, TrackAdded and Disconnected.
// The channel is closed by Close.
func (s *PeerSession) Events() <-chan SessionEvent { return s.events.Out() }

// CreateDataChannel must be called before negotiation for the channel to be part of
// the first offer/answer.
func (s *PeerSession) CreateDataChannel(label string) (DataChannel, error) {
	switch st := s.State(); st {
	case SessionClosed:
		return nil, ErrSessionClosed
	case SessionIdle:
	default:
		s.logger.Warn().Str("label", label).Str("state", st.String()).Msg("data channel created after negotiation started")
	}

	dc, err := s.engine.CreateDataChannel(label)
	if err != nil {
		return nil, fmt.Errorf("create data channel %q: %w", label, err)
	}

	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		_ = dc.Close()
		return nil, ErrSessionClosed
	}
	s.channels = append(s.channels, dc)
	s.mu.Unlock()

	s.logger.Info().Str("label", label).Msg("data channel created")
	return dc, nil
}

// Negotiate asks the engine for the first offer. Only the initiating side calls it.
func (s *PeerSession) Negotiate(ctx context.Context) error {
	if s.State() == SessionClosed {
		return ErrSessionClosed
	}
	if err := s.engine.CreateOffer(ctx); err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	return nil
}

// SetPolite forwards the relay-assigned role to the engine.
func (s *PeerSession) SetPolite(polite bool) {
	if s.State() == SessionClosed {
		return
	}
	s.logger.Info().Bool("polite", polite).Msg("role assigned")
	s.engine.SetPolite(polite)
}

// OnGotDescription applies a remote offer or answer addressed to remoteID.
// Messages for another connection are dropped without error.
func (s *PeerSession) OnGotDescription(ctx context.Context, remoteID domain.ConnectionID, desc domain.SessionDescription) error {
	if !s.accepts(remoteID) {
		s.logger.Debug().Str("remote_id", string(remoteID)).Str("type", desc.Type.String()).Msg("stale description dropped")
		return nil
	}
	s.advance(SessionNegotiating)

	if err := s.engine.ApplyDescription(ctx, desc); err != nil {
		if s.State() == SessionClosed {
			// closed while the engine was busy; nothing left to reject
			return nil
		}
		return fmt.Errorf("%w: apply remote %s: %w", ErrNegotiationRejected, desc.Type, err)
	}
	s.logger.Debug().Str("type", desc.Type.String()).Msg("remote description applied")
	return nil
}

// OnGotCandidate applies a remote candidate addressed to remoteID.
// Failures are logged only: losing a candidate does not end the session.
func (s *PeerSession) OnGotCandidate(ctx context.Context, remoteID domain.ConnectionID, cand domain.ICECandidate) {
	if !s.accepts(remoteID) {
		s.logger.Debug().Str("remote_id", string(remoteID)).Msg("stale candidate dropped")
		return
	}
	s.advance(SessionNegotiating)

	if err := s.engine.AddICECandidate(ctx, cand); err != nil {
		if s.State() == SessionClosed {
			return
		}
		ev := s.logger.Warn().Err(err).Str("candidate", cand.Candidate)
		if errors.Is(err, ErrCandidateMalformed) {
			ev.Msg("malformed candidate dropped")
			return
		}
		ev.Msg("add candidate failed")
	}
}

// Close releases the data channels and the engine. Safe to call repeatedly.
func (s *PeerSession) Close() {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = SessionClosed
	channels := s.channels
	s.channels = nil
	s.mu.Unlock()

	s.events.Close()
	for _, dc := range channels {
		if err := dc.Close(); err != nil {
			s.logger.Warn().Err(err).Str("label", dc.Label()).Msg("data channel close error")
		}
	}
	if err := s.engine.Close(); err != nil {
		s.logger.Error().Err(err).Msg("engine close error")
		return
	}
	s.logger.Info().Msg("closed")
}

func (s *PeerSession) accepts(remoteID domain.ConnectionID) bool {
	if remoteID != s.id {
		return false
	}
	return s.State() != SessionClosed
}

// advance moves the state forward and reports whether the session is still open.
func (s *PeerSession) advance(to SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionClosed {
		return false
	}
	if to > s.state {
		s.logger.Debug().Str("from", s.state.String()).Str("to", to.String()).Msg("state")
		s.state = to
	}
	return true
}

func (s *PeerSession) handleLocalDescription(desc domain.SessionDescription) {
	if !s.advance(SessionNegotiating) {
		return
	}
	switch desc.Type {
	case domain.SDPTypeOffer:
		s.events.Push(SendOffer{ID: s.id, SDP: desc.SDP})
	case domain.SDPTypeAnswer:
		s.events.Push(SendAnswer{ID: s.id, SDP: desc.SDP})
	default:
		s.logger.Warn().Str("type", desc.Type.String()).Msg("unexpected local description")
	}
}

func (s *PeerSession) handleLocalCandidate(cand domain.ICECandidate) {
	if !s.advance(SessionNegotiating) {
		return
	}
	s.events.Push(SendCandidate{ID: s.id, Candidate: cand})
}

func (s *PeerSession) handleTrack(track MediaTrack) {
	if s.State() == SessionClosed {
		return
	}
	s.logger.Info().Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("track received")
	s.events.Push(TrackAdded{ID: s.id, Track: track})
}

func (s *PeerSession) handlePeerState(st domain.PeerState) {
	s.logger.Info().Str("peer_state", st.String()).Msg("peer state")
	if st == domain.PeerStateConnected {
		s.advance(SessionConnected)
		return
	}
	if !st.Terminal() {
		return
	}

	s.mu.Lock()
	fire := s.state != SessionClosed && !s.disconnected
	s.disconnected = true
	s.mu.Unlock()
	if fire {
		s.events.Push(Disconnected{ID: s.id})
	}
}
