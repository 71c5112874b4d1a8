package core

import "github.com/dkeye/renderstream/internal/domain"

// SessionEvent is emitted by a PeerSession for the controller to route.
type SessionEvent interface {
	ConnectionID() domain.ConnectionID
	sessionEvent()
}

// SendOffer asks the signaling channel to transmit a local offer.
type SendOffer struct {
	ID  domain.ConnectionID
	SDP string
}

// SendAnswer asks the signaling channel to transmit a local answer.
type SendAnswer struct {
	ID  domain.ConnectionID
	SDP string
}

// SendCandidate asks the signaling channel to transmit a local candidate.
type SendCandidate struct {
	ID        domain.ConnectionID
	Candidate domain.ICECandidate
}

// TrackAdded carries a remote track for the media sink.
type TrackAdded struct {
	ID    domain.ConnectionID
	Track MediaTrack
}

// Disconnected is emitted once when the transport reaches a terminal state.
type Disconnected struct {
	ID domain.ConnectionID
}

func (e SendOffer) ConnectionID() domain.ConnectionID     { return e.ID }
func (e SendAnswer) ConnectionID() domain.ConnectionID    { return e.ID }
func (e SendCandidate) ConnectionID() domain.ConnectionID { return e.ID }
func (e TrackAdded) ConnectionID() domain.ConnectionID    { return e.ID }
func (e Disconnected) ConnectionID() domain.ConnectionID  { return e.ID }

func (SendOffer) sessionEvent()     {}
func (SendAnswer) sessionEvent()    {}
func (SendCandidate) sessionEvent() {}
func (TrackAdded) sessionEvent()    {}
func (Disconnected) sessionEvent()  {}
