package core

import (
	"context"

	"github.com/dkeye/renderstream/internal/domain"
)

// SignalingChannel abstracts the relay used to exchange negotiation messages.
// Sends are fire-and-forget and keep their order.
type SignalingChannel interface {
	// Start blocks until the channel is ready. It fails with ErrSignalingUnavailable
	// when the relay cannot be reached.
	Start(ctx context.Context) error
	// Stop releases the channel. Calling it more than once is a no-op.
	Stop(ctx context.Context) error

	// CreateConnection registers id with the relay. The assigned role arrives
	// later as a ConnectionReady event.
	CreateConnection(ctx context.Context, id domain.ConnectionID) error
	DeleteConnection(ctx context.Context, id domain.ConnectionID) error

	SendOffer(id domain.ConnectionID, sdp string)
	SendAnswer(id domain.ConnectionID, sdp string)
	SendCandidate(id domain.ConnectionID, cand domain.ICECandidate)

	Events() <-chan SignalEvent
}

// SignalEvent is a message received from the relay.
type SignalEvent interface {
	ConnectionID() domain.ConnectionID
	signalEvent()
}

// ConnectionReady confirms a registered connection and carries the role the relay assigned.
type ConnectionReady struct {
	ID     domain.ConnectionID
	Polite bool
}

type OfferReceived struct {
	ID     domain.ConnectionID
	SDP    string
	Polite bool
}

type AnswerReceived struct {
	ID  domain.ConnectionID
	SDP string
}

type CandidateReceived struct {
	ID        domain.ConnectionID
	Candidate domain.ICECandidate
}

type PeerDisconnected struct {
	ID domain.ConnectionID
}

func (e ConnectionReady) ConnectionID() domain.ConnectionID   { return e.ID }
func (e OfferReceived) ConnectionID() domain.ConnectionID     { return e.ID }
func (e AnswerReceived) ConnectionID() domain.ConnectionID    { return e.ID }
func (e CandidateReceived) ConnectionID() domain.ConnectionID { return e.ID }
func (e PeerDisconnected) ConnectionID() domain.ConnectionID  { return e.ID }

func (ConnectionReady) signalEvent()   {}
func (OfferReceived) signalEvent()     {}
func (AnswerReceived) signalEvent()    {}
func (CandidateReceived) signalEvent() {}
func (PeerDisconnected) signalEvent()  {}
