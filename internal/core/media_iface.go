package core

import (
	"context"

	"github.com/dkeye/renderstream/internal/domain"
)

// PeerEngine is the peer-connection engine a PeerSession drives.
// Callbacks may fire on any goroutine and must be registered before negotiation starts.
type PeerEngine interface {
	// CreateDataChannel adds a channel that is carried by the next offer or answer.
	CreateDataChannel(label string) (DataChannel, error)
	// CreateOffer starts a negotiation round; the offer is delivered through OnLocalDescription.
	CreateOffer(ctx context.Context) error
	// ApplyDescription applies a remote offer or answer. For an offer the engine produces
	// an answer and delivers it through OnLocalDescription.
	ApplyDescription(ctx context.Context, desc domain.SessionDescription) error
	// AddICECandidate applies a remote candidate. Candidates received before the remote
	// description are held until it is applied.
	AddICECandidate(ctx context.Context, cand domain.ICECandidate) error
	// SetPolite applies the role assigned by the relay. A polite engine holds its
	// offers until the first negotiation completes; turning impolite releases them.
	SetPolite(polite bool)

	OnLocalDescription(func(domain.SessionDescription))
	OnICECandidate(func(domain.ICECandidate))
	OnTrack(func(MediaTrack))
	OnStateChange(func(domain.PeerState))

	// Close should stop all underlying media resources.
	Close() error
}

// DataChannel is a bidirectional message channel owned by a PeerSession.
type DataChannel interface {
	Label() string
	State() domain.ChannelState
	Send(payload []byte) error
	SendText(text string) error
	OnMessage(func(payload []byte))
	OnStateChange(func(domain.ChannelState))
	Close() error
}

// MediaTrack is a remote media track that can be shown by a sink.
type MediaTrack interface {
	ID() string
	Kind() domain.TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
}
