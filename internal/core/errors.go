package core

import "errors"

var (
	// ErrSignalingUnavailable means the relay could not be reached; the session must not proceed.
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	// ErrNegotiationRejected means the engine refused a remote description.
	ErrNegotiationRejected = errors.New("negotiation rejected")
	// ErrCandidateMalformed is logged and swallowed.
	ErrCandidateMalformed = errors.New("candidate malformed")
	// ErrChannelNotReady is logged and swallowed on send.
	ErrChannelNotReady = errors.New("data channel not ready")
	// ErrSessionClosed is returned by PeerSession operations after Close.
	ErrSessionClosed = errors.New("session closed")
)
