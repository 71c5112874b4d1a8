package domain

import "fmt"

type TrackKind int

const (
	TrackKindVideo TrackKind = iota + 1
	TrackKindAudio
)

func (k TrackKind) String() string {
	switch k {
	case TrackKindVideo:
		return "video"
	case TrackKindAudio:
		return "audio"
	default:
		return fmt.Sprintf("track_kind(%d)", int(k))
	}
}

// ChannelState is the readiness of a data channel.
// Values are ordered; a channel never moves backwards.
type ChannelState int

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	default:
		return fmt.Sprintf("channel_state(%d)", int(s))
	}
}

// Advance returns next if it moves forward from s, otherwise s.
func (s ChannelState) Advance(next ChannelState) ChannelState {
	if next > s {
		return next
	}
	return s
}

// PeerState is the transport readiness reported by the peer engine.
type PeerState int

const (
	PeerStateNew PeerState = iota
	PeerStateConnecting
	PeerStateConnected
	PeerStateDisconnected
	PeerStateFailed
	PeerStateClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerStateNew:
		return "new"
	case PeerStateConnecting:
		return "connecting"
	case PeerStateConnected:
		return "connected"
	case PeerStateDisconnected:
		return "disconnected"
	case PeerStateFailed:
		return "failed"
	case PeerStateClosed:
		return "closed"
	default:
		return fmt.Sprintf("peer_state(%d)", int(s))
	}
}

// Terminal reports whether the transport is gone for good.
func (s PeerState) Terminal() bool {
	switch s {
	case PeerStateDisconnected, PeerStateFailed, PeerStateClosed:
		return true
	default:
		return false
	}
}
