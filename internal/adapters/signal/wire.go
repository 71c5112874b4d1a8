package signal

import (
	"errors"
	"fmt"

	"github.com/dkeye/renderstream/internal/core"
	"github.com/dkeye/renderstream/internal/domain"
)

// SessionHeader carries the polling session id on every request after PUT /signaling.
const SessionHeader = "Session-Id"

const (
	TypeConnect    = "connect"
	TypeDisconnect = "disconnect"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeCandidate  = "candidate"
)

var ErrUnknownType = errors.New("unknown message type")

// Payload carries the negotiation fields shared by both encodings.
type Payload struct {
	ConnectionID  string `json:"connectionId"`
	SDP           string `json:"sdp,omitempty"`
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	Polite        bool   `json:"polite"`
}

// Envelope is one WebSocket frame. Connect and disconnect use the top-level
// fields; offer, answer and candidate put theirs in Data.
type Envelope struct {
	Type         string   `json:"type"`
	From         string   `json:"from,omitempty"`
	ConnectionID string   `json:"connectionId,omitempty"`
	Polite       bool     `json:"polite,omitempty"`
	Data         *Payload `json:"data,omitempty"`
}

// Message is one entry of a polling response.
type Message struct {
	Type string `json:"type"`
	Payload
	Datetime int64 `json:"datetime"`
}

type Messages struct {
	Messages []Message `json:"messages"`
	Datetime int64     `json:"datetime"`
}

type SessionResponse struct {
	SessionID string `json:"sessionId"`
}

type ConnectionRequest struct {
	ConnectionID string `json:"connectionId"`
}

type ConnectionResponse struct {
	ConnectionID string `json:"connectionId"`
	Polite       bool   `json:"polite"`
}

type DescriptionRequest struct {
	ConnectionID string `json:"connectionId"`
	SDP          string `json:"sdp"`
}

type CandidateRequest struct {
	ConnectionID  string `json:"connectionId"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

func candidatePayload(id domain.ConnectionID, c domain.ICECandidate) Payload {
	return Payload{
		ConnectionID:  string(id),
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

// toEvent maps a decoded message onto the signal event variants.
func toEvent(typ string, p Payload) (core.SignalEvent, error) {
	id := domain.ConnectionID(p.ConnectionID)
	switch typ {
	case TypeOffer:
		return core.OfferReceived{ID: id, SDP: p.SDP, Polite: p.Polite}, nil
	case TypeAnswer:
		return core.AnswerReceived{ID: id, SDP: p.SDP}, nil
	case TypeCandidate:
		return core.CandidateReceived{ID: id, Candidate: domain.ICECandidate{
			Candidate:     p.Candidate,
			SDPMid:        p.SDPMid,
			SDPMLineIndex: p.SDPMLineIndex,
		}}, nil
	case TypeDisconnect:
		return core.PeerDisconnected{ID: id}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}
