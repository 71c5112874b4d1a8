package domain

import "fmt"

type SDPType int

const (
	SDPTypeOffer SDPType = iota + 1
	SDPTypeAnswer
)

func (t SDPType) String() string {
	switch t {
	case SDPTypeOffer:
		return "offer"
	case SDPTypeAnswer:
		return "answer"
	default:
		return fmt.Sprintf("sdp_type(%d)", int(t))
	}
}

// ParseSDPType maps the wire name of a description role.
func ParseSDPType(s string) (SDPType, error) {
	switch s {
	case "offer":
		return SDPTypeOffer, nil
	case "answer":
		return SDPTypeAnswer, nil
	default:
		return 0, fmt.Errorf("unknown sdp type %q", s)
	}
}

// SessionDescription is one half of an offer/answer exchange.
type SessionDescription struct {
	Type SDPType
	SDP  string
}

func NewOffer(sdp string) SessionDescription {
	return SessionDescription{Type: SDPTypeOffer, SDP: sdp}
}

func NewAnswer(sdp string) SessionDescription {
	return SessionDescription{Type: SDPTypeAnswer, SDP: sdp}
}

// ICECandidate is a trickled network path proposal.
// An empty Candidate marks end-of-candidates.
type ICECandidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

func (c ICECandidate) IsEndOfCandidates() bool { return c.Candidate == "" }
