// Package relay is a development signaling relay speaking both the HTTP polling
// and the WebSocket encodings. Participants are paired per connection id.
package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/renderstream/internal/adapters/signal"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrConnectionFull     = errors.New("connection already has two participants")
	ErrNotConnected       = errors.New("participant not in connection")
	ErrNoPeer             = errors.New("no peer on connection")
)

// Participant receives messages routed by the hub.
type Participant interface {
	ID() string
	Deliver(m signal.Message)
}

type pair struct {
	members [2]string
	polite  [2]bool
}

func (p *pair) index(pid string) int {
	for i, m := range p.members {
		if m == pid {
			return i
		}
	}
	return -1
}

func (p *pair) empty() bool { return p.members[0] == "" && p.members[1] == "" }

type Hub struct {
	mu           sync.Mutex
	participants map[string]Participant
	pairs        map[string]*pair
	joined       map[string]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		participants: make(map[string]Participant),
		pairs:        make(map[string]*pair),
		joined:       make(map[string]map[string]struct{}),
	}
}

func (h *Hub) Register(p Participant) {
	h.mu.Lock()
	h.participants[p.ID()] = p
	h.joined[p.ID()] = make(map[string]struct{})
	h.mu.Unlock()
	log.Info().Str("module", "relay").Str("participant", p.ID()).Msg("participant registered")
}

// Leave disconnects the participant from every connection and forgets it.
func (h *Hub) Leave(pid string) {
	h.mu.Lock()
	conns := make([]string, 0, len(h.joined[pid]))
	for id := range h.joined[pid] {
		conns = append(conns, id)
	}
	h.mu.Unlock()

	for _, id := range conns {
		_ = h.Disconnect(pid, id)
	}

	h.mu.Lock()
	delete(h.participants, pid)
	delete(h.joined, pid)
	h.mu.Unlock()
	log.Info().Str("module", "relay").Str("participant", pid).Msg("participant left")
}

// Connect adds pid to the connection. The first participant is polite.
func (h *Hub) Connect(pid, connID string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.participants[pid]; !ok {
		return false, ErrUnknownParticipant
	}

	p, ok := h.pairs[connID]
	if !ok {
		p = &pair{}
		h.pairs[connID] = p
	}
	if i := p.index(pid); i >= 0 {
		return p.polite[i], nil
	}

	slot := p.index("")
	if slot < 0 {
		return false, ErrConnectionFull
	}
	other := p.members[1-slot]
	polite := other == "" || !p.polite[1-slot]
	p.members[slot] = pid
	p.polite[slot] = polite
	h.joined[pid][connID] = struct{}{}

	log.Info().Str("module", "relay").Str("participant", pid).Str("connection_id", connID).Bool("polite", polite).Msg("connected")
	return polite, nil
}

// Disconnect removes pid from the connection and notifies the remaining participant.
func (h *Hub) Disconnect(pid, connID string) error {
	h.mu.Lock()
	p, ok := h.pairs[connID]
	if !ok {
		h.mu.Unlock()
		return ErrNotConnected
	}
	i := p.index(pid)
	if i < 0 {
		h.mu.Unlock()
		return ErrNotConnected
	}
	p.members[i] = ""
	p.polite[i] = false
	delete(h.joined[pid], connID)

	other := h.participants[p.members[1-i]]
	if p.empty() {
		delete(h.pairs, connID)
	}
	h.mu.Unlock()

	log.Info().Str("module", "relay").Str("participant", pid).Str("connection_id", connID).Msg("disconnected")
	if other != nil {
		other.Deliver(signal.Message{
			Type:     signal.TypeDisconnect,
			Payload:  signal.Payload{ConnectionID: connID},
			Datetime: time.Now().UnixMilli(),
		})
	}
	return nil
}

// Forward sends an offer, answer or candidate to the other participant of the connection.
func (h *Hub) Forward(pid, typ string, payload signal.Payload) error {
	h.mu.Lock()
	p, ok := h.pairs[payload.ConnectionID]
	if !ok {
		h.mu.Unlock()
		return ErrNotConnected
	}
	i := p.index(pid)
	if i < 0 {
		h.mu.Unlock()
		return ErrNotConnected
	}
	other := h.participants[p.members[1-i]]
	otherPolite := p.polite[1-i]
	h.mu.Unlock()

	if other == nil {
		log.Debug().Str("module", "relay").Str("type", typ).Str("connection_id", payload.ConnectionID).Msg("no peer, dropped")
		return ErrNoPeer
	}
	if typ == signal.TypeOffer {
		payload.Polite = otherPolite
	}
	other.Deliver(signal.Message{Type: typ, Payload: payload, Datetime: time.Now().UnixMilli()})
	return nil
}

// Members returns how many participants joined the connection.
func (h *Hub) Members(connID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pairs[connID]
	if !ok {
		return 0
	}
	n := 0
	for _, m := range p.members {
		if m != "" {
			n++
		}
	}
	return n
}
