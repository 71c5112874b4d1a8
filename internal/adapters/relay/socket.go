package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/renderstream/internal/adapters/signal"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrPeerClosed   = errors.New("connection closed")
)

const writeWait = 5 * time.Second

// wsPeer is a WebSocket participant.
type wsPeer struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func newWSPeer(id string, conn *websocket.Conn) *wsPeer {
	return &wsPeer{id: id, conn: conn, send: make(chan []byte, 64)}
}

func (p *wsPeer) ID() string { return p.id }

func (p *wsPeer) Deliver(m signal.Message) {
	env := signal.Envelope{Type: m.Type}
	if m.Type == signal.TypeDisconnect {
		env.ConnectionID = m.ConnectionID
	} else {
		payload := m.Payload
		env.From = m.ConnectionID
		env.Data = &payload
	}
	p.sendJSON(env)
}

func (p *wsPeer) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("sendJSON marshal")
		return
	}
	if err := p.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("participant", p.id).Msg("frame dropped")
	}
}

func (p *wsPeer) TrySend(b []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPeerClosed
	}
	select {
	case p.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (p *wsPeer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.send)
	_ = p.conn.Close()
	p.mu.Unlock()
}

func (s *Server) writePump(ctx context.Context, p *wsPeer) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "relay").Msg("writePump ctx done")
			return
		case data, ok := <-p.send:
			if !ok {
				return
			}
			if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, p *wsPeer) {
	defer func() {
		log.Info().Str("module", "relay").Str("participant", p.id).Msg("readPump closing")
		cancel()
		s.hub.Leave(p.id)
		s.limiter.Forget(p.id)
		p.Close()
	}()

	p.conn.SetReadLimit(s.cfg.ReadLimit)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("module", "relay").Str("participant", p.id).Msg("readPump read error")
			}
			return
		}
		s.handleFrame(p, data)
	}
}

func (s *Server) handleFrame(p *wsPeer, data []byte) {
	var env signal.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad json")
		return
	}
	if !s.limiter.Allow(p.id) {
		log.Warn().Str("module", "relay").Str("participant", p.id).Msg("rate limited")
		return
	}

	switch env.Type {
	case signal.TypeConnect:
		polite, err := s.hub.Connect(p.id, env.ConnectionID)
		if err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("connection_id", env.ConnectionID).Msg("connect refused")
			return
		}
		p.sendJSON(signal.Envelope{Type: signal.TypeConnect, ConnectionID: env.ConnectionID, Polite: polite})
	case signal.TypeDisconnect:
		_ = s.hub.Disconnect(p.id, env.ConnectionID)
	case signal.TypeOffer, signal.TypeAnswer, signal.TypeCandidate:
		if env.Data == nil {
			log.Warn().Str("module", "relay").Str("type", env.Type).Msg("frame without data")
			return
		}
		if err := s.hub.Forward(p.id, env.Type, *env.Data); err != nil {
			log.Debug().Err(err).Str("module", "relay").Str("type", env.Type).Msg("forward failed")
		}
	default:
		log.Warn().Str("module", "relay").Str("type", env.Type).Msg("unknown signal")
	}
}
