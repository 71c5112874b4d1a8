package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/renderstream/internal/core"
	"github.com/dkeye/renderstream/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// Socket is the persistent WebSocket signaling channel.
type Socket struct {
	cfg    Config
	dialer *websocket.Dialer
	logger zerolog.Logger

	events *core.EventQueue[core.SignalEvent]
	// nil frame asks the write pump to close the socket after everything queued before it
	send *core.EventQueue[[]byte]

	mu        sync.Mutex
	conn      *websocket.Conn
	started   bool
	stopped   bool
	writeDone chan struct{}
	wg        sync.WaitGroup
}

var _ core.SignalingChannel = (*Socket)(nil)

func NewSocket(cfg Config) *Socket {
	return &Socket{
		cfg:    cfg.withDefaults(),
		dialer: websocket.DefaultDialer,
		logger: log.With().Str("module", "signal").Str("transport", "ws").Logger(),
		events: core.NewEventQueue[core.SignalEvent](),
		send:   core.NewEventQueue[[]byte](),
	}
}

func (s *Socket) Events() <-chan core.SignalEvent { return s.events.Out() }

func (s *Socket) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("%w: channel stopped", core.ErrSignalingUnavailable)
	}
	if s.started {
		return nil
	}

	_, wsURL, err := endpoints(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrSignalingUnavailable, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()
	conn, _, err := s.dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", core.ErrSignalingUnavailable, wsURL, err)
	}

	conn.SetReadLimit(s.cfg.ReadLimit)
	pongWait := s.cfg.PingPeriod * 2
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.conn = conn
	s.started = true
	s.writeDone = make(chan struct{})
	s.wg.Add(2)
	go s.writePump(conn)
	go s.readPump(conn, pongWait)

	s.logger.Info().Str("url", wsURL).Msg("connected")
	return nil
}

// Stop flushes queued frames, closes the socket and ends both pumps.
func (s *Socket) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	conn := s.conn
	writeDone := s.writeDone
	s.mu.Unlock()

	if started {
		s.send.Push(nil)
		select {
		case <-writeDone:
		case <-ctx.Done():
			s.logger.Warn().Err(ctx.Err()).Msg("stop before flush completed")
		}
		_ = conn.Close()
		s.wg.Wait()
	}

	s.send.Close()
	s.events.Close()
	s.logger.Info().Msg("stopped")
	return nil
}

func (s *Socket) CreateConnection(_ context.Context, id domain.ConnectionID) error {
	return s.sendJSON(Envelope{Type: TypeConnect, ConnectionID: string(id)})
}

func (s *Socket) DeleteConnection(_ context.Context, id domain.ConnectionID) error {
	return s.sendJSON(Envelope{Type: TypeDisconnect, ConnectionID: string(id)})
}

func (s *Socket) SendOffer(id domain.ConnectionID, sdp string) {
	s.trySend(Envelope{Type: TypeOffer, From: string(id), Data: &Payload{ConnectionID: string(id), SDP: sdp}})
}

func (s *Socket) SendAnswer(id domain.ConnectionID, sdp string) {
	s.trySend(Envelope{Type: TypeAnswer, From: string(id), Data: &Payload{ConnectionID: string(id), SDP: sdp}})
}

func (s *Socket) SendCandidate(id domain.ConnectionID, cand domain.ICECandidate) {
	p := candidatePayload(id, cand)
	s.trySend(Envelope{Type: TypeCandidate, From: string(id), Data: &p})
}

func (s *Socket) trySend(env Envelope) {
	if err := s.sendJSON(env); err != nil {
		s.logger.Warn().Err(err).Str("type", env.Type).Msg("send dropped")
	}
}

func (s *Socket) sendJSON(env Envelope) error {
	s.mu.Lock()
	ready := s.started && !s.stopped
	s.mu.Unlock()
	if !ready {
		return fmt.Errorf("%w: not connected", core.ErrSignalingUnavailable)
	}

	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	if !s.send.Push(b) {
		return fmt.Errorf("%w: channel stopped", core.ErrSignalingUnavailable)
	}
	return nil
}

func (s *Socket) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		close(s.writeDone)
		s.wg.Done()
	}()

	for {
		select {
		case data, ok := <-s.send.Out():
			if !ok {
				return
			}
			if data == nil {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Error().Err(err).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Error().Err(err).Msg("writePump ping error")
				return
			}
		}
	}
}

func (s *Socket) readPump(conn *websocket.Conn, pongWait time.Duration) {
	defer s.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.isStopped() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("readPump closing")
			} else {
				s.logger.Error().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handle(data)
	}
}

func (s *Socket) handle(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Error().Err(err).Msg("bad json")
		return
	}

	switch env.Type {
	case TypeConnect:
		s.logger.Debug().Str("connection_id", env.ConnectionID).Bool("polite", env.Polite).Msg("connection registered")
		s.events.Push(core.ConnectionReady{ID: domain.ConnectionID(env.ConnectionID), Polite: env.Polite})
		return
	case TypeDisconnect:
		s.events.Push(core.PeerDisconnected{ID: domain.ConnectionID(env.ConnectionID)})
		return
	}

	if env.Data == nil {
		s.logger.Warn().Str("type", env.Type).Msg("frame without data")
		return
	}
	ev, err := toEvent(env.Type, *env.Data)
	if err != nil {
		if errors.Is(err, ErrUnknownType) {
			s.logger.Warn().Str("type", env.Type).Msg("unknown signal")
			return
		}
		s.logger.Error().Err(err).Msg("decode signal")
		return
	}
	s.events.Push(ev)
}

func (s *Socket) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
