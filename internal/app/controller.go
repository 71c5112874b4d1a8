package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/renderstream/internal/core"
	"github.com/dkeye/renderstream/internal/domain"
	"github.com/rs/zerolog/log"
)

type EngineFactory func() (core.PeerEngine, error)

// SignalingFactory builds the WebSocket channel when useWebSocket is set, the polling one otherwise.
type SignalingFactory func(useWebSocket bool) core.SignalingChannel

type Options struct {
	DataChannelLabel string
	// Initiator sessions request the first offer right after signaling is up.
	Initiator bool
	// ConnectionID joins an existing connection instead of opening a fresh one
	// on every Start. Messages left over from the previous session share the id.
	ConnectionID domain.ConnectionID
}

// sessionHandle owns everything that belongs to one ConnectionID.
type sessionHandle struct {
	id        domain.ConnectionID
	session   *core.PeerSession
	signaling core.SignalingChannel
	gateway   *core.DataChannelGateway
	stream    *core.OutputStream

	cancel   context.CancelFunc
	done     chan struct{}
	notified atomic.Bool
}

// SessionController drives at most one PeerSession at a time: it wires the
// session to signaling, binds incoming tracks to the sink and exposes the data channel.
type SessionController struct {
	newEngine    EngineFactory
	newSignaling SignalingFactory
	opts         Options
	binder       *core.MediaSinkBinder

	// lifecycle serializes Start and Stop
	lifecycle sync.Mutex

	mu           sync.Mutex
	current      *sessionHandle
	stopped      bool
	onDisconnect func(domain.ConnectionID)
	onMessage    func([]byte)
}

func NewSessionController(newEngine EngineFactory, newSignaling SignalingFactory, opts Options, sink core.Sink) *SessionController {
	if opts.DataChannelLabel == "" {
		opts.DataChannelLabel = "data"
	}
	return &SessionController{
		newEngine:    newEngine,
		newSignaling: newSignaling,
		opts:         opts,
		binder:       core.NewMediaSinkBinder(sink),
	}
}

// Start replaces any running session with a fresh one. It fails with
// core.ErrSignalingUnavailable when the relay cannot be reached.
func (c *SessionController) Start(ctx context.Context, useWebSocket bool) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if err := c.stopCurrent(ctx); err != nil {
		log.Warn().Err(err).Str("module", "app.controller").Msg("stop previous session")
	}
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()

	id := c.opts.ConnectionID
	if id.IsZero() {
		id = domain.NewConnectionID()
	}
	logger := log.With().Str("module", "app.controller").Str("connection_id", string(id)).Logger()

	engine, err := c.newEngine()
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	sess := core.NewPeerSession(id, engine)

	dc, err := sess.CreateDataChannel(c.opts.DataChannelLabel)
	if err != nil {
		sess.Close()
		return err
	}
	gw := core.NewDataChannelGateway(dc)
	gw.OnMessage(c.deliverMessage)

	sig := c.newSignaling(useWebSocket)
	if err := sig.Start(ctx); err != nil {
		sess.Close()
		_ = sig.Stop(ctx)
		if !errors.Is(err, core.ErrSignalingUnavailable) {
			err = fmt.Errorf("%w: %w", core.ErrSignalingUnavailable, err)
		}
		logger.Error().Err(err).Msg("signaling start failed")
		return err
	}
	if err := sig.CreateConnection(ctx, id); err != nil {
		sess.Close()
		_ = sig.Stop(ctx)
		err = fmt.Errorf("%w: create connection: %w", core.ErrSignalingUnavailable, err)
		logger.Error().Err(err).Msg("register connection failed")
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	h := &sessionHandle{
		id:        id,
		session:   sess,
		signaling: sig,
		gateway:   gw,
		stream:    core.NewOutputStream(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	c.current = h
	c.mu.Unlock()

	go c.dispatch(loopCtx, h)
	logger.Info().Bool("websocket", useWebSocket).Bool("initiator", c.opts.Initiator).Msg("session started")

	if c.opts.Initiator {
		if err := sess.Negotiate(ctx); err != nil {
			logger.Error().Err(err).Msg("negotiate")
		}
	}
	return nil
}

// Stop tears the current session down. Calling it without a session is a no-op.
func (c *SessionController) Stop(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	return c.stopCurrent(ctx)
}

func (c *SessionController) stopCurrent(ctx context.Context) error {
	c.mu.Lock()
	h := c.current
	c.current = nil
	c.mu.Unlock()
	if h == nil {
		return nil
	}

	logger := log.With().Str("module", "app.controller").Str("connection_id", string(h.id)).Logger()

	h.cancel()
	<-h.done

	var errs []error
	if err := h.signaling.DeleteConnection(ctx, h.id); err != nil {
		logger.Warn().Err(err).Msg("delete connection")
	}
	if err := h.signaling.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop signaling: %w", err))
	}
	h.session.Close()

	logger.Info().Msg("session stopped")
	return errors.Join(errs...)
}

// Send reports whether payload was handed to an open data channel.
func (c *SessionController) Send(payload []byte) bool {
	h := c.handle()
	if h == nil {
		log.Warn().Str("module", "app.controller").Err(core.ErrChannelNotReady).Msg("send without session")
		return false
	}
	return h.gateway.Send(payload)
}

func (c *SessionController) SendText(text string) bool {
	h := c.handle()
	if h == nil {
		log.Warn().Str("module", "app.controller").Err(core.ErrChannelNotReady).Msg("send without session")
		return false
	}
	return h.gateway.SendText(text)
}

// Stream returns the output stream of the current session, nil when there is none.
func (c *SessionController) Stream() *core.OutputStream {
	if h := c.handle(); h != nil {
		return h.stream
	}
	return nil
}

func (c *SessionController) ConnectionID() domain.ConnectionID {
	if h := c.handle(); h != nil {
		return h.id
	}
	return ""
}

// State is Idle before the first Start and Closed after Stop.
func (c *SessionController) State() core.SessionState {
	c.mu.Lock()
	h, stopped := c.current, c.stopped
	c.mu.Unlock()

	switch {
	case h != nil:
		return h.session.State()
	case stopped:
		return core.SessionClosed
	default:
		return core.SessionIdle
	}
}

// OnDisconnect registers fn, called at most once per session from its own goroutine.
func (c *SessionController) OnDisconnect(fn func(domain.ConnectionID)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

func (c *SessionController) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *SessionController) handle() *sessionHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *SessionController) deliverMessage(payload []byte) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

// dispatch is the only goroutine that feeds a session.
func (c *SessionController) dispatch(ctx context.Context, h *sessionHandle) {
	defer close(h.done)

	sessionEvents := h.session.Events()
	signalEvents := h.signaling.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sessionEvents:
			if !ok {
				sessionEvents = nil
				continue
			}
			c.onSessionEvent(h, ev)
		case ev, ok := <-signalEvents:
			if !ok {
				signalEvents = nil
				continue
			}
			c.onSignalEvent(ctx, h, ev)
		}
	}
}

func (c *SessionController) onSessionEvent(h *sessionHandle, ev core.SessionEvent) {
	switch ev := ev.(type) {
	case core.SendOffer:
		h.signaling.SendOffer(ev.ID, ev.SDP)
	case core.SendAnswer:
		h.signaling.SendAnswer(ev.ID, ev.SDP)
	case core.SendCandidate:
		h.signaling.SendCandidate(ev.ID, ev.Candidate)
	case core.TrackAdded:
		c.binder.Bind(h.stream, ev.Track)
	case core.Disconnected:
		c.notifyDisconnect(h, "peer connection lost")
	}
}

func (c *SessionController) onSignalEvent(ctx context.Context, h *sessionHandle, ev core.SignalEvent) {
	logger := log.With().Str("module", "app.controller").Str("connection_id", string(h.id)).Logger()

	var err error
	switch ev := ev.(type) {
	case core.ConnectionReady:
		if ev.ID == h.id {
			h.session.SetPolite(ev.Polite)
		}
	case core.OfferReceived:
		logger.Debug().Bool("polite", ev.Polite).Msg("offer received")
		err = h.session.OnGotDescription(ctx, ev.ID, domain.NewOffer(ev.SDP))
	case core.AnswerReceived:
		err = h.session.OnGotDescription(ctx, ev.ID, domain.NewAnswer(ev.SDP))
	case core.CandidateReceived:
		h.session.OnGotCandidate(ctx, ev.ID, ev.Candidate)
	case core.PeerDisconnected:
		if ev.ID == h.id {
			c.notifyDisconnect(h, "remote peer left")
		}
	}

	if errors.Is(err, core.ErrNegotiationRejected) {
		logger.Error().Err(err).Msg("negotiation rejected")
		c.notifyDisconnect(h, "negotiation rejected")
	} else if err != nil {
		logger.Error().Err(err).Msg("signal handling")
	}
}

func (c *SessionController) notifyDisconnect(h *sessionHandle, reason string) {
	if !h.notified.CompareAndSwap(false, true) {
		return
	}
	log.Info().Str("module", "app.controller").Str("connection_id", string(h.id)).Str("reason", reason).Msg("disconnected")

	c.mu.Lock()
	fn := c.onDisconnect
	c.mu.Unlock()
	if fn != nil {
		go fn(h.id)
	}
}
