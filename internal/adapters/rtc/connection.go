package rtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/renderstream/internal/core"
	"github.com/dkeye/renderstream/internal/domain"
	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrEngineClosed = errors.New("engine closed")
	// ErrOfferCollision is returned when a polite engine with a local offer in flight
	// receives a remote one. pion cannot roll a local offer back.
	ErrOfferCollision = errors.New("remote offer collided with local offer")
)

type Options struct {
	ICEServers []string
	// Polite is the role until the relay assigns one. Polite engines hold offers
	// until the first negotiation completes; impolite engines offer at once and
	// ignore colliding remote offers.
	Polite       bool
	ReceiveVideo bool
	ReceiveAudio bool
	// Net replaces the host network stack (vnet in tests).
	Net transport.Net
}

func WebRTCConfig(iceServers []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return cfg
}

// NewFactory returns a constructor producing one engine per session.
func NewFactory(opts Options) func() (core.PeerEngine, error) {
	return func() (core.PeerEngine, error) {
		return NewEngine(opts)
	}
}

// Engine implements core.PeerEngine on a pion PeerConnection.
type Engine struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	mu          sync.Mutex
	closed      bool
	polite      bool
	makingOffer bool
	ignoreOffer bool
	deferred    bool
	pending     []webrtc.ICECandidateInit
	channels    map[string]*dataChannel

	onDesc  func(domain.SessionDescription)
	onICE   func(domain.ICECandidate)
	onTrack func(core.MediaTrack)
	onState func(domain.PeerState)
}

var _ core.PeerEngine = (*Engine)(nil)

func NewEngine(opts Options) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory()}
	if opts.Net != nil {
		se.SetNet(opts.Net)
		se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	pc, err := api.NewPeerConnection(WebRTCConfig(opts.ICEServers))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		pc:       pc,
		polite:   opts.Polite,
		channels: make(map[string]*dataChannel),
		logger:   log.With().Str("module", "webrtc").Logger(),
	}

	for kind, want := range map[webrtc.RTPCodecType]bool{
		webrtc.RTPCodecTypeVideo: opts.ReceiveVideo,
		webrtc.RTPCodecTypeAudio: opts.ReceiveAudio,
	} {
		if !want {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	e.bind()
	return e, nil
}

func (e *Engine) bind() {
	e.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if fn := e.stateHandler(); fn != nil {
			fn(peerState(s))
		}
	})

	e.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		e.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if fn := e.candidateHandler(); fn != nil {
			fn(fromCandidateInit(c.ToJSON()))
		}
	})

	e.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		t := newRemoteTrack(track)
		go t.readLoop(e.logger)
		if fn := e.trackHandler(); fn != nil {
			fn(t)
		}
	})

	// The remote side opens its own channel under the same label; its messages
	// go to the local channel's handler.
	e.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		e.mu.Lock()
		local := e.channels[dc.Label()]
		e.mu.Unlock()
		if local == nil {
			e.logger.Debug().Str("label", dc.Label()).Msg("remote data channel ignored")
			return
		}
		e.logger.Debug().Str("label", dc.Label()).Msg("remote data channel joined")
		dc.OnMessage(func(msg webrtc.DataChannelMessage) { local.deliver(msg.Data) })
	})

	e.pc.OnNegotiationNeeded(func() {
		if e.descriptionHandler() == nil {
			e.logger.Debug().Msg("negotiation needed before handlers were bound")
			return
		}
		if err := e.CreateOffer(context.Background()); err != nil {
			e.logger.Error().Err(err).Msg("negotiation needed: create offer")
		}
	})
}

func (e *Engine) CreateDataChannel(label string) (core.DataChannel, error) {
	ordered := true
	dc, err := e.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	d := newDataChannel(dc, e.logger)
	e.mu.Lock()
	e.channels[label] = d
	e.mu.Unlock()
	return d, nil
}

// SetPolite switches the role. Turning impolite sends any offer held back so far.
func (e *Engine) SetPolite(polite bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.polite = polite
	release := !polite && e.deferred
	if release {
		e.deferred = false
	}
	e.mu.Unlock()

	e.logger.Debug().Bool("polite", polite).Bool("release_offer", release).Msg("role")
	if release {
		if err := e.CreateOffer(context.Background()); err != nil {
			e.logger.Error().Err(err).Msg("released offer")
		}
	}
}

// CreateOffer makes and applies a local offer unless one is already in flight.
// A polite engine defers the offer until it has answered the remote side once.
func (e *Engine) CreateOffer(_ context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.polite && e.pc.CurrentRemoteDescription() == nil {
		e.deferred = true
		e.mu.Unlock()
		e.logger.Debug().Msg("polite: offer deferred until the first negotiation")
		return nil
	}
	if e.makingOffer || e.pc.SignalingState() != webrtc.SignalingStateStable || e.pc.PendingLocalDescription() != nil {
		e.mu.Unlock()
		e.logger.Debug().Msg("offer already in flight")
		return nil
	}
	e.makingOffer = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.makingOffer = false
		e.mu.Unlock()
	}()

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	e.emitDescription(domain.NewOffer(offer.SDP))
	return nil
}

// ApplyDescription applies a remote description. A colliding offer is ignored by an
// impolite engine and rejected with ErrOfferCollision by a polite one.
func (e *Engine) ApplyDescription(_ context.Context, desc domain.SessionDescription) error {
	sd := webrtc.SessionDescription{Type: pionSDPType(desc.Type), SDP: desc.SDP}
	parsed, err := sd.Unmarshal()
	if err != nil {
		return fmt.Errorf("parse remote %s: %w", desc.Type, err)
	}
	e.logger.Debug().Str("type", desc.Type.String()).Strs("media", mediaKinds(parsed)).Msg("remote description")

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	collision := desc.Type == domain.SDPTypeOffer &&
		(e.makingOffer || e.pc.SignalingState() != webrtc.SignalingStateStable)
	e.ignoreOffer = !e.polite && collision
	ignore := e.ignoreOffer
	e.mu.Unlock()

	if ignore {
		e.logger.Info().Msg("glare: ignoring colliding remote offer")
		return nil
	}
	if collision {
		return ErrOfferCollision
	}

	if err := e.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	e.flushPending()

	if desc.Type != domain.SDPTypeOffer {
		return nil
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	// pion raises negotiation-needed again once stable if the answer did not cover everything.
	e.mu.Lock()
	e.deferred = false
	e.mu.Unlock()
	e.emitDescription(domain.NewAnswer(answer.SDP))
	return nil
}

// AddICECandidate validates and applies a remote candidate, holding it until a
// remote description exists.
func (e *Engine) AddICECandidate(_ context.Context, cand domain.ICECandidate) error {
	if cand.IsEndOfCandidates() {
		return nil
	}
	if err := validateCandidate(cand.Candidate); err != nil {
		return fmt.Errorf("%w: %w", core.ErrCandidateMalformed, err)
	}
	init := toCandidateInit(cand)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.pc.RemoteDescription() == nil {
		e.pending = append(e.pending, init)
		e.mu.Unlock()
		return nil
	}
	ignore := e.ignoreOffer
	e.mu.Unlock()

	if err := e.pc.AddICECandidate(init); err != nil {
		if ignore {
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) flushPending() {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, c := range pending {
		if err := e.pc.AddICECandidate(c); err != nil {
			e.logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("queued candidate rejected")
		}
	}
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.pending = nil
	e.deferred = false
	e.mu.Unlock()

	if err := e.pc.Close(); err != nil {
		e.logger.Error().Err(err).Msg("close error")
		return err
	}
	e.logger.Info().Msg("closed")
	return nil
}

func (e *Engine) OnLocalDescription(fn func(domain.SessionDescription)) {
	e.mu.Lock()
	e.onDesc = fn
	e.mu.Unlock()
}

func (e *Engine) OnICECandidate(fn func(domain.ICECandidate)) {
	e.mu.Lock()
	e.onICE = fn
	e.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
func (e *Engine) OnTrack(fn func(core.MediaTrack)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

func (e *Engine) OnStateChange(fn func(domain.PeerState)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

func (e *Engine) emitDescription(desc domain.SessionDescription) {
	if fn := e.descriptionHandler(); fn != nil {
		fn(desc)
	}
}

func (e *Engine) descriptionHandler() func(domain.SessionDescription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	return e.onDesc
}

func (e *Engine) candidateHandler() func(domain.ICECandidate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	return e.onICE
}

func (e *Engine) trackHandler() func(core.MediaTrack) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	return e.onTrack
}

func (e *Engine) stateHandler() func(domain.PeerState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	return e.onState
}

func validateCandidate(raw string) error {
	_, err := ice.UnmarshalCandidate(strings.TrimPrefix(raw, "candidate:"))
	return err
}

func mediaKinds(parsed *sdp.SessionDescription) []string {
	kinds := make([]string, 0, len(parsed.MediaDescriptions))
	for _, md := range parsed.MediaDescriptions {
		kinds = append(kinds, md.MediaName.Media)
	}
	return kinds
}

func pionSDPType(t domain.SDPType) webrtc.SDPType {
	switch t {
	case domain.SDPTypeOffer:
		return webrtc.SDPTypeOffer
	case domain.SDPTypeAnswer:
		return webrtc.SDPTypeAnswer
	default:
		return webrtc.SDPTypeUnknown
	}
}

func peerState(s webrtc.PeerConnectionState) domain.PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.PeerStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.PeerStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.PeerStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.PeerStateFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.PeerStateClosed
	default:
		return domain.PeerStateNew
	}
}

func fromCandidateInit(init webrtc.ICECandidateInit) domain.ICECandidate {
	c := domain.ICECandidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		c.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		c.SDPMLineIndex = *init.SDPMLineIndex
	}
	return c
}

func toCandidateInit(c domain.ICECandidate) webrtc.ICECandidateInit {
	idx := c.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMLineIndex: &idx,
	}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	return init
}
