package rtc

import (
	"sync"

	"github.com/dkeye/renderstream/internal/core"
	"github.com/dkeye/renderstream/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type dataChannel struct {
	dc     *webrtc.DataChannel
	logger zerolog.Logger

	mu      sync.Mutex
	state   domain.ChannelState
	onState func(domain.ChannelState)
	onMsg   func([]byte)
}

var _ core.DataChannel = (*dataChannel)(nil)

func newDataChannel(dc *webrtc.DataChannel, logger zerolog.Logger) *dataChannel {
	d := &dataChannel{
		dc:     dc,
		logger: logger.With().Str("label", dc.Label()).Logger(),
		state:  channelState(dc.ReadyState()),
	}

	dc.OnOpen(func() { d.advance(domain.ChannelOpen) })
	dc.OnClose(func() { d.advance(domain.ChannelClosed) })
	dc.OnError(func(err error) {
		d.logger.Warn().Err(err).Msg("data channel error")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { d.deliver(msg.Data) })
	return d
}

func (d *dataChannel) deliver(payload []byte) {
	d.mu.Lock()
	fn := d.onMsg
	d.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

func (d *dataChannel) Label() string { return d.dc.Label() }

// State never moves backwards, even if pion reports an older state late.
func (d *dataChannel) State() domain.ChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = d.state.Advance(channelState(d.dc.ReadyState()))
	return d.state
}

func (d *dataChannel) Send(payload []byte) error { return d.dc.Send(payload) }

func (d *dataChannel) SendText(text string) error { return d.dc.SendText(text) }

func (d *dataChannel) OnMessage(fn func([]byte)) {
	d.mu.Lock()
	d.onMsg = fn
	d.mu.Unlock()
}

func (d *dataChannel) OnStateChange(fn func(domain.ChannelState)) {
	d.mu.Lock()
	d.onState = fn
	d.mu.Unlock()
}

func (d *dataChannel) Close() error {
	d.advance(domain.ChannelClosing)
	return d.dc.Close()
}

func (d *dataChannel) advance(next domain.ChannelState) {
	d.mu.Lock()
	prev := d.state
	d.state = d.state.Advance(next)
	changed := d.state != prev
	fn := d.onState
	cur := d.state
	d.mu.Unlock()

	if changed && fn != nil {
		fn(cur)
	}
}

func channelState(s webrtc.DataChannelState) domain.ChannelState {
	switch s {
	case webrtc.DataChannelStateOpen:
		return domain.ChannelOpen
	case webrtc.DataChannelStateClosing:
		return domain.ChannelClosing
	case webrtc.DataChannelStateClosed:
		return domain.ChannelClosed
	default:
		return domain.ChannelConnecting
	}
}
