package core

import (
	"github.com/dkeye/renderstream/internal/domain"
	"github.com/rs/zerolog/log"
)

// DataChannelGateway sends application payloads over the session data channel.
// Sends on a missing or unready channel are dropped and logged, never returned as errors.
type DataChannelGateway struct {
	channel DataChannel
}

func NewDataChannelGateway(ch DataChannel) *DataChannelGateway {
	g := &DataChannelGateway{channel: ch}
	if ch != nil {
		ch.OnStateChange(func(s domain.ChannelState) {
			switch s {
			case domain.ChannelOpen:
				log.Info().Str("module", "core.gateway").Str("label", ch.Label()).Msg("data channel connected")
			case domain.ChannelClosed:
				log.Info().Str("module", "core.gateway").Str("label", ch.Label()).Msg("data channel disconnected")
			case domain.ChannelConnecting, domain.ChannelClosing:
			}
		})
	}
	return g
}

// OnMessage registers the receiver of inbound payloads.
func (g *DataChannelGateway) OnMessage(fn func([]byte)) {
	if g == nil || g.channel == nil {
		return
	}
	g.channel.OnMessage(fn)
}

// Send reports whether the payload was handed to an open channel.
func (g *DataChannelGateway) Send(payload []byte) bool {
	return g.send(func(ch DataChannel) error { return ch.Send(payload) })
}

func (g *DataChannelGateway) SendText(text string) bool {
	return g.send(func(ch DataChannel) error { return ch.SendText(text) })
}

func (g *DataChannelGateway) send(do func(DataChannel) error) bool {
	if g == nil || g.channel == nil {
		return false
	}
	logger := log.With().Str("module", "core.gateway").Str("label", g.channel.Label()).Logger()

	switch st := g.channel.State(); st {
	case domain.ChannelOpen:
		if err := do(g.channel); err != nil {
			logger.Error().Err(err).Msg("send failed")
			return false
		}
		return true
	case domain.ChannelConnecting:
		logger.Warn().Err(ErrChannelNotReady).Msg("connection not ready")
	case domain.ChannelClosing:
		logger.Warn().Err(ErrChannelNotReady).Msg("attempt to send while closing")
	case domain.ChannelClosed:
		logger.Warn().Err(ErrChannelNotReady).Msg("attempt to send while connection closed")
	default:
		logger.Warn().Err(ErrChannelNotReady).Str("state", st.String()).Msg("unknown channel state")
	}
	return false
}
