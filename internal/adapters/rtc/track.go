package rtc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dkeye/renderstream/internal/core"
	"github.com/dkeye/renderstream/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Track wraps a remote pion track. Packets read while the track is disabled are dropped.
type Track struct {
	remote *webrtc.TrackRemote

	enabled   atomic.Bool
	delivered atomic.Uint64
	dropped   atomic.Uint64

	mu       sync.Mutex
	onPacket func(*rtp.Packet)
}

var _ core.MediaTrack = (*Track)(nil)

func newRemoteTrack(remote *webrtc.TrackRemote) *Track {
	t := &Track{remote: remote}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string { return t.remote.ID() }

func (t *Track) Kind() domain.TrackKind {
	if t.remote.Kind() == webrtc.RTPCodecTypeAudio {
		return domain.TrackKindAudio
	}
	return domain.TrackKindVideo
}

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(v bool) { t.enabled.Store(v) }

// OnPacket sets the consumer for RTP packets of an enabled track.
func (t *Track) OnPacket(fn func(*rtp.Packet)) {
	t.mu.Lock()
	t.onPacket = fn
	t.mu.Unlock()
}

// Stats returns delivered and dropped packet counts.
func (t *Track) Stats() (delivered, dropped uint64) {
	return t.delivered.Load(), t.dropped.Load()
}

func (t *Track) readLoop(logger zerolog.Logger) {
	for {
		pkt, _, err := t.remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug().Err(err).Str("track_id", t.ID()).Msg("track read stopped")
			}
			return
		}
		if !t.enabled.Load() {
			t.dropped.Add(1)
			continue
		}
		t.delivered.Add(1)

		t.mu.Lock()
		fn := t.onPacket
		t.mu.Unlock()
		if fn != nil {
			fn(pkt)
		}
	}
}
