package main

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/renderstream/internal/adapters/rtc"
	"github.com/dkeye/renderstream/internal/core"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

// statsSink stands in for a renderer: it counts RTP traffic of the bound tracks.
type statsSink struct {
	mu     sync.Mutex
	stream *core.OutputStream
	bytes  map[string]int
}

func newStatsSink() *statsSink {
	return &statsSink{bytes: make(map[string]int)}
}

func (s *statsSink) Attach(stream *core.OutputStream) {
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()

	for _, t := range stream.Tracks() {
		log.Info().Str("module", "cmd.sink").Str("track_id", t.ID()).Str("kind", t.Kind().String()).Msg("track attached")
		if rt, ok := t.(*rtc.Track); ok {
			id := rt.ID()
			rt.OnPacket(func(p *rtp.Packet) {
				s.mu.Lock()
				s.bytes[id] += len(p.Payload)
				s.mu.Unlock()
			})
		}
	}
}

func (s *statsSink) report(ctx context.Context, enabled bool) {
	if !enabled {
		return
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		stream := s.stream
		s.mu.Unlock()
		if stream == nil {
			continue
		}
		for _, t := range stream.Tracks() {
			ev := log.Info().Str("module", "cmd.sink").Str("track_id", t.ID())
			if rt, ok := t.(*rtc.Track); ok {
				delivered, dropped := rt.Stats()
				s.mu.Lock()
				ev = ev.Uint64("packets", delivered).Uint64("dropped", dropped).Int("payload_bytes", s.bytes[t.ID()])
				s.mu.Unlock()
			}
			ev.Msg("track stats")
		}
	}
}
