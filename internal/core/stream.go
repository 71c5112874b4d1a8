package core

import (
	"sync"

	"github.com/dkeye/renderstream/internal/domain"
	"github.com/rs/zerolog/log"
)

// Sink is the rendering surface fed by an OutputStream.
type Sink interface {
	Attach(stream *OutputStream)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(stream *OutputStream)

func (f SinkFunc) Attach(stream *OutputStream) { f(stream) }

// OutputStream is the set of tracks shown by a sink.
// Only MediaSinkBinder mutates it.
type OutputStream struct {
	mu     sync.RWMutex
	tracks []MediaTrack
}

func NewOutputStream() *OutputStream {
	return &OutputStream{}
}

// Tracks returns a snapshot of the current tracks.
func (o *OutputStream) Tracks() []MediaTrack {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]MediaTrack, len(o.tracks))
	copy(out, o.tracks)
	return out
}

func (o *OutputStream) TracksOfKind(kind domain.TrackKind) []MediaTrack {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []MediaTrack
	for _, t := range o.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// MediaSinkBinder keeps at most one track per kind in an OutputStream.
type MediaSinkBinder struct {
	sink Sink
}

func NewMediaSinkBinder(sink Sink) *MediaSinkBinder {
	return &MediaSinkBinder{sink: sink}
}

// Bind replaces every track of newTrack's kind with newTrack and reattaches the stream.
// Replaced tracks are disabled before removal so no stale frame is rendered.
func (b *MediaSinkBinder) Bind(stream *OutputStream, newTrack MediaTrack) {
	kind := newTrack.Kind()

	stream.mu.Lock()
	kept := make([]MediaTrack, 0, len(stream.tracks)+1)
	removed := 0
	for _, t := range stream.tracks {
		if t.Kind() != kind {
			kept = append(kept, t)
			continue
		}
		if t != newTrack {
			t.SetEnabled(false)
		}
		removed++
	}
	stream.tracks = append(kept, newTrack)
	stream.mu.Unlock()

	log.Info().
		Str("module", "core.sink").
		Str("kind", kind.String()).
		Str("track_id", newTrack.ID()).
		Int("removed", removed).
		Msg("track bound")

	if b.sink != nil {
		b.sink.Attach(stream)
	}
}
