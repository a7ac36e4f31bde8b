package client

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/pkg/audio"
)

// Stream is the inbound audio state for one remote source: its decoder,
// its jitter buffer, and activity bookkeeping. A Stream is created on the
// first Sound message from an unknown source and reaped after the silence
// timeout.
type Stream struct {
	source  uuid.UUID
	decoder audio.FrameDecoder
	buffer  *JitterBuffer

	lastArrival atomic.Int64 // unix milliseconds
	talking     atomic.Bool
}

// Source returns the remote source identifier.
func (s *Stream) Source() uuid.UUID { return s.source }

// Talking reports whether frames arrived recently enough for the source
// to count as speaking. Safe from any goroutine; the host UI polls this.
func (s *Stream) Talking() bool { return s.talking.Load() }

// LastArrival returns the time of the most recent frame.
func (s *Stream) LastArrival() time.Time {
	return time.UnixMilli(s.lastArrival.Load())
}

func (s *Stream) touch(now time.Time) {
	s.lastArrival.Store(now.UnixMilli())
	s.talking.Store(true)
}

// Registry maps remote sources to their Streams. The receive loop inserts
// and the reaper removes while the host iterates for display, so all
// access goes through the lock and entries are fully constructed before
// they are published.
type Registry struct {
	mu        sync.RWMutex
	streams   map[uuid.UUID]*Stream
	factory   audio.DecoderFactory
	lookAhead int
}

// NewRegistry creates a registry. factory builds one decoder per stream.
func NewRegistry(factory audio.DecoderFactory, lookAhead int) *Registry {
	return &Registry{
		streams:   make(map[uuid.UUID]*Stream),
		factory:   factory,
		lookAhead: lookAhead,
	}
}

// GetOrCreate returns the stream for source, creating it on first sight.
func (r *Registry) GetOrCreate(source uuid.UUID) (*Stream, error) {
	r.mu.RLock()
	stream, ok := r.streams[source]
	r.mu.RUnlock()
	if ok {
		return stream, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if stream, ok := r.streams[source]; ok {
		return stream, nil
	}

	decoder, err := r.factory.NewDecoder()
	if err != nil {
		return nil, fmt.Errorf("client: decoder for %s: %w", source, err)
	}
	stream = &Stream{
		source:  source,
		decoder: decoder,
		buffer:  NewJitterBuffer(r.lookAhead),
	}
	r.streams[source] = stream
	return stream, nil
}

// Get returns the stream for source, or nil.
func (r *Registry) Get(source uuid.UUID) *Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streams[source]
}

// Remove drops the stream for source.
func (r *Registry) Remove(source uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, source)
}

// Snapshot returns the current streams. The slice is the caller's; the
// streams themselves are shared and use atomic state.
func (r *Registry) Snapshot() []*Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		result = append(result, s)
	}
	return result
}

// Len returns the number of active streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}
