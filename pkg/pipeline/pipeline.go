// Package pipeline defines the boundary between the turn-taking core and the
// conversation service that answers a turn, plus the event bus on which a
// session publishes notices to its transport.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/realtime-ai/turntaking/pkg/audio"
)

// ErrStreamCancelled is the stream error after Cancel or context
// cancellation.
var ErrStreamCancelled = errors.New("pipeline: stream cancelled")

// Turn is one unit of user input handed to a ConversationPipeline. Exactly
// one of Segment and Text is set.
type Turn struct {
	ID         string
	SessionID  string
	Segment    *audio.Segment
	SampleRate int
	// Text is set for typed input.
	Text string
	// Parts is the number of speech segments coalesced into Segment.
	Parts int
}

// ChunkKind tags a ResponseChunk.
type ChunkKind int

const (
	// ChunkTranscript carries the recognized user text. A pipeline sends at
	// most one, before any response chunk.
	ChunkTranscript ChunkKind = iota
	// ChunkText carries a fragment of the response text.
	ChunkText
	// ChunkAudio carries a fragment of response audio as 16-bit PCM.
	ChunkAudio
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkTranscript:
		return "transcript"
	case ChunkText:
		return "text"
	case ChunkAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// ResponseChunk is one streamed piece of a response.
type ResponseChunk struct {
	Kind  ChunkKind
	Text  string
	Audio []byte
	// SampleRate of Audio in Hz.
	SampleRate int
}

// Stream is an in-flight response. Chunks is closed when the response ends;
// Err is valid after that.
type Stream interface {
	ID() string
	Chunks() <-chan ResponseChunk
	Err() error
}

// ConversationPipeline produces streamed responses for turns.
type ConversationPipeline interface {
	// Start begins answering turn. The returned stream ends early when ctx
	// is cancelled.
	Start(ctx context.Context, turn Turn) (Stream, error)
	// Cancel stops the stream with the given id. Cancelling a finished or
	// unknown stream is a no-op.
	Cancel(streamID string)
}

// ChanStream is a channel-backed Stream for pipeline implementations.
type ChanStream struct {
	id   string
	ch   chan ResponseChunk
	once sync.Once

	mu  sync.Mutex
	err error
}

// NewChanStream returns a stream with a buffer of size chunks.
func NewChanStream(id string, size int) *ChanStream {
	return &ChanStream{id: id, ch: make(chan ResponseChunk, size)}
}

func (s *ChanStream) ID() string                  { return s.id }
func (s *ChanStream) Chunks() <-chan ResponseChunk { return s.ch }

func (s *ChanStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send delivers chunk unless ctx ends first, in which case it returns
// ErrStreamCancelled.
func (s *ChanStream) Send(ctx context.Context, chunk ResponseChunk) error {
	if ctx.Err() != nil {
		return ErrStreamCancelled
	}
	select {
	case s.ch <- chunk:
		return nil
	case <-ctx.Done():
		return ErrStreamCancelled
	}
}

// Close ends the stream with err. Only the first call has an effect.
func (s *ChanStream) Close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}

// Registry tracks the cancel functions of in-flight streams so that a
// pipeline can implement Cancel by id.
type Registry struct {
	mu      sync.Mutex
	streams map[string]context.CancelFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]context.CancelFunc)}
}

// Track derives a cancellable context for stream id.
func (r *Registry) Track(ctx context.Context, id string) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.streams[id] = cancel
	r.mu.Unlock()
	return ctx
}

// Cancel cancels stream id and reports whether it was still tracked.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.streams[id]
	delete(r.streams, id)
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Done releases stream id after it finished on its own.
func (r *Registry) Done(id string) {
	r.mu.Lock()
	cancel, ok := r.streams[id]
	delete(r.streams, id)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Active returns the number of tracked streams.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
