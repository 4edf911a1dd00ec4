package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/realtime-ai/turntaking/pkg/audio"
)

// EchoPipeline answers every turn by describing it and playing its audio
// back. It needs no external service and is used when no model backend is
// configured, and in tests.
type EchoPipeline struct {
	// ChunkSamples is the number of samples per audio chunk (default 1600).
	ChunkSamples int
	// Delay is slept before each chunk is sent.
	Delay time.Duration
	// Fail, if set, ends every stream with this error after the transcript.
	Fail error

	registry *Registry
	started  atomic.Int32
	cancels  atomic.Int32
}

// NewEchoPipeline returns an echo pipeline with default chunking.
func NewEchoPipeline() *EchoPipeline {
	return &EchoPipeline{ChunkSamples: 1600, registry: NewRegistry()}
}

// Start implements ConversationPipeline.
func (p *EchoPipeline) Start(ctx context.Context, turn Turn) (Stream, error) {
	if turn.Segment == nil && turn.Text == "" {
		return nil, fmt.Errorf("echo: empty turn")
	}
	if p.registry == nil {
		p.registry = NewRegistry()
	}
	p.started.Add(1)

	id := uuid.NewString()
	ctx = p.registry.Track(ctx, id)
	stream := NewChanStream(id, 8)

	go func() {
		defer p.registry.Done(id)
		stream.Close(p.run(ctx, stream, turn))
	}()
	return stream, nil
}

func (p *EchoPipeline) run(ctx context.Context, stream *ChanStream, turn Turn) error {
	transcript := turn.Text
	if transcript == "" {
		transcript = fmt.Sprintf("[%.2fs of speech in %d part(s)]", turn.Segment.SourceDuration, turn.Parts)
	}
	if err := p.send(ctx, stream, ResponseChunk{Kind: ChunkTranscript, Text: transcript}); err != nil {
		return err
	}
	if p.Fail != nil {
		return p.Fail
	}
	if err := p.send(ctx, stream, ResponseChunk{Kind: ChunkText, Text: "You said: " + transcript}); err != nil {
		return err
	}
	if turn.Segment == nil {
		return nil
	}

	step := p.ChunkSamples
	if step <= 0 {
		step = 1600
	}
	samples := turn.Segment.Samples
	for off := 0; off < len(samples); off += step {
		end := off + step
		if end > len(samples) {
			end = len(samples)
		}
		chunk := ResponseChunk{Kind: ChunkAudio, Audio: audio.EncodePCM16(samples[off:end]), SampleRate: turn.SampleRate}
		if err := p.send(ctx, stream, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (p *EchoPipeline) send(ctx context.Context, stream *ChanStream, chunk ResponseChunk) error {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return ErrStreamCancelled
		}
	}
	return stream.Send(ctx, chunk)
}

// Cancel implements ConversationPipeline.
func (p *EchoPipeline) Cancel(streamID string) {
	p.cancels.Add(1)
	if p.registry != nil {
		p.registry.Cancel(streamID)
	}
}

// Started returns how many streams were started.
func (p *EchoPipeline) Started() int { return int(p.started.Load()) }

// Cancels returns how many Cancel calls were received.
func (p *EchoPipeline) Cancels() int { return int(p.cancels.Load()) }

var _ ConversationPipeline = (*EchoPipeline)(nil)
