package audio

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// DefaultRetention is how many seconds of audio a SampleBuffer keeps.
const DefaultRetention = 20.0

// ErrRangeEvicted is returned by ExtractSegment when the requested range lies
// entirely outside the retained audio.
var ErrRangeEvicted = errors.New("audio: requested range is outside retained audio")

// EventKind identifies an entry in the buffer's audit log.
type EventKind int

const (
	EventSpeechStart EventKind = iota
	EventSpeechEnd
	EventSilenceStart
)

func (k EventKind) String() string {
	switch k {
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	case EventSilenceStart:
		return "silence_start"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is an immutable audit log entry. It is kept for diagnostics only.
type Event struct {
	Kind      EventKind
	Timestamp float64
	Metadata  map[string]any
}

// SampleBuffer is a rolling, time-indexed store of audio chunks plus a side
// log of events. Chunks older than the retention horizon (measured back from
// the end of the newest chunk) are evicted oldest-first, a whole chunk at a
// time; events are evicted with them.
//
// Usage:
//
//	buf := NewSampleBuffer(16000, 20)
//	buf.Append(chunk)
//	seg, err := buf.ExtractSegment(1.2, 3.4)
type SampleBuffer struct {
	mu sync.Mutex

	sampleRate int
	retention  float64

	chunks []Chunk
	events []Event
}

// NewSampleBuffer creates a buffer for mono audio at sampleRate that keeps
// retention seconds. A non-positive retention selects DefaultRetention.
func NewSampleBuffer(sampleRate int, retention float64) *SampleBuffer {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &SampleBuffer{
		sampleRate: sampleRate,
		retention:  retention,
	}
}

// Append copies chunk into the buffer and evicts anything that fell out of
// the retention horizon. Empty chunks are ignored.
func (b *SampleBuffer) Append(chunk Chunk) {
	if len(chunk.Samples) == 0 {
		return
	}
	samples := make([]float32, len(chunk.Samples))
	copy(samples, chunk.Samples)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, Chunk{Samples: samples, Timestamp: chunk.Timestamp})
	b.evictLocked()
}

func (b *SampleBuffer) evictLocked() {
	if len(b.chunks) == 0 {
		return
	}
	horizon := b.chunks[len(b.chunks)-1].End(b.sampleRate) - b.retention

	drop := 0
	for drop < len(b.chunks)-1 && b.chunks[drop].End(b.sampleRate) <= horizon {
		drop++
	}
	if drop > 0 {
		// Zero the dropped entries so their sample slices can be collected.
		for i := 0; i < drop; i++ {
			b.chunks[i] = Chunk{}
		}
		b.chunks = b.chunks[drop:]
	}

	oldest := b.chunks[0].Timestamp
	keep := 0
	for keep < len(b.events) && b.events[keep].Timestamp < oldest {
		keep++
	}
	if keep > 0 {
		b.events = append([]Event(nil), b.events[keep:]...)
	}
}

// ExtractSegment returns a copy of the samples covering [start, end], clipped
// to the retained audio. It returns ErrRangeEvicted when nothing of the range
// is retained. SourceDuration of the result is the clipped span length;
// callers that pad the range overwrite it.
func (b *SampleBuffer) ExtractSegment(start, end float64) (*Segment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.chunks) == 0 || end <= start {
		return nil, ErrRangeEvicted
	}

	oldest := b.chunks[0].Timestamp
	newest := b.chunks[len(b.chunks)-1].End(b.sampleRate)
	start = math.Max(start, oldest)
	end = math.Min(end, newest)
	if end <= start {
		return nil, ErrRangeEvicted
	}

	rate := float64(b.sampleRate)
	samples := make([]float32, 0, int(math.Ceil((end-start)*rate)))
	for _, c := range b.chunks {
		cEnd := c.End(b.sampleRate)
		if cEnd <= start || c.Timestamp >= end {
			continue
		}
		from := clampIndex(int(math.Round((start-c.Timestamp)*rate)), len(c.Samples))
		to := clampIndex(int(math.Round((end-c.Timestamp)*rate)), len(c.Samples))
		samples = append(samples, c.Samples[from:to]...)
	}
	if len(samples) == 0 {
		return nil, ErrRangeEvicted
	}

	return &Segment{
		Samples:        samples,
		StartTime:      start,
		EndTime:        end,
		SourceDuration: end - start,
	}, nil
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

// AddEvent appends an entry to the audit log.
func (b *SampleBuffer) AddEvent(kind EventKind, timestamp float64, metadata map[string]any) {
	var md map[string]any
	if len(metadata) > 0 {
		md = make(map[string]any, len(metadata))
		for k, v := range metadata {
			md[k] = v
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, Event{Kind: kind, Timestamp: timestamp, Metadata: md})
}

// Events returns a snapshot of the audit log in insertion order.
func (b *SampleBuffer) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.events...)
}

// Span returns the oldest retained timestamp and the end of the newest
// chunk. ok is false when the buffer is empty.
func (b *SampleBuffer) Span() (oldest, newest float64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) == 0 {
		return 0, 0, false
	}
	return b.chunks[0].Timestamp, b.chunks[len(b.chunks)-1].End(b.sampleRate), true
}

// Len returns the number of retained samples.
func (b *SampleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.chunks {
		n += len(c.Samples)
	}
	return n
}

// SampleRate returns the rate the buffer was created with.
func (b *SampleBuffer) SampleRate() int {
	return b.sampleRate
}

// Clear drops all audio and events.
func (b *SampleBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.events = nil
}
