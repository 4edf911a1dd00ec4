package turn

import (
	"fmt"

	"github.com/realtime-ai/turntaking/pkg/audio"
)

// Event is emitted by the Segmenter. The concrete type is one of
// SpeechStarted, SilenceStarted, SpeechEnded or SpeechDiscarded; consumers
// switch on it.
type Event interface {
	// At returns the session time of the event in seconds.
	At() float64
	isEvent()
}

// SpeechStarted marks the first activity of a capture.
type SpeechStarted struct {
	Timestamp  float64
	Confidence float32
}

// SilenceStarted marks the first silent result inside a capture.
type SilenceStarted struct {
	Timestamp float64
}

// SpeechEnded carries the finalized, padded segment of a capture.
type SpeechEnded struct {
	Timestamp float64
	Segment   *audio.Segment
}

// DiscardReason tells why a capture produced no segment.
type DiscardReason int

const (
	// DiscardTooShort: speech was shorter than MinSpeechDuration.
	DiscardTooShort DiscardReason = iota
	// DiscardEvicted: the capture's audio was no longer retained.
	DiscardEvicted
)

func (r DiscardReason) String() string {
	switch r {
	case DiscardTooShort:
		return "too_short"
	case DiscardEvicted:
		return "evicted"
	default:
		return fmt.Sprintf("DiscardReason(%d)", int(r))
	}
}

// SpeechDiscarded reports a capture that ended without a segment.
type SpeechDiscarded struct {
	Timestamp float64
	Reason    DiscardReason
	// Speech is the unpadded capture length in seconds.
	Speech float64
}

func (e SpeechStarted) At() float64   { return e.Timestamp }
func (e SilenceStarted) At() float64  { return e.Timestamp }
func (e SpeechEnded) At() float64     { return e.Timestamp }
func (e SpeechDiscarded) At() float64 { return e.Timestamp }

func (SpeechStarted) isEvent()   {}
func (SilenceStarted) isEvent()  {}
func (SpeechEnded) isEvent()     {}
func (SpeechDiscarded) isEvent() {}
