package turn

import (
	"errors"
	"log"

	"github.com/realtime-ai/turntaking/pkg/audio"
	"github.com/realtime-ai/turntaking/pkg/vad"
)

// Phase is the segmenter state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCapturing
	PhaseCapturingWithPendingSilence
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseCapturing:
		return "Capturing"
	case PhaseCapturingWithPendingSilence:
		return "CapturingWithPendingSilence"
	default:
		return "Unknown"
	}
}

// SegmentSource is where finalized captures are cut from.
type SegmentSource interface {
	ExtractSegment(start, end float64) (*audio.Segment, error)
}

// turnState is the capture bookkeeping. silenceStart is only set while
// speechStart is set. lastActivity and activityEnd bound the most recent
// active batch.
type turnState struct {
	speechStart  float64
	lastActivity float64
	activityEnd  float64
	silenceStart float64
	hasSpeech    bool
	hasSilence   bool
}

// speechEnd estimates where speech stopped. The last active batch may be
// mostly silence, so its midpoint is taken.
func (st turnState) speechEnd() float64 {
	return (st.lastActivity + st.activityEnd) / 2
}

// Segmenter is the hysteresis state machine over activity results. It starts
// a capture on the first active result, tolerates silent stretches shorter
// than MinSilenceDuration, and finalizes the capture into a padded segment
// once silence has lasted long enough.
//
// A Segmenter is not safe for concurrent use; results must arrive in
// timestamp order.
type Segmenter struct {
	cfg    Config
	source SegmentSource

	state turnState

	// End of the previous result's batch, for stall detection.
	lastEnd float64
	hasLast bool
}

// NewSegmenter validates cfg and returns an idle segmenter cutting from
// source.
func NewSegmenter(cfg Config, source SegmentSource) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, errors.New("turn: nil segment source")
	}
	return &Segmenter{cfg: cfg, source: source}, nil
}

// Phase returns the current state.
func (s *Segmenter) Phase() Phase {
	switch {
	case !s.state.hasSpeech:
		return PhaseIdle
	case s.state.hasSilence:
		return PhaseCapturingWithPendingSilence
	default:
		return PhaseCapturing
	}
}

// OnActivity advances the state machine with one result and returns the
// events it produced, in order.
//
// Silence is measured from the middle of the last active batch to the end of
// the newest silent one, so batch granularity does not delay finalization by
// a whole batch.
//
// If the gap since the previous result exceeds SilenceResetGrace while a
// capture is open, the gap itself counts as silence beginning where the
// previous batch ended; a gap that already satisfies MinSilenceDuration
// finalizes the capture before res is applied.
func (s *Segmenter) OnActivity(res vad.Result) []Event {
	var events []Event
	ts := res.Timestamp
	end := ts + float64(res.Samples)/float64(s.cfg.SampleRate)

	if s.hasLast && s.state.hasSpeech && ts-s.lastEnd > s.cfg.SilenceResetGrace {
		if !s.state.hasSilence {
			s.state.silenceStart = s.lastEnd
			s.state.hasSilence = true
			events = append(events, SilenceStarted{Timestamp: s.lastEnd})
		}
		// The gap is silent; res extends it only if it is silent too.
		until := ts
		if !res.HasActivity {
			until = end
		}
		if s.silenceLasted(until) {
			events = append(events, s.finalize(ts))
		}
	}

	s.lastEnd = end
	s.hasLast = true

	switch s.Phase() {
	case PhaseIdle:
		if res.HasActivity {
			s.state = turnState{speechStart: ts, lastActivity: ts, activityEnd: end, hasSpeech: true}
			events = append(events, SpeechStarted{Timestamp: ts, Confidence: res.Confidence})
		}

	case PhaseCapturing:
		if res.HasActivity {
			s.state.lastActivity = ts
			s.state.activityEnd = end
		} else {
			s.state.silenceStart = ts
			s.state.hasSilence = true
			events = append(events, SilenceStarted{Timestamp: ts})
		}

	case PhaseCapturingWithPendingSilence:
		if res.HasActivity {
			s.state.silenceStart = 0
			s.state.hasSilence = false
			s.state.lastActivity = ts
			s.state.activityEnd = end
		} else if s.silenceLasted(end) {
			events = append(events, s.finalize(ts))
		}
	}
	return events
}

// silenceLasted reports whether the open capture has been silent for
// MinSilenceDuration by time until.
func (s *Segmenter) silenceLasted(until float64) bool {
	return until-s.state.speechEnd() >= s.cfg.MinSilenceDuration
}

// finalize closes the open capture and resets to idle. It returns either a
// SpeechEnded or a SpeechDiscarded event.
func (s *Segmenter) finalize(now float64) Event {
	st := s.state
	s.state = turnState{}

	speech := st.silenceStart - st.speechStart
	if speech < s.cfg.MinSpeechDuration {
		return SpeechDiscarded{Timestamp: now, Reason: DiscardTooShort, Speech: speech}
	}

	seg, err := s.source.ExtractSegment(
		st.speechStart-s.cfg.ContextPadding,
		st.silenceStart+s.cfg.ContextPadding,
	)
	if err != nil {
		log.Printf("[Segmenter] warning: dropping %.2fs turn at %.3fs: %v", speech, st.speechStart, err)
		return SpeechDiscarded{Timestamp: now, Reason: DiscardEvicted, Speech: speech}
	}
	seg.SourceDuration = speech
	return SpeechEnded{Timestamp: now, Segment: seg}
}

// Reset drops any open capture and forgets the previous result.
func (s *Segmenter) Reset() {
	s.state = turnState{}
	s.lastEnd = 0
	s.hasLast = false
}
