// Package turn implements turn-taking for a voice conversation: a hysteresis
// segmenter that cuts a stream of activity results into speech segments, and
// an orchestrator that debounces, coalesces and dispatches those segments to
// a conversation pipeline and handles barge-in.
package turn

import (
	"errors"
	"fmt"
	"time"
)

// Config is the immutable configuration of a session. Durations in seconds
// are float64 to match the session-relative chunk timestamps.
type Config struct {
	// ActivityThreshold is the classifier score a batch must exceed.
	ActivityThreshold float64
	// MinSpeechDuration is the shortest capture, in seconds, that becomes a
	// turn.
	MinSpeechDuration float64
	// MinSilenceDuration is how long silence must last, in seconds, before a
	// capture is finalized.
	MinSilenceDuration float64
	// SilenceResetGrace is the largest gap, in seconds, between consecutive
	// activity results that is not itself treated as silence.
	SilenceResetGrace float64
	// MinVolumeRMS is the RMS floor a batch must reach to count as activity.
	MinVolumeRMS float64
	// SampleRate of incoming audio in Hz.
	SampleRate int
	// FrameSize is the minimum classifier batch in samples.
	FrameSize int
	// ContextPadding is added before and after a capture, in seconds.
	ContextPadding float64
	// Retention is how much audio the sample buffer keeps, in seconds.
	Retention float64
	// DebounceWindow is how long to wait after a segment ends before
	// dispatching, so that close segments are coalesced into one turn.
	DebounceWindow time.Duration
	// CancelTimeout bounds how long a cancelled dispatch may keep the session
	// busy while waiting for the pipeline to close its stream.
	CancelTimeout time.Duration
}

// DefaultConfig returns the stock configuration for 16 kHz audio.
func DefaultConfig() Config {
	return Config{
		ActivityThreshold:  0.5,
		MinSpeechDuration:  0.25,
		MinSilenceDuration: 0.65,
		SilenceResetGrace:  0.5,
		MinVolumeRMS:       0.01,
		SampleRate:         16000,
		FrameSize:          1024,
		ContextPadding:     1.5,
		Retention:          20,
		DebounceWindow:     2 * time.Second,
		CancelTimeout:      3 * time.Second,
	}
}

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid turn config: %s: %s", e.Field, e.Message)
}

// Validate checks every field and returns all violations joined.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, field, msg string) {
		if !ok {
			errs = append(errs, &ValidationError{Field: field, Message: msg})
		}
	}

	check(c.ActivityThreshold >= 0 && c.ActivityThreshold <= 1, "ActivityThreshold", "must be between 0 and 1")
	check(c.MinSpeechDuration > 0, "MinSpeechDuration", "must be positive")
	check(c.MinSilenceDuration > 0, "MinSilenceDuration", "must be positive")
	check(c.SilenceResetGrace > 0, "SilenceResetGrace", "must be positive")
	check(c.ContextPadding > 0, "ContextPadding", "must be positive")
	check(c.Retention > 0, "Retention", "must be positive")
	check(c.DebounceWindow > 0, "DebounceWindow", "must be positive")
	check(c.CancelTimeout > 0, "CancelTimeout", "must be positive")
	check(c.MinVolumeRMS >= 0 && c.MinVolumeRMS <= 1, "MinVolumeRMS", "must be between 0 and 1")
	check(c.SampleRate > 0, "SampleRate", "must be positive")
	check(c.FrameSize > 0, "FrameSize", "must be positive")
	if c.Retention > 0 && c.ContextPadding > 0 {
		check(c.Retention > 2*c.ContextPadding, "Retention", "must exceed twice the context padding")
	}

	return errors.Join(errs...)
}
