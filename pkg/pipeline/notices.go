package pipeline

import "time"

// SpeechStartedNotice reports the start of a user turn.
type SpeechStartedNotice struct {
	SessionID string
	// At is the session time of the first speech batch, in seconds.
	At float64
}

// InterruptNotice asks the transport to stop playback immediately. TurnID
// names the dispatch being cancelled, empty when nothing was in flight.
type InterruptNotice struct {
	SessionID string
	TurnID    string
	At        float64
}

// TurnDispatchedNotice reports a turn handed to the pipeline.
type TurnDispatchedNotice struct {
	SessionID string
	TurnID    string
	Parts     int
	Duration  time.Duration
}

// TurnReadyNotice carries the text the pipeline recognized for a turn.
type TurnReadyNotice struct {
	SessionID string
	TurnID    string
	Text      string
}

// ResponseTextNotice carries one streamed text fragment.
type ResponseTextNotice struct {
	SessionID string
	TurnID    string
	Text      string
}

// ResponseAudioNotice carries one streamed audio fragment (16-bit PCM).
type ResponseAudioNotice struct {
	SessionID  string
	TurnID     string
	Audio      []byte
	SampleRate int
}

// TurnCompletedNotice reports the end of a dispatch.
type TurnCompletedNotice struct {
	SessionID string
	TurnID    string
	Cancelled bool
}

// TurnFailedNotice reports a dispatch that ended with an error.
type TurnFailedNotice struct {
	SessionID string
	TurnID    string
	Err       error
}
