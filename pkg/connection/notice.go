package connection

import (
	"github.com/realtime-ai/turntaking/pkg/pipeline"
)

// Notice types that are not bus events.
const (
	NoticeAudioFormat = "audio_format"
	NoticeSession     = "session"
	NoticeError       = "error"
)

// Notice is the JSON form of a server to client message.
type Notice struct {
	Type       string  `json:"type"`
	SessionID  string  `json:"session_id,omitempty"`
	TurnID     string  `json:"turn_id,omitempty"`
	Text       string  `json:"text,omitempty"`
	At         float64 `json:"at,omitempty"`
	Parts      int     `json:"parts,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	Cancelled  bool    `json:"cancelled,omitempty"`
	Error      string  `json:"error,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
}

// ClientMessage is the JSON form of a client to server message. Audio is
// base64 in the connection's configured encoding.
type ClientMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"`
	Text  string `json:"text,omitempty"`
}

// NoticeFromEvent converts a bus event. Response audio is not a notice and
// reports false, as does an unknown payload.
func NoticeFromEvent(ev pipeline.Event) (Notice, bool) {
	n := Notice{Type: ev.Type.String()}
	switch p := ev.Payload.(type) {
	case pipeline.SpeechStartedNotice:
		n.SessionID, n.At = p.SessionID, p.At
	case pipeline.InterruptNotice:
		n.SessionID, n.TurnID, n.At = p.SessionID, p.TurnID, p.At
	case pipeline.TurnDispatchedNotice:
		n.SessionID, n.TurnID, n.Parts = p.SessionID, p.TurnID, p.Parts
		n.Duration = p.Duration.Seconds()
	case pipeline.TurnReadyNotice:
		n.SessionID, n.TurnID, n.Text = p.SessionID, p.TurnID, p.Text
	case pipeline.ResponseTextNotice:
		n.SessionID, n.TurnID, n.Text = p.SessionID, p.TurnID, p.Text
	case pipeline.TurnCompletedNotice:
		n.SessionID, n.TurnID, n.Cancelled = p.SessionID, p.TurnID, p.Cancelled
	case pipeline.TurnFailedNotice:
		n.SessionID, n.TurnID = p.SessionID, p.TurnID
		// Clients get a generic message; the cause is logged server-side.
		n.Error = "the response could not be completed"
	default:
		return Notice{}, false
	}
	return n, true
}
