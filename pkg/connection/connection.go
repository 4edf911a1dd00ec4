// Package connection adapts client transports to a turn-taking session:
// inbound audio is decoded and stamped with session-relative timestamps,
// outbound notices and response audio are written back to the client.
package connection

import (
	"context"
	"errors"

	"github.com/realtime-ai/turntaking/pkg/audio"
)

// ErrConnectionClosed is returned when sending on a closed connection.
var ErrConnectionClosed = errors.New("connection: closed")

// ConnectionState represents the state of a connection.
type ConnectionState int

const (
	// ConnectionStateNew - Initial state, connection not yet started
	ConnectionStateNew ConnectionState = iota
	// ConnectionStateConnected - Connection is established and ready
	ConnectionStateConnected
	// ConnectionStateFailed - Connection failed permanently
	ConnectionStateFailed
	// ConnectionStateClosed - Connection closed by user or server
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventHandler receives inbound traffic. Callbacks for one connection are
// made from a single goroutine, in arrival order.
type EventHandler interface {
	// OnStateChange is called when the connection state changes.
	OnStateChange(state ConnectionState)
	// OnAudio is called with each decoded inbound audio chunk.
	OnAudio(chunk audio.Chunk)
	// OnText is called with typed user input.
	OnText(text string)
	// OnReset is called when the client asks to drop the current turn.
	OnReset()
	// OnError is called when an error occurs.
	OnError(err error)
}

// NoOpEventHandler is a no-op implementation for convenience.
type NoOpEventHandler struct{}

func (NoOpEventHandler) OnStateChange(ConnectionState) {}
func (NoOpEventHandler) OnAudio(audio.Chunk)           {}
func (NoOpEventHandler) OnText(string)                 {}
func (NoOpEventHandler) OnReset()                      {}
func (NoOpEventHandler) OnError(error)                 {}

// Connection is a bidirectional client transport.
type Connection interface {
	// PeerID returns the unique identifier for this connection.
	PeerID() string

	// RegisterEventHandler sets the inbound handler. Call before Start.
	RegisterEventHandler(handler EventHandler)

	// Start begins delivering inbound traffic.
	Start(ctx context.Context) error

	// SendNotice sends a session notice to the client.
	SendNotice(n Notice) error

	// SendAudio sends 16-bit mono PCM response audio.
	SendAudio(pcm []byte, sampleRate int) error

	// Close closes the connection and releases resources.
	Close() error
}
