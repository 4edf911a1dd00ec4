package connection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/realtime-ai/turntaking/pkg/audio"
)

const (
	DefaultWSWriteWait  = 10 * time.Second
	DefaultWSPongWait   = 60 * time.Second
	DefaultWSPingPeriod = 54 * time.Second // Must be less than pongWait
)

// WebSocketConfig holds configuration for WebSocket connection.
type WebSocketConfig struct {
	// Encoding of inbound audio, in binary frames or base64 JSON.
	Encoding   audio.Encoding
	SampleRate int
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
	// OutBuffer is the number of queued outbound frames.
	OutBuffer int
}

// DefaultWebSocketConfig returns the default WebSocket configuration.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Encoding:   audio.EncodingPCM16,
		SampleRate: 16000,
		WriteWait:  DefaultWSWriteWait,
		PongWait:   DefaultWSPongWait,
		PingPeriod: DefaultWSPingPeriod,
		OutBuffer:  256,
	}
}

type wsFrame struct {
	messageType int
	data        []byte
}

type websocketConnection struct {
	peerID string
	conn   *websocket.Conn
	cfg    WebSocketConfig

	handler EventHandler
	clock   *audio.Clock

	// Sample rate announced to the client for binary audio frames.
	outRate int

	outChan chan wsFrame

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

var _ Connection = (*websocketConnection)(nil)

// NewWebSocketConnection wraps an upgraded WebSocket. Nothing is read until
// Start.
func NewWebSocketConnection(peerID string, conn *websocket.Conn, cfg WebSocketConfig) Connection {
	def := DefaultWebSocketConfig()
	if cfg.Encoding == "" {
		cfg.Encoding = def.Encoding
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.OutBuffer <= 0 {
		cfg.OutBuffer = def.OutBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &websocketConnection{
		peerID:  peerID,
		conn:    conn,
		cfg:     cfg,
		handler: NoOpEventHandler{},
		clock:   audio.NewClock(cfg.SampleRate),
		outChan: make(chan wsFrame, cfg.OutBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (w *websocketConnection) PeerID() string {
	return w.peerID
}

func (w *websocketConnection) RegisterEventHandler(handler EventHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = handler
}

func (w *websocketConnection) eventHandler() EventHandler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handler
}

func (w *websocketConnection) Start(ctx context.Context) error {
	w.mu.RLock()
	closed := w.closed
	w.mu.RUnlock()
	if closed {
		return ErrConnectionClosed
	}

	w.eventHandler().OnStateChange(ConnectionStateConnected)

	w.conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	})

	w.wg.Add(3)
	go w.readPump()
	go w.writePump()
	go w.pingPump()

	go func() {
		select {
		case <-ctx.Done():
			w.Close()
		case <-w.ctx.Done():
		}
	}()
	return nil
}

func (w *websocketConnection) readPump() {
	defer w.wg.Done()
	// Close waits for the pumps, so it must not run on this goroutine.
	defer func() { go w.Close() }()

	for {
		messageType, message, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("[websocket %s] read error: %v", w.peerID, err)
				w.eventHandler().OnError(err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			w.handleAudio(message)
		case websocket.TextMessage:
			w.handleMessage(message)
		}
	}
}

func (w *websocketConnection) handleAudio(data []byte) {
	samples := audio.Decode(w.cfg.Encoding, data)
	if len(samples) == 0 {
		return
	}
	w.eventHandler().OnAudio(w.clock.Stamp(samples))
}

func (w *websocketConnection) handleMessage(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[websocket %s] failed to unmarshal message: %v", w.peerID, err)
		return
	}

	switch msg.Type {
	case "audio":
		raw, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			log.Printf("[websocket %s] failed to decode base64 audio: %v", w.peerID, err)
			return
		}
		w.handleAudio(raw)
	case "text":
		if msg.Text != "" {
			w.eventHandler().OnText(msg.Text)
		}
	case "reset":
		w.eventHandler().OnReset()
	default:
		log.Printf("[websocket %s] unknown message type: %s", w.peerID, msg.Type)
	}
}

func (w *websocketConnection) writePump() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case frame := <-w.outChan:
			w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
			if err := w.conn.WriteMessage(frame.messageType, frame.data); err != nil {
				log.Printf("[websocket %s] write error: %v", w.peerID, err)
				w.eventHandler().OnError(err)
				return
			}
		}
	}
}

func (w *websocketConnection) pingPump() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.cfg.WriteWait)); err != nil {
				log.Printf("[websocket %s] ping error: %v", w.peerID, err)
				return
			}
		}
	}
}

func (w *websocketConnection) SendNotice(n Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("connection: marshal notice: %w", err)
	}
	return w.enqueue(wsFrame{messageType: websocket.TextMessage, data: data})
}

// SendAudio writes pcm as a binary frame, preceded by an audio_format
// notice whenever the sample rate changes.
func (w *websocketConnection) SendAudio(pcm []byte, sampleRate int) error {
	w.mu.Lock()
	announce := sampleRate != w.outRate
	w.outRate = sampleRate
	w.mu.Unlock()

	if announce {
		if err := w.SendNotice(Notice{Type: NoticeAudioFormat, SampleRate: sampleRate}); err != nil {
			return err
		}
	}
	return w.enqueue(wsFrame{messageType: websocket.BinaryMessage, data: pcm})
}

func (w *websocketConnection) enqueue(frame wsFrame) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrConnectionClosed
	}

	select {
	case w.outChan <- frame:
		return nil
	default:
		log.Printf("[websocket %s] outChan is full, dropping frame", w.peerID)
		return nil
	}
}

func (w *websocketConnection) Close() error {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()

		w.eventHandler().OnStateChange(ConnectionStateClosed)

		w.cancel()

		w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.conn.Close()

		w.wg.Wait()
	})
	return nil
}
