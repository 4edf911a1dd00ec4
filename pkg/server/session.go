package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/realtime-ai/turntaking/pkg/audio"
	"github.com/realtime-ai/turntaking/pkg/connection"
	"github.com/realtime-ai/turntaking/pkg/metrics"
	"github.com/realtime-ai/turntaking/pkg/pipeline"
	"github.com/realtime-ai/turntaking/pkg/trace"
	"github.com/realtime-ai/turntaking/pkg/turn"
	"github.com/realtime-ai/turntaking/pkg/vad"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// SessionConfig configures one session.
type SessionConfig struct {
	Turn turn.Config
	// Pace releases response audio to the connection in real-time 20 ms
	// frames. Connections that pace playback themselves leave it off.
	Pace bool
	// PrebufferFrames is the number of frames queued before paced audio is
	// released.
	PrebufferFrames int
	// Recorder, if set, receives every dispatched speech turn.
	Recorder turn.SegmentSink
	Metrics  *metrics.Metrics
	// ConnType tags the session span.
	ConnType string
}

// Session binds one client connection to its own orchestrator. Inbound
// audio, text and resets flow to the orchestrator; bus notices and response
// audio flow back to the client.
type Session struct {
	id   string
	cfg  SessionConfig
	conn connection.Connection
	orch *turn.Orchestrator
	bus  *pipeline.EventBus

	events chan pipeline.Event

	playMu   sync.Mutex
	playout  *audio.Playout
	playRate int

	span    oteltrace.Span
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	onClose func(*Session)
}

var _ connection.EventHandler = (*Session)(nil)

// NewSession creates a session that owns classifier and the orchestrator
// built on it. Nothing is received until Start.
func NewSession(ctx context.Context, id string, conn connection.Connection, classifier vad.Classifier, pipe pipeline.ConversationPipeline, cfg SessionConfig) (*Session, error) {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.ConnType == "" {
		cfg.ConnType = "websocket"
	}

	ctx, span := trace.StartSessionSpan(ctx, id, cfg.ConnType)
	ctx, cancel := context.WithCancel(ctx)

	bus := pipeline.NewEventBus()
	orch, err := turn.NewOrchestrator(ctx, cfg.Turn, turn.Options{
		SessionID:  id,
		Classifier: classifier,
		Pipeline:   pipe,
		Bus:        bus,
		Metrics:    cfg.Metrics,
		Recorder:   cfg.Recorder,
	})
	if err != nil {
		cancel()
		trace.RecordError(span, err)
		span.End()
		return nil, fmt.Errorf("server: session %s: %w", id, err)
	}

	s := &Session{
		id:     id,
		cfg:    cfg,
		conn:   conn,
		orch:   orch,
		bus:    bus,
		events: make(chan pipeline.Event, 1024),
		span:   span,
		ctx:    ctx,
		cancel: cancel,
	}
	bus.SubscribeAll(s.events)
	cfg.Metrics.SessionOpened(ctx)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Orchestrator returns the session's orchestrator.
func (s *Session) Orchestrator() *turn.Orchestrator { return s.orch }

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Start connects the session to its connection and announces the session
// id to the client.
func (s *Session) Start() error {
	s.conn.RegisterEventHandler(s)

	s.wg.Add(1)
	go s.forward()
	if s.cfg.Pace {
		s.wg.Add(1)
		go s.pace()
	}

	if err := s.conn.Start(s.ctx); err != nil {
		s.Close()
		return fmt.Errorf("server: start connection: %w", err)
	}
	log.Print(trace.LogWithTrace(s.ctx, fmt.Sprintf("[WSServer] session %s started", s.id)))

	return s.conn.SendNotice(connection.Notice{Type: connection.NoticeSession, SessionID: s.id})
}

// forward relays bus events to the client.
func (s *Session) forward() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.deliver(ev)
		}
	}
}

func (s *Session) deliver(ev pipeline.Event) {
	switch ev.Type {
	case pipeline.EventResponseAudio:
		p, ok := ev.Payload.(pipeline.ResponseAudioNotice)
		if !ok {
			return
		}
		if s.cfg.Pace {
			s.queueAudio(p.Audio, p.SampleRate)
			return
		}
		s.send(func() error { return s.conn.SendAudio(p.Audio, p.SampleRate) })
		return
	case pipeline.EventInterrupted:
		// Queued audio goes before the client hears about it.
		s.playMu.Lock()
		if s.playout != nil {
			s.playout.Interrupt()
		}
		s.playMu.Unlock()
	case pipeline.EventTurnCompleted:
		// All of the response is queued by now.
		s.playMu.Lock()
		if s.playout != nil {
			s.playout.Flush()
		}
		s.playMu.Unlock()
	}

	n, ok := connection.NoticeFromEvent(ev)
	if !ok {
		return
	}
	s.send(func() error { return s.conn.SendNotice(n) })
}

func (s *Session) send(fn func() error) {
	if err := fn(); err != nil && !errors.Is(err, connection.ErrConnectionClosed) {
		log.Printf("[WSServer] session %s: send failed: %v", s.id, err)
	}
}

func (s *Session) queueAudio(pcm []byte, sampleRate int) {
	s.playMu.Lock()
	defer s.playMu.Unlock()
	if s.playout == nil || sampleRate != s.playRate {
		s.playout = audio.NewPlayout(sampleRate, s.cfg.PrebufferFrames)
		s.playRate = sampleRate
	}
	s.playout.Write(pcm)
}

// pace releases one queued frame per tick.
func (s *Session) pace() {
	defer s.wg.Done()

	ticker := time.NewTicker(audio.FrameDurationMs * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.playMu.Lock()
			var frame []byte
			rate := s.playRate
			if s.playout != nil {
				frame = s.playout.ReadFrame()
			}
			s.playMu.Unlock()
			if frame != nil {
				s.send(func() error { return s.conn.SendAudio(frame, rate) })
			}
		}
	}
}

func (s *Session) OnStateChange(state connection.ConnectionState) {
	log.Printf("[WSServer] session %s: connection %s", s.id, state)
	if state == connection.ConnectionStateClosed || state == connection.ConnectionStateFailed {
		// Close waits on the connection, which is calling us.
		go s.Close()
	}
}

func (s *Session) OnAudio(chunk audio.Chunk) {
	if err := s.orch.OnAudioChunk(chunk); err != nil && !errors.Is(err, turn.ErrOrchestratorClosed) {
		log.Printf("[WSServer] session %s: audio rejected: %v", s.id, err)
	}
}

func (s *Session) OnText(text string) {
	if err := s.orch.SubmitText(text); err != nil && !errors.Is(err, turn.ErrOrchestratorClosed) {
		log.Printf("[WSServer] session %s: text rejected: %v", s.id, err)
	}
}

func (s *Session) OnReset() {
	s.orch.Cancel()
	s.playMu.Lock()
	if s.playout != nil {
		s.playout.Interrupt()
	}
	s.playMu.Unlock()
}

func (s *Session) OnError(err error) {
	log.Printf("[WSServer] session %s: connection error: %v", s.id, err)
	trace.RecordError(s.span, err)
}

// Close tears the session down: the orchestrator first, so that nothing
// more is published, then the connection.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		err = s.orch.Close()
		s.cancel()
		s.conn.Close()
		s.wg.Wait()
		s.bus.UnsubscribeAll(s.events)

		s.cfg.Metrics.SessionClosed(context.Background())
		s.span.End()
		log.Printf("[WSServer] session %s closed", s.id)

		if s.onClose != nil {
			s.onClose(s)
		}
	})
	return err
}
