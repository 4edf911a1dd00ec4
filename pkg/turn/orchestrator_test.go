package turn

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/realtime-ai/turntaking/pkg/audio"
	"github.com/realtime-ai/turntaking/pkg/pipeline"
	"github.com/realtime-ai/turntaking/pkg/vad"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePipeline hands out streams the test drives by hand.
type fakePipeline struct {
	mu           sync.Mutex
	turns        []pipeline.Turn
	streams      []*pipeline.ChanStream
	cancels      []string
	ignoreCancel bool
	startErr     error
}

func (p *fakePipeline) Start(ctx context.Context, t pipeline.Turn) (pipeline.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, t)
	if p.startErr != nil {
		return nil, p.startErr
	}
	s := pipeline.NewChanStream(fmt.Sprintf("stream-%d", len(p.streams)), 16)
	p.streams = append(p.streams, s)
	if !p.ignoreCancel {
		go func() {
			<-ctx.Done()
			s.Close(pipeline.ErrStreamCancelled)
		}()
	}
	return s, nil
}

func (p *fakePipeline) Cancel(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels = append(p.cancels, id)
	if p.ignoreCancel {
		return
	}
	for _, s := range p.streams {
		if s.ID() == id {
			s.Close(pipeline.ErrStreamCancelled)
		}
	}
}

func (p *fakePipeline) turnCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.turns)
}

func (p *fakePipeline) turn(i int) pipeline.Turn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turns[i]
}

func (p *fakePipeline) streamCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

func (p *fakePipeline) stream(i int) *pipeline.ChanStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[i]
}

func (p *fakePipeline) cancelled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cancels...)
}

func (p *fakePipeline) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.streams {
		s.Close(nil)
	}
}

type recordingSink struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingSink) Save(name string, _ *audio.Segment) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	return name + ".wav", nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}

type orchHarness struct {
	t      *testing.T
	orch   *Orchestrator
	pipe   *fakePipeline
	events chan pipeline.Event
	clock  *audio.Clock
	class  *vad.ScriptedClassifier
}

func orchConfig() Config {
	cfg := testConfig()
	cfg.DebounceWindow = 50 * time.Millisecond
	cfg.CancelTimeout = 5 * time.Second
	return cfg
}

func newOrchHarness(t *testing.T, cfg Config, pipe *fakePipeline, opts Options) *orchHarness {
	t.Helper()
	bus := pipeline.NewEventBus()
	events := make(chan pipeline.Event, 4096)
	bus.SubscribeAll(events)

	class := vad.NewAmplitudeClassifier()
	if opts.Classifier == nil {
		opts.Classifier = class
	}
	opts.Pipeline = pipe
	opts.Bus = bus
	if opts.SessionID == "" {
		opts.SessionID = "session-test"
	}

	orch, err := NewOrchestrator(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Close() })
	t.Cleanup(pipe.closeAll)

	return &orchHarness{t: t, orch: orch, pipe: pipe, events: events, clock: audio.NewClock(cfg.SampleRate), class: class}
}

// feed sends seconds of 10 ms frames of speech or silence.
func (h *orchHarness) feed(seconds float64, speech bool) {
	h.t.Helper()
	var v float32
	if speech {
		v = 0.5
	}
	for i := 0; i < int(math.Round(seconds*100)); i++ {
		frame := make([]float32, 10)
		for j := range frame {
			frame[j] = v
		}
		require.NoError(h.t, h.orch.OnAudioChunk(h.clock.Stamp(frame)))
	}
}

// feedRealtime sends seconds of 20 ms chunks, as a transport does.
func (h *orchHarness) feedRealtime(seconds float64, amplitude float32) {
	h.t.Helper()
	n := h.orch.cfg.SampleRate / 50
	for i := 0; i < int(math.Round(seconds*50)); i++ {
		frame := make([]float32, n)
		for j := range frame {
			frame[j] = amplitude
		}
		require.NoError(h.t, h.orch.OnAudioChunk(h.clock.Stamp(frame)))
	}
}

// utterance feeds speech followed by enough silence to finalize it.
func (h *orchHarness) utterance(speech float64) {
	h.feed(speech, true)
	h.feed(0.7, false)
}

// next returns the next bus event of type want, skipping others.
func (h *orchHarness) next(want pipeline.EventType) pipeline.Event {
	h.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			h.t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// drain returns every event currently queued on the bus subscription.
func (h *orchHarness) drain() []pipeline.Event {
	var out []pipeline.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (h *orchHarness) waitTurns(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.pipe.turnCount() >= n }, 2*time.Second, 5*time.Millisecond)
}

func (h *orchHarness) waitIdle() {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return !h.orch.State().Dispatching }, 2*time.Second, 5*time.Millisecond)
}

func types(events []pipeline.Event) []pipeline.EventType {
	out := make([]pipeline.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestOrchestrator_DispatchesAfterDebounce(t *testing.T) {
	sink := &recordingSink{}
	h := newOrchHarness(t, orchConfig(), &fakePipeline{}, Options{Recorder: sink})

	h.utterance(0.3)
	snap := h.orch.State()
	assert.Equal(t, 1, snap.PendingSegments)
	assert.True(t, snap.DebouncePending)

	h.waitTurns(1)
	turn := h.pipe.turn(0)
	assert.Equal(t, "session-test", turn.SessionID)
	assert.Equal(t, 1, turn.Parts)
	require.NotNil(t, turn.Segment)
	assert.InDelta(t, 0.3, turn.Segment.SourceDuration, 1e-6)
	assert.Equal(t, 1000, turn.SampleRate)

	ev := h.next(pipeline.EventTurnDispatched)
	notice := ev.Payload.(pipeline.TurnDispatchedNotice)
	assert.Equal(t, turn.ID, notice.TurnID)
	assert.Equal(t, 1, notice.Parts)

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	kinds := make([]audio.EventKind, 0)
	for _, e := range h.orch.Buffer().Events() {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []audio.EventKind{audio.EventSpeechStart, audio.EventSilenceStart, audio.EventSpeechEnd}, kinds)
}

func TestOrchestrator_CoalescesSegmentsWithinDebounce(t *testing.T) {
	cfg := orchConfig()
	cfg.DebounceWindow = 150 * time.Millisecond
	h := newOrchHarness(t, cfg, &fakePipeline{}, Options{})

	h.utterance(0.3)
	h.utterance(0.4)
	assert.Equal(t, 2, h.orch.State().PendingSegments)

	h.waitTurns(1)
	turn := h.pipe.turn(0)
	assert.Equal(t, 2, turn.Parts)
	assert.InDelta(t, 0.7, turn.Segment.SourceDuration, 1e-6)
	// The padded parts overlap; the overlap is carried once.
	seg := turn.Segment
	assert.Equal(t, 0.0, seg.StartTime)
	assert.InDelta(t, seg.Duration()*1000, float64(len(seg.Samples)), 1)

	time.Sleep(2 * cfg.DebounceWindow)
	assert.Equal(t, 1, h.pipe.turnCount(), "exactly one dispatch for coalesced segments")
	assert.Equal(t, 0, h.orch.State().PendingSegments)
}

func TestOrchestrator_StockConfigCoalescing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DebounceWindow = 300 * time.Millisecond
	h := newOrchHarness(t, cfg, &fakePipeline{}, Options{Classifier: vad.NewEnergyClassifier()})

	h.feedRealtime(0.3, 0.5)
	h.feedRealtime(0.7, 0)
	require.Equal(t, 1, h.orch.State().PendingSegments, "0.7s of silence ends the first utterance")
	h.feedRealtime(0.4, 0.5)
	h.feedRealtime(0.7, 0)
	require.Equal(t, 2, h.orch.State().PendingSegments)

	h.waitTurns(1)
	turn := h.pipe.turn(0)
	assert.Equal(t, 2, turn.Parts)
	assert.Equal(t, 16000, turn.SampleRate)

	seg := turn.Segment
	require.NotNil(t, seg)
	assert.InDelta(t, 0.7, seg.SourceDuration, 0.2)
	assert.Equal(t, 0.0, seg.StartTime)
	assert.LessOrEqual(t, seg.EndTime, 2.1)
	assert.InDelta(t, seg.Duration()*16000, float64(len(seg.Samples)), 1)
	assert.LessOrEqual(t, len(seg.Samples), 33600)
}

func TestOrchestrator_SpeechStartStopsDebounce(t *testing.T) {
	cfg := orchConfig()
	cfg.DebounceWindow = 100 * time.Millisecond
	h := newOrchHarness(t, cfg, &fakePipeline{}, Options{})

	h.utterance(0.3)
	require.True(t, h.orch.State().DebouncePending)
	h.feed(0.1, true)
	assert.False(t, h.orch.State().DebouncePending)

	time.Sleep(2 * cfg.DebounceWindow)
	assert.Equal(t, 0, h.pipe.turnCount(), "no dispatch while the user is still speaking")
}

func TestOrchestrator_ShortSpeechIsNotDispatched(t *testing.T) {
	cfg := orchConfig()
	h := newOrchHarness(t, cfg, &fakePipeline{}, Options{})

	h.utterance(0.1)
	time.Sleep(3 * cfg.DebounceWindow)
	assert.Equal(t, 0, h.pipe.turnCount())
	assert.Equal(t, PhaseIdle, h.orch.State().Phase)
}

func TestOrchestrator_BargeInCancelsOnce(t *testing.T) {
	h := newOrchHarness(t, orchConfig(), &fakePipeline{}, Options{})

	h.utterance(0.3)
	h.waitTurns(1)
	dispatched := h.next(pipeline.EventTurnDispatched).Payload.(pipeline.TurnDispatchedNotice)
	require.Eventually(t, func() bool { return h.orch.State().Dispatching }, time.Second, 5*time.Millisecond)
	h.drain()

	h.feed(0.3, true)

	started := h.next(pipeline.EventSpeechStarted)
	assert.Equal(t, "session-test", started.Payload.(pipeline.SpeechStartedNotice).SessionID)
	interrupt := h.next(pipeline.EventInterrupted).Payload.(pipeline.InterruptNotice)
	assert.Equal(t, dispatched.TurnID, interrupt.TurnID)

	completed := h.next(pipeline.EventTurnCompleted).Payload.(pipeline.TurnCompletedNotice)
	assert.True(t, completed.Cancelled)
	assert.Equal(t, []string{"stream-0"}, h.pipe.cancelled())
	h.waitIdle()

	h.feed(0.7, false)
	assert.Equal(t, []string{"stream-0"}, h.pipe.cancelled(), "cancel issued exactly once")
}

func TestOrchestrator_InterruptPrecedesLaterChunks(t *testing.T) {
	pipe := &fakePipeline{ignoreCancel: true}
	h := newOrchHarness(t, orchConfig(), pipe, Options{})

	h.utterance(0.3)
	h.waitTurns(1)
	require.Eventually(t, func() bool { return pipe.streamCount() == 1 }, time.Second, 5*time.Millisecond)
	s := pipe.stream(0)

	require.NoError(t, s.Send(context.Background(), pipeline.ResponseChunk{Kind: pipeline.ChunkText, Text: "before"}))
	h.next(pipeline.EventResponseText)

	h.feed(0.3, true)
	h.next(pipeline.EventInterrupted)

	require.NoError(t, s.Send(context.Background(), pipeline.ResponseChunk{Kind: pipeline.ChunkAudio, Audio: []byte{1, 2}}))
	s.Close(nil)

	var seen []pipeline.EventType
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-h.events:
			seen = append(seen, ev.Type)
			done = ev.Type == pipeline.EventTurnCompleted
		case <-timeout:
			t.Fatal("turn never completed")
		}
	}
	assert.NotContains(t, seen, pipeline.EventResponseAudio)
}

func TestOrchestrator_PendingDispatchedWhenCancelledTurnFails(t *testing.T) {
	pipe := &fakePipeline{ignoreCancel: true}
	h := newOrchHarness(t, orchConfig(), pipe, Options{})

	h.utterance(0.3)
	h.waitTurns(1)
	require.Eventually(t, func() bool { return len(pipe.cancelled()) == 0 && h.orch.State().Dispatching }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return pipe.streamCount() == 1 }, time.Second, 5*time.Millisecond)

	// Barge in with a full utterance while the pipeline ignores the cancel.
	h.utterance(0.4)
	snap := h.orch.State()
	assert.True(t, snap.Dispatching)
	assert.True(t, snap.CancelRequested)
	assert.Equal(t, 1, snap.PendingSegments)
	assert.False(t, snap.DebouncePending, "no debounce while a dispatch is in flight")
	require.Eventually(t, func() bool { return len(pipe.cancelled()) == 1 }, time.Second, 5*time.Millisecond)

	pipe.stream(0).Close(errors.New("upstream failed"))

	failed := h.next(pipeline.EventTurnFailed).Payload.(pipeline.TurnFailedNotice)
	assert.EqualError(t, failed.Err, "upstream failed")

	h.waitTurns(2)
	assert.InDelta(t, 0.4, pipe.turn(1).Segment.SourceDuration, 1e-6)
	assert.Equal(t, 0, h.orch.State().PendingSegments)
}

func TestOrchestrator_ForwardsResponseChunks(t *testing.T) {
	pipe := &fakePipeline{}
	h := newOrchHarness(t, orchConfig(), pipe, Options{})

	h.utterance(0.3)
	h.waitTurns(1)
	require.Eventually(t, func() bool { return pipe.streamCount() == 1 }, time.Second, 5*time.Millisecond)
	h.drain()

	s := pipe.stream(0)
	ctx := context.Background()
	require.NoError(t, s.Send(ctx, pipeline.ResponseChunk{Kind: pipeline.ChunkTranscript, Text: "hello"}))
	require.NoError(t, s.Send(ctx, pipeline.ResponseChunk{Kind: pipeline.ChunkText, Text: "hi there"}))
	require.NoError(t, s.Send(ctx, pipeline.ResponseChunk{Kind: pipeline.ChunkAudio, Audio: []byte{0, 1}}))
	s.Close(nil)

	ready := h.next(pipeline.EventTurnReady).Payload.(pipeline.TurnReadyNotice)
	assert.Equal(t, "hello", ready.Text)
	text := h.next(pipeline.EventResponseText).Payload.(pipeline.ResponseTextNotice)
	assert.Equal(t, "hi there", text.Text)
	audioNotice := h.next(pipeline.EventResponseAudio).Payload.(pipeline.ResponseAudioNotice)
	assert.Equal(t, []byte{0, 1}, audioNotice.Audio)
	completed := h.next(pipeline.EventTurnCompleted).Payload.(pipeline.TurnCompletedNotice)
	assert.False(t, completed.Cancelled)
	h.waitIdle()
}

func TestOrchestrator_StartFailure(t *testing.T) {
	pipe := &fakePipeline{startErr: errors.New("no backend")}
	h := newOrchHarness(t, orchConfig(), pipe, Options{})

	h.utterance(0.3)
	failed := h.next(pipeline.EventTurnFailed).Payload.(pipeline.TurnFailedNotice)
	assert.ErrorContains(t, failed.Err, "no backend")
	h.waitIdle()

	pipe.mu.Lock()
	pipe.startErr = nil
	pipe.mu.Unlock()

	h.utterance(0.3)
	h.waitTurns(2)
}

func TestOrchestrator_CancelResets(t *testing.T) {
	cfg := orchConfig()
	cfg.DebounceWindow = 100 * time.Millisecond
	h := newOrchHarness(t, cfg, &fakePipeline{}, Options{})

	h.utterance(0.3)
	h.feed(0.2, true)
	require.Equal(t, PhaseCapturing, h.orch.State().Phase)

	h.orch.Cancel()
	h.orch.Cancel()

	snap := h.orch.State()
	assert.Equal(t, Snapshot{Phase: PhaseIdle}, snap)
	assert.Equal(t, 0, h.orch.Buffer().Len())
	assert.Empty(t, h.orch.Buffer().Events())

	time.Sleep(2 * cfg.DebounceWindow)
	assert.Equal(t, 0, h.pipe.turnCount(), "pending segment dropped by Cancel")
	h.drain()

	// A fresh utterance behaves as on a new session.
	h.utterance(0.3)
	h.waitTurns(1)
	assert.Equal(t, 1, h.pipe.turn(0).Parts)
}

func TestOrchestrator_CancelDuringDispatch(t *testing.T) {
	h := newOrchHarness(t, orchConfig(), &fakePipeline{}, Options{})

	h.utterance(0.3)
	h.waitTurns(1)
	require.Eventually(t, func() bool { return h.pipe.streamCount() == 1 }, time.Second, 5*time.Millisecond)
	h.drain()

	h.orch.Cancel()
	h.next(pipeline.EventInterrupted)
	assert.False(t, h.orch.State().Dispatching)

	time.Sleep(50 * time.Millisecond)
	for _, ev := range h.drain() {
		assert.NotEqual(t, pipeline.EventTurnCompleted, ev.Type, "superseded dispatch reports nothing")
	}
}

func TestOrchestrator_SubmitText(t *testing.T) {
	h := newOrchHarness(t, orchConfig(), &fakePipeline{}, Options{})

	require.Error(t, h.orch.SubmitText(""))
	require.NoError(t, h.orch.SubmitText("what time is it"))
	h.waitTurns(1)
	first := h.pipe.turn(0)
	assert.Equal(t, "what time is it", first.Text)
	assert.Nil(t, first.Segment)

	require.Eventually(t, func() bool { return h.pipe.streamCount() == 1 }, time.Second, 5*time.Millisecond)

	// Text during a dispatch cancels it and is sent once it ends.
	require.NoError(t, h.orch.SubmitText("never mind"))
	interrupt := h.next(pipeline.EventInterrupted).Payload.(pipeline.InterruptNotice)
	assert.Equal(t, first.ID, interrupt.TurnID)

	h.waitTurns(2)
	assert.Equal(t, "never mind", h.pipe.turn(1).Text)
	assert.Equal(t, []string{"stream-0"}, h.pipe.cancelled())
}

func TestOrchestrator_QueuedTextsAreJoined(t *testing.T) {
	pipe := &fakePipeline{ignoreCancel: true}
	h := newOrchHarness(t, orchConfig(), pipe, Options{})

	require.NoError(t, h.orch.SubmitText("book a table"))
	require.Eventually(t, func() bool { return pipe.streamCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.orch.SubmitText("for two"))
	require.NoError(t, h.orch.SubmitText("at eight"))
	require.Eventually(t, func() bool { return len(pipe.cancelled()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"stream-0"}, pipe.cancelled(), "one cancel for both")

	pipe.stream(0).Close(pipeline.ErrStreamCancelled)
	h.waitTurns(2)
	assert.Equal(t, "for two\nat eight", pipe.turn(1).Text)
}

func TestOrchestrator_AbandonedStreamDrainStopsOnClose(t *testing.T) {
	cfg := orchConfig()
	cfg.CancelTimeout = 50 * time.Millisecond
	pipe := &fakePipeline{ignoreCancel: true}
	h := newOrchHarness(t, cfg, pipe, Options{})

	h.utterance(0.3)
	h.waitTurns(1)
	require.Eventually(t, func() bool { return pipe.streamCount() == 1 }, time.Second, 5*time.Millisecond)
	s := pipe.stream(0)

	h.feed(0.3, true)
	completed := h.next(pipeline.EventTurnCompleted).Payload.(pipeline.TurnCompletedNotice)
	assert.True(t, completed.Cancelled)

	// Abandoned but still open: chunks are drained.
	for i := 0; i < 32; i++ {
		require.NoError(t, s.Send(context.Background(), pipeline.ResponseChunk{Kind: pipeline.ChunkText, Text: "late"}))
	}

	require.NoError(t, h.orch.Close())

	// Nothing reads the stream once the orchestrator is closed.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var err error
	for i := 0; i < 32 && err == nil; i++ {
		err = s.Send(ctx, pipeline.ResponseChunk{Kind: pipeline.ChunkText, Text: "later"})
	}
	assert.ErrorIs(t, err, pipeline.ErrStreamCancelled)
}

func TestOrchestrator_ClassifierErrorIsSilence(t *testing.T) {
	failing := &vad.ScriptedClassifier{
		InferFunc: func([]float32) (float32, error) { return 0, errors.New("model crashed") },
	}
	cfg := orchConfig()
	h := newOrchHarness(t, cfg, &fakePipeline{}, Options{Classifier: failing})

	h.utterance(0.5)
	assert.Equal(t, PhaseIdle, h.orch.State().Phase)
	for _, ev := range h.drain() {
		assert.NotEqual(t, pipeline.EventSpeechStarted, ev.Type)
	}
	time.Sleep(2 * cfg.DebounceWindow)
	assert.Equal(t, 0, h.pipe.turnCount())
}

func TestOrchestrator_Close(t *testing.T) {
	h := newOrchHarness(t, orchConfig(), &fakePipeline{}, Options{})

	h.utterance(0.3)
	h.waitTurns(1)

	require.NoError(t, h.orch.Close())
	assert.True(t, h.class.Destroyed())
	assert.ErrorIs(t, h.orch.Close(), ErrOrchestratorClosed)
	assert.ErrorIs(t, h.orch.OnAudioChunk(h.clock.Stamp(make([]float32, 10))), ErrOrchestratorClosed)
	assert.ErrorIs(t, h.orch.SubmitText("hello"), ErrOrchestratorClosed)
}

func TestNewOrchestratorValidation(t *testing.T) {
	bus := pipeline.NewEventBus()
	pipe := &fakePipeline{}

	cfg := orchConfig()
	cfg.SampleRate = 0
	_, err := NewOrchestrator(context.Background(), cfg, Options{Classifier: vad.NewEnergyClassifier(), Pipeline: pipe, Bus: bus})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = NewOrchestrator(context.Background(), orchConfig(), Options{Pipeline: pipe, Bus: bus})
	assert.Error(t, err)

	o, err := NewOrchestrator(context.Background(), orchConfig(), Options{Classifier: vad.NewEnergyClassifier(), Pipeline: pipe, Bus: bus})
	require.NoError(t, err)
	assert.NotEmpty(t, o.SessionID())
	require.NoError(t, o.Close())
}

func TestOrchestrator_WithEchoPipeline(t *testing.T) {
	bus := pipeline.NewEventBus()
	events := make(chan pipeline.Event, 4096)
	bus.SubscribeAll(events)

	echo := pipeline.NewEchoPipeline()
	o, err := NewOrchestrator(context.Background(), orchConfig(), Options{
		Classifier: vad.NewAmplitudeClassifier(),
		Pipeline:   echo,
		Bus:        bus,
	})
	require.NoError(t, err)
	defer o.Close()

	h := &orchHarness{t: t, orch: o, events: events, clock: audio.NewClock(1000)}
	h.utterance(0.3)

	ready := h.next(pipeline.EventTurnReady).Payload.(pipeline.TurnReadyNotice)
	assert.Contains(t, ready.Text, "1 part")
	h.next(pipeline.EventResponseText)
	h.next(pipeline.EventTurnCompleted)
	assert.Equal(t, 1, echo.Started())
}
