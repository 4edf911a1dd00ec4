package turn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/realtime-ai/turntaking/pkg/audio"
	"github.com/realtime-ai/turntaking/pkg/metrics"
	"github.com/realtime-ai/turntaking/pkg/pipeline"
	"github.com/realtime-ai/turntaking/pkg/trace"
	"github.com/realtime-ai/turntaking/pkg/vad"
)

// ErrOrchestratorClosed is returned by operations on a closed orchestrator.
var ErrOrchestratorClosed = errors.New("turn: orchestrator closed")

// Turn kinds used in notices, spans and metrics.
const (
	KindSpeech = "speech"
	KindText   = "text"
)

// SegmentSink receives every dispatched speech turn, e.g. to record it.
type SegmentSink interface {
	Save(name string, seg *audio.Segment) (string, error)
}

// Options are the collaborators of an Orchestrator.
type Options struct {
	// SessionID tags notices, spans and logs. Generated when empty.
	SessionID string
	// Classifier scores audio batches. Required.
	Classifier vad.Classifier
	// Pipeline answers dispatched turns. Required.
	Pipeline pipeline.ConversationPipeline
	// Bus receives outbound notices. Required.
	Bus pipeline.Bus
	// Metrics defaults to metrics.Default().
	Metrics *metrics.Metrics
	// Recorder, if set, is handed every dispatched speech segment.
	Recorder SegmentSink
}

// Snapshot is a read-only view of orchestrator state.
type Snapshot struct {
	Phase           Phase
	Dispatching     bool
	CancelRequested bool
	PendingSegments int
	DebouncePending bool
	CurrentTurnID   string
}

// dispatch is one in-flight pipeline invocation.
type dispatch struct {
	turnID       string
	streamID     string
	cancel       context.CancelFunc
	cancelIssued bool
	started      time.Time
}

// Orchestrator is the per-session turn-taking coordinator. It feeds audio
// through the sample buffer, the activity adapter and the segmenter, debounces
// and coalesces finished segments, dispatches them to the pipeline, and
// cancels the in-flight dispatch when the user barges in.
//
// OnAudioChunk must be called from a single producer in timestamp order.
type Orchestrator struct {
	cfg       Config
	sessionID string

	buffer    *audio.SampleBuffer
	adapter   *vad.Adapter
	segmenter *Segmenter

	pipe     pipeline.ConversationPipeline
	bus      pipeline.Bus
	metrics  *metrics.Metrics
	recorder SegmentSink

	ctx  context.Context
	stop context.CancelFunc

	// ingestMu serializes audio ingestion with Cancel and Close.
	ingestMu sync.Mutex

	mu              sync.Mutex
	pending         []*audio.Segment
	queuedText      string
	debounce        *time.Timer
	debounceGen     uint64
	dispatching     bool
	cancelRequested bool
	current         *dispatch
	closed          bool

	wg sync.WaitGroup
}

// NewOrchestrator validates cfg and wires a session. ctx bounds the lifetime
// of all dispatches.
func NewOrchestrator(ctx context.Context, cfg Config, opts Options) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Classifier == nil || opts.Pipeline == nil || opts.Bus == nil {
		return nil, errors.New("turn: classifier, pipeline and bus are required")
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}

	o := &Orchestrator{
		cfg:       cfg,
		sessionID: opts.SessionID,
		buffer:    audio.NewSampleBuffer(cfg.SampleRate, cfg.Retention),
		pipe:      opts.Pipeline,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		recorder:  opts.Recorder,
	}
	o.ctx, o.stop = context.WithCancel(ctx)

	adapter, err := vad.NewAdapter(opts.Classifier, vad.AdapterConfig{
		FrameSize:         cfg.FrameSize,
		ActivityThreshold: float32(cfg.ActivityThreshold),
		MinVolumeRMS:      cfg.MinVolumeRMS,
		OnError: func(error) {
			o.metrics.RecordClassifierError(o.ctx)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("turn: %w", err)
	}
	o.adapter = adapter

	o.segmenter, err = NewSegmenter(cfg, o.buffer)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// SessionID returns the session identifier.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Buffer exposes the session's sample buffer, including its event log.
func (o *Orchestrator) Buffer() *audio.SampleBuffer { return o.buffer }

// OnAudioChunk ingests one chunk of normalized audio. Classification runs on
// the caller's goroutine, so results reach the segmenter in timestamp order
// and a slow classifier slows the caller down instead of dropping batches.
func (o *Orchestrator) OnAudioChunk(chunk audio.Chunk) error {
	o.ingestMu.Lock()
	defer o.ingestMu.Unlock()

	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return ErrOrchestratorClosed
	}

	o.buffer.Append(chunk)
	o.adapter.Accumulate(chunk)
	for {
		res, ok := o.adapter.Evaluate()
		if !ok {
			return nil
		}
		for _, ev := range o.segmenter.OnActivity(res) {
			o.handleEvent(ev)
		}
	}
}

func (o *Orchestrator) handleEvent(ev Event) {
	switch e := ev.(type) {
	case SpeechStarted:
		o.buffer.AddEvent(audio.EventSpeechStart, e.Timestamp, map[string]any{"confidence": e.Confidence})
		o.onSpeechStart(e)
	case SilenceStarted:
		o.buffer.AddEvent(audio.EventSilenceStart, e.Timestamp, nil)
	case SpeechEnded:
		o.buffer.AddEvent(audio.EventSpeechEnd, e.Timestamp, map[string]any{
			"speech_seconds":  e.Segment.SourceDuration,
			"segment_seconds": e.Segment.Duration(),
		})
		o.onSpeechEnd(e.Segment)
	case SpeechDiscarded:
		o.onSpeechDiscarded(e)
	}
}

// onSpeechStart stops the debounce timer and, if a dispatch is in flight,
// cancels it. The interrupt notice goes out before the pipeline is asked to
// cancel so that playback stops first.
func (o *Orchestrator) onSpeechStart(e SpeechStarted) {
	o.mu.Lock()
	o.stopDebounceLocked()
	turnID, streamID, bargeIn := o.requestCancelLocked()
	o.mu.Unlock()

	o.publish(pipeline.EventSpeechStarted, pipeline.SpeechStartedNotice{SessionID: o.sessionID, At: e.Timestamp})
	o.publish(pipeline.EventInterrupted, pipeline.InterruptNotice{SessionID: o.sessionID, TurnID: turnID, At: e.Timestamp})

	if bargeIn {
		log.Printf("[Orchestrator] session %s: barge-in at %.3fs, cancelling turn %s", o.sessionID, e.Timestamp, turnID)
		o.metrics.RecordBargeIn(o.ctx)
	}
	if streamID != "" {
		o.pipe.Cancel(streamID)
	}
}

// requestCancelLocked marks the current dispatch as cancelled. It returns
// the stream to cancel upstream, empty if the stream id is not known yet or
// cancellation was already issued.
func (o *Orchestrator) requestCancelLocked() (turnID, streamID string, bargeIn bool) {
	if !o.dispatching || o.cancelRequested || o.current == nil {
		return "", "", false
	}
	o.cancelRequested = true
	d := o.current
	d.cancel()
	if d.streamID != "" && !d.cancelIssued {
		d.cancelIssued = true
		streamID = d.streamID
	}
	return d.turnID, streamID, true
}

func (o *Orchestrator) onSpeechEnd(seg *audio.Segment) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.pending = append(o.pending, seg)
	if !o.dispatching {
		o.restartDebounceLocked()
	}
}

func (o *Orchestrator) onSpeechDiscarded(e SpeechDiscarded) {
	reason := metrics.ReasonTooShort
	if e.Reason == DiscardEvicted {
		reason = metrics.ReasonEvicted
	}
	o.metrics.RecordDiscard(o.ctx, reason)

	// A discarded capture may have stopped the timer for earlier segments.
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) > 0 && !o.dispatching && o.debounce == nil {
		o.restartDebounceLocked()
	}
}

func (o *Orchestrator) restartDebounceLocked() {
	o.stopDebounceLocked()
	gen := o.debounceGen
	o.debounce = time.AfterFunc(o.cfg.DebounceWindow, func() { o.onDebounce(gen) })
}

// stopDebounceLocked cancels the timer. Bumping the generation makes a
// timer that already fired a no-op.
func (o *Orchestrator) stopDebounceLocked() {
	o.debounceGen++
	if o.debounce != nil {
		o.debounce.Stop()
		o.debounce = nil
	}
}

func (o *Orchestrator) onDebounce(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if gen != o.debounceGen || o.closed {
		return
	}
	o.debounce = nil
	if o.dispatching || len(o.pending) == 0 {
		return
	}
	o.dispatchPendingLocked()
}

// dispatchPendingLocked concatenates and clears pending segments and starts
// a dispatch for them.
func (o *Orchestrator) dispatchPendingLocked() {
	parts := len(o.pending)
	seg := audio.Concat(o.cfg.SampleRate, o.pending...)
	o.pending = nil
	if seg == nil {
		return
	}
	o.startDispatchLocked(pipeline.Turn{
		Segment:    seg,
		SampleRate: o.cfg.SampleRate,
		Parts:      parts,
	})
}

func (o *Orchestrator) startDispatchLocked(t pipeline.Turn) {
	t.ID = uuid.NewString()
	t.SessionID = o.sessionID

	ctx, cancel := context.WithCancel(o.ctx)
	d := &dispatch{turnID: t.ID, cancel: cancel, started: time.Now()}
	o.current = d
	o.dispatching = true
	o.cancelRequested = false

	o.wg.Add(1)
	go o.runDispatch(ctx, d, t)
}

func turnKind(t pipeline.Turn) string {
	if t.Segment == nil {
		return KindText
	}
	return KindSpeech
}

func (o *Orchestrator) runDispatch(ctx context.Context, d *dispatch, t pipeline.Turn) {
	defer o.wg.Done()

	kind := turnKind(t)
	var seconds float64
	if t.Segment != nil {
		seconds = t.Segment.Duration()
	}
	ctx, span := trace.StartDispatchSpan(ctx, o.sessionID, t.ID, kind, t.Parts, seconds)

	o.metrics.RecordDispatch(ctx, kind, t.Parts)
	o.publish(pipeline.EventTurnDispatched, pipeline.TurnDispatchedNotice{
		SessionID: o.sessionID,
		TurnID:    t.ID,
		Parts:     t.Parts,
		Duration:  time.Duration(seconds * float64(time.Second)),
	})
	if o.recorder != nil && t.Segment != nil {
		if _, err := o.recorder.Save(t.ID, t.Segment); err != nil {
			log.Print(trace.LogWithTrace(ctx, fmt.Sprintf("[Orchestrator] warning: recording turn %s: %v", t.ID, err)))
		}
	}

	cancelled, err := o.stream(ctx, d, t)
	if err != nil {
		log.Print(trace.LogWithTrace(ctx, fmt.Sprintf("[Orchestrator] session %s: turn %s failed: %v", o.sessionID, t.ID, err)))
	}

	outcome := metrics.OutcomeCompleted
	switch {
	case err != nil:
		outcome = metrics.OutcomeFailed
	case cancelled:
		outcome = metrics.OutcomeCancelled
	}
	o.metrics.RecordDispatchDuration(ctx, time.Since(d.started), outcome)
	trace.EndDispatchSpan(span, outcome, cancelled, err)

	o.finishDispatch(d, cancelled, err)
}

// stream starts the pipeline and forwards its chunks until the stream ends.
// Cancellation is checked before every chunk: once ctx is cancelled nothing
// more is forwarded, but the dispatch stays in flight until the pipeline
// closes the stream or CancelTimeout elapses.
func (o *Orchestrator) stream(ctx context.Context, d *dispatch, t pipeline.Turn) (cancelled bool, err error) {
	s, err := o.pipe.Start(ctx, t)
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		return false, fmt.Errorf("start pipeline: %w", err)
	}

	o.mu.Lock()
	d.streamID = s.ID()
	issue := (o.current != d || o.cancelRequested) && !d.cancelIssued
	if issue {
		d.cancelIssued = true
	}
	o.mu.Unlock()
	if issue {
		o.pipe.Cancel(s.ID())
	}

	done := ctx.Done()
	var abandon <-chan time.Time
	for {
		select {
		case <-done:
			done = nil
			cancelled = true
			timer := time.NewTimer(o.cfg.CancelTimeout)
			defer timer.Stop()
			abandon = timer.C

		case <-abandon:
			log.Print(trace.LogWithTrace(ctx, fmt.Sprintf(
				"[Orchestrator] warning: session %s: stream %s ignored cancellation for %s, abandoning it",
				o.sessionID, s.ID(), o.cfg.CancelTimeout)))
			o.wg.Add(1)
			go o.drain(s)
			return true, nil

		case chunk, ok := <-s.Chunks():
			if !ok {
				if ctx.Err() != nil {
					cancelled = true
				}
				serr := s.Err()
				if errors.Is(serr, pipeline.ErrStreamCancelled) || errors.Is(serr, context.Canceled) {
					return true, nil
				}
				return cancelled, serr
			}
			if !o.forward(ctx, t.ID, chunk) {
				cancelled = true
			}
		}
	}
}

// drain discards what an abandoned stream still produces so its sender is
// not blocked, until the stream closes or the orchestrator is closed.
func (o *Orchestrator) drain(s pipeline.Stream) {
	defer o.wg.Done()
	for {
		select {
		case _, ok := <-s.Chunks():
			if !ok {
				return
			}
		case <-o.ctx.Done():
			return
		}
	}
}

// forward publishes one chunk unless the dispatch was cancelled. The check
// and the publish happen under the lock so no chunk follows an interrupt.
func (o *Orchestrator) forward(ctx context.Context, turnID string, chunk pipeline.ResponseChunk) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}

	switch chunk.Kind {
	case pipeline.ChunkTranscript:
		trace.AddEvent(ctx, "turn_ready")
		o.publish(pipeline.EventTurnReady, pipeline.TurnReadyNotice{SessionID: o.sessionID, TurnID: turnID, Text: chunk.Text})
	case pipeline.ChunkText:
		o.publish(pipeline.EventResponseText, pipeline.ResponseTextNotice{SessionID: o.sessionID, TurnID: turnID, Text: chunk.Text})
	case pipeline.ChunkAudio:
		o.publish(pipeline.EventResponseAudio, pipeline.ResponseAudioNotice{
			SessionID:  o.sessionID,
			TurnID:     turnID,
			Audio:      chunk.Audio,
			SampleRate: chunk.SampleRate,
		})
	}
	return true
}

// finishDispatch returns the orchestrator to dispatch-free state and, if
// speech or text arrived meanwhile, dispatches it right away. Completions of
// dispatches superseded by Cancel are ignored.
func (o *Orchestrator) finishDispatch(d *dispatch, cancelled bool, err error) {
	o.mu.Lock()
	if o.current != d {
		o.mu.Unlock()
		return
	}
	o.current = nil
	o.dispatching = false
	o.cancelRequested = false
	d.cancel()
	o.mu.Unlock()

	if err != nil {
		o.publish(pipeline.EventTurnFailed, pipeline.TurnFailedNotice{SessionID: o.sessionID, TurnID: d.turnID, Err: err})
	}
	o.publish(pipeline.EventTurnCompleted, pipeline.TurnCompletedNotice{SessionID: o.sessionID, TurnID: d.turnID, Cancelled: cancelled})

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.dispatching {
		return
	}
	switch {
	case o.queuedText != "":
		text := o.queuedText
		o.queuedText = ""
		o.startDispatchLocked(pipeline.Turn{Text: text, SampleRate: o.cfg.SampleRate})
	case len(o.pending) > 0:
		o.stopDebounceLocked()
		o.dispatchPendingLocked()
	}
}

// SubmitText dispatches typed user input. An in-flight dispatch is cancelled
// first, as if the user had started speaking, and the text is sent as soon
// as it ends. Texts submitted meanwhile are sent together, one per line.
func (o *Orchestrator) SubmitText(text string) error {
	if text == "" {
		return errors.New("turn: empty text")
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrOrchestratorClosed
	}
	if !o.dispatching {
		o.startDispatchLocked(pipeline.Turn{Text: text, SampleRate: o.cfg.SampleRate})
		o.mu.Unlock()
		return nil
	}
	if o.queuedText != "" {
		o.queuedText += "\n"
	}
	o.queuedText += text
	turnID, streamID, bargeIn := o.requestCancelLocked()
	o.mu.Unlock()

	if bargeIn {
		o.publish(pipeline.EventInterrupted, pipeline.InterruptNotice{SessionID: o.sessionID, TurnID: turnID})
		o.metrics.RecordBargeIn(o.ctx)
	}
	if streamID != "" {
		o.pipe.Cancel(streamID)
	}
	return nil
}

// Cancel resets the session: buffered audio, segmenter state, pending
// segments, the debounce timer and any in-flight dispatch are all dropped.
// Afterwards the orchestrator behaves like a new one.
func (o *Orchestrator) Cancel() {
	o.ingestMu.Lock()
	defer o.ingestMu.Unlock()
	o.reset()
}

func (o *Orchestrator) reset() {
	o.mu.Lock()
	o.stopDebounceLocked()
	o.pending = nil
	o.queuedText = ""
	d := o.current
	o.current = nil
	o.dispatching = false
	o.cancelRequested = false
	var streamID string
	if d != nil {
		d.cancel()
		if d.streamID != "" && !d.cancelIssued {
			d.cancelIssued = true
			streamID = d.streamID
		}
	}
	o.mu.Unlock()

	o.buffer.Clear()
	o.segmenter.Reset()
	o.adapter.Reset()

	if d != nil {
		o.publish(pipeline.EventInterrupted, pipeline.InterruptNotice{SessionID: o.sessionID, TurnID: d.turnID})
	}
	if streamID != "" {
		o.pipe.Cancel(streamID)
	}
}

// Close resets the session, waits for dispatch goroutines to exit and
// releases the classifier. Further calls return ErrOrchestratorClosed.
func (o *Orchestrator) Close() error {
	o.ingestMu.Lock()
	defer o.ingestMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrOrchestratorClosed
	}
	o.closed = true
	o.mu.Unlock()

	o.reset()
	o.stop()
	o.wg.Wait()
	return o.adapter.Close()
}

// State returns a snapshot of the orchestrator.
func (o *Orchestrator) State() Snapshot {
	o.ingestMu.Lock()
	phase := o.segmenter.Phase()
	o.ingestMu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	snap := Snapshot{
		Phase:           phase,
		Dispatching:     o.dispatching,
		CancelRequested: o.cancelRequested,
		PendingSegments: len(o.pending),
		DebouncePending: o.debounce != nil,
	}
	if o.current != nil {
		snap.CurrentTurnID = o.current.turnID
	}
	return snap
}

func (o *Orchestrator) publish(t pipeline.EventType, payload any) {
	o.bus.Publish(pipeline.Event{Type: t, Timestamp: time.Now(), Payload: payload})
}
