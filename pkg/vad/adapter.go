package vad

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/realtime-ai/turntaking/pkg/audio"
)

// DefaultFrameSize is the minimum number of samples handed to a classifier.
const DefaultFrameSize = 1024

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	// FrameSize is the minimum batch size; smaller accumulations are held
	// until more audio arrives.
	FrameSize int
	// ActivityThreshold is the score a batch must exceed to count as activity.
	ActivityThreshold float32
	// MinVolumeRMS is the RMS level a batch must reach to count as activity.
	MinVolumeRMS float64
	// OnError, if set, is called for every classifier failure.
	OnError func(err error)
}

// Result is the activity verdict for one classified batch.
type Result struct {
	HasActivity bool
	Confidence  float32
	RMS         float64
	// Timestamp is the session time of the first sample of the batch.
	Timestamp float64
	// Samples is the number of samples in the batch.
	Samples int
}

// Adapter batches audio for a Classifier and turns its score into a boolean
// activity signal.
//
// Accumulate may be called while an Evaluate is running; the new samples are
// held for the next evaluation. At most one classifier call is in flight.
type Adapter struct {
	classifier Classifier
	cfg        AdapterConfig

	mu           sync.Mutex
	pending      []float32
	pendingStart float64

	evaluating atomic.Bool
}

// NewAdapter wraps classifier. A zero FrameSize selects DefaultFrameSize.
func NewAdapter(classifier Classifier, cfg AdapterConfig) (*Adapter, error) {
	if classifier == nil {
		return nil, fmt.Errorf("vad: nil classifier")
	}
	if cfg.FrameSize == 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.FrameSize < 0 {
		return nil, fmt.Errorf("vad: invalid frame size %d", cfg.FrameSize)
	}
	if cfg.ActivityThreshold < 0 || cfg.ActivityThreshold > 1 {
		return nil, fmt.Errorf("vad: activity threshold %v outside [0,1]", cfg.ActivityThreshold)
	}
	return &Adapter{
		classifier: classifier,
		cfg:        cfg,
		pending:    make([]float32, 0, cfg.FrameSize*2),
	}, nil
}

// Accumulate appends the chunk's samples to the scratch accumulator.
func (a *Adapter) Accumulate(chunk audio.Chunk) {
	if len(chunk.Samples) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		a.pendingStart = chunk.Timestamp
	}
	a.pending = append(a.pending, chunk.Samples...)
}

// Evaluate classifies the accumulated samples once at least FrameSize of them
// are held, and clears the accumulator. ok is false when there is not enough
// audio yet or another evaluation is already in flight.
//
// Classifier errors are logged and reported as no activity.
func (a *Adapter) Evaluate() (res Result, ok bool) {
	if !a.evaluating.CompareAndSwap(false, true) {
		return Result{}, false
	}
	defer a.evaluating.Store(false)

	a.mu.Lock()
	if len(a.pending) < a.cfg.FrameSize {
		a.mu.Unlock()
		return Result{}, false
	}
	batch := a.pending
	start := a.pendingStart
	a.pending = make([]float32, 0, cap(batch))
	a.mu.Unlock()

	rms := audio.RMS(batch)
	res = Result{RMS: rms, Timestamp: start, Samples: len(batch)}

	score, err := a.classifier.Infer(batch)
	if err != nil {
		log.Printf("[VADAdapter] warning: classifier failed on %d samples at %.3fs: %v", len(batch), start, err)
		if a.cfg.OnError != nil {
			a.cfg.OnError(err)
		}
		return res, true
	}

	res.Confidence = score
	res.HasActivity = score != NoSignal &&
		score > a.cfg.ActivityThreshold &&
		rms >= a.cfg.MinVolumeRMS
	return res, true
}

// Buffered returns the number of samples waiting for classification.
func (a *Adapter) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Reset drops accumulated samples and resets the classifier state.
func (a *Adapter) Reset() {
	a.mu.Lock()
	a.pending = a.pending[:0]
	a.pendingStart = 0
	a.mu.Unlock()

	if err := a.classifier.Reset(); err != nil {
		log.Printf("[VADAdapter] warning: classifier reset failed: %v", err)
	}
}

// Close releases the classifier.
func (a *Adapter) Close() error {
	return a.classifier.Destroy()
}
