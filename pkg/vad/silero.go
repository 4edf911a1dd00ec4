//go:build vad

package vad

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	sileroStateLen   = 2 * 1 * 128
	sileroContextLen = 64
)

var (
	runtimeInitialized bool
	runtimeMu          sync.Mutex
)

// InitRuntime initializes the ONNX runtime. libraryPath may be empty to
// search the usual install locations. It is safe to call more than once.
func InitRuntime(libraryPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if runtimeInitialized {
		return nil
	}
	if libraryPath == "" {
		libraryPath = findONNXRuntimeLibrary()
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnx runtime: %w", err)
	}
	runtimeInitialized = true
	return nil
}

// DestroyRuntime tears down the ONNX runtime.
func DestroyRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !runtimeInitialized {
		return nil
	}
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("destroy onnx runtime: %w", err)
	}
	runtimeInitialized = false
	return nil
}

func findONNXRuntimeLibrary() string {
	candidates := []string{
		os.Getenv("ONNXRUNTIME_LIB"),
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/opt/onnxruntime/lib/libonnxruntime.so",
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"/usr/local/lib/libonnxruntime.dylib",
	}
	for _, dir := range filepath.SplitList(os.Getenv("LD_LIBRARY_PATH")) {
		candidates = append(candidates, filepath.Join(dir, "libonnxruntime.so"))
	}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// SileroConfig configures a SileroClassifier.
type SileroConfig struct {
	// ModelPath is the Silero VAD ONNX model file.
	ModelPath string
	// SampleRate is 8000 or 16000.
	SampleRate int
	// LibraryPath optionally points at libonnxruntime.
	LibraryPath string
}

// Validate checks the configuration.
func (c SileroConfig) Validate() error {
	if c.ModelPath == "" {
		return fmt.Errorf("silero: model path is empty")
	}
	if c.SampleRate != 8000 && c.SampleRate != 16000 {
		return fmt.Errorf("silero: sample rate %d not supported (8000 or 16000)", c.SampleRate)
	}
	return nil
}

// windowSize is the number of samples the model consumes per step.
func (c SileroConfig) windowSize() int {
	if c.SampleRate == 8000 {
		return 256
	}
	return 512
}

// SileroClassifier scores batches with the Silero VAD LSTM model. A batch
// larger than the model window is scored window by window, carrying the
// recurrent state across, and the highest window probability is returned.
type SileroClassifier struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	cfg     SileroConfig

	state   [sileroStateLen]float32
	context [sileroContextLen]float32
	primed  bool
}

// NewSileroClassifier loads the model. The ONNX runtime is initialized on
// first use.
func NewSileroClassifier(cfg SileroConfig) (*SileroClassifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := InitRuntime(cfg.LibraryPath); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("silero: session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("silero: intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("silero: inter-op threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("silero: load model %s: %w", cfg.ModelPath, err)
	}
	return &SileroClassifier{session: session, cfg: cfg}, nil
}

// Infer implements Classifier. Batches shorter than one model window, and
// all-zero batches, yield NoSignal.
func (s *SileroClassifier) Infer(samples []float32) (float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return NoSignal, fmt.Errorf("silero: classifier destroyed")
	}
	win := s.cfg.windowSize()
	if len(samples) < win || allZero(samples) {
		return NoSignal, nil
	}

	best := float32(0)
	for off := 0; off+win <= len(samples); off += win {
		p, err := s.step(samples[off : off+win])
		if err != nil {
			return NoSignal, err
		}
		if p > best {
			best = p
		}
	}
	return best, nil
}

func allZero(samples []float32) bool {
	for _, v := range samples {
		if v != 0 {
			return false
		}
	}
	return true
}

func (s *SileroClassifier) step(window []float32) (float32, error) {
	pcm := window
	if s.primed {
		pcm = make([]float32, 0, sileroContextLen+len(window))
		pcm = append(pcm, s.context[:]...)
		pcm = append(pcm, window...)
	}
	copy(s.context[:], window[len(window)-sileroContextLen:])
	s.primed = true

	input, err := ort.NewTensor(ort.NewShape(1, int64(len(pcm))), pcm)
	if err != nil {
		return 0, fmt.Errorf("silero: input tensor: %w", err)
	}
	defer input.Destroy()

	state, err := ort.NewTensor(ort.NewShape(2, 1, 128), s.state[:])
	if err != nil {
		return 0, fmt.Errorf("silero: state tensor: %w", err)
	}
	defer state.Destroy()

	sr, err := ort.NewTensor(ort.NewShape(1), []int64{int64(s.cfg.SampleRate)})
	if err != nil {
		return 0, fmt.Errorf("silero: sr tensor: %w", err)
	}
	defer sr.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return 0, fmt.Errorf("silero: output tensor: %w", err)
	}
	defer output.Destroy()

	stateN, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128))
	if err != nil {
		return 0, fmt.Errorf("silero: stateN tensor: %w", err)
	}
	defer stateN.Destroy()

	if err := s.session.Run([]ort.Value{input, state, sr}, []ort.Value{output, stateN}); err != nil {
		return 0, fmt.Errorf("silero: run: %w", err)
	}
	copy(s.state[:], stateN.GetData())

	out := output.GetData()
	if len(out) == 0 {
		return 0, fmt.Errorf("silero: empty output")
	}
	return out[0], nil
}

// Reset implements Classifier.
func (s *SileroClassifier) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = [sileroStateLen]float32{}
	s.context = [sileroContextLen]float32{}
	s.primed = false
	return nil
}

// Destroy implements Classifier.
func (s *SileroClassifier) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	if err != nil {
		return fmt.Errorf("silero: destroy session: %w", err)
	}
	return nil
}

var _ Classifier = (*SileroClassifier)(nil)
