package vad

import "sync"

// ScriptedClassifier is a Classifier test double whose scores come from
// InferFunc. It records every batch it sees.
type ScriptedClassifier struct {
	// InferFunc is called when Infer is invoked.
	// If nil, returns 0 (no activity).
	InferFunc func(samples []float32) (float32, error)

	mu            sync.Mutex
	calls         [][]float32
	resetCalls    int
	destroyCalled bool
}

// NewScriptedClassifier creates a classifier that always returns score.
func NewScriptedClassifier(score float32) *ScriptedClassifier {
	return &ScriptedClassifier{
		InferFunc: func([]float32) (float32, error) { return score, nil },
	}
}

// NewAmplitudeClassifier creates a classifier that reports 1 when the first
// sample of a batch is non-zero and 0 otherwise, so tests can script
// activity by filling frames with a constant value.
func NewAmplitudeClassifier() *ScriptedClassifier {
	return &ScriptedClassifier{
		InferFunc: func(samples []float32) (float32, error) {
			if len(samples) == 0 {
				return NoSignal, nil
			}
			if samples[0] != 0 {
				return 1, nil
			}
			return 0, nil
		},
	}
}

// NewSequenceClassifier creates a classifier that returns scores in order,
// cycling back to the beginning after the last one.
func NewSequenceClassifier(scores ...float32) *ScriptedClassifier {
	idx := 0
	return &ScriptedClassifier{
		InferFunc: func([]float32) (float32, error) {
			if len(scores) == 0 {
				return 0, nil
			}
			s := scores[idx]
			idx = (idx + 1) % len(scores)
			return s, nil
		},
	}
}

// Infer implements Classifier.
func (m *ScriptedClassifier) Infer(samples []float32) (float32, error) {
	m.mu.Lock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	m.calls = append(m.calls, cp)
	fn := m.InferFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(samples)
	}
	return 0, nil
}

// Reset implements Classifier.
func (m *ScriptedClassifier) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetCalls++
	return nil
}

// Destroy implements Classifier.
func (m *ScriptedClassifier) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyCalled = true
	return nil
}

// Calls returns copies of every batch passed to Infer.
func (m *ScriptedClassifier) Calls() [][]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]float32(nil), m.calls...)
}

// CallCount returns the number of Infer calls.
func (m *ScriptedClassifier) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// ResetCount returns the number of Reset calls.
func (m *ScriptedClassifier) ResetCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetCalls
}

// Destroyed reports whether Destroy was called.
func (m *ScriptedClassifier) Destroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyCalled
}

var _ Classifier = (*ScriptedClassifier)(nil)
