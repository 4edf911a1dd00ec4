//go:build !vad

package vad

import "errors"

// ErrSileroUnavailable is returned when the binary was built without the
// vad build tag.
var ErrSileroUnavailable = errors.New("silero classifier requires building with -tags vad")

// InitRuntime always fails without the vad build tag.
func InitRuntime(string) error { return ErrSileroUnavailable }

// DestroyRuntime is a no-op without the vad build tag.
func DestroyRuntime() error { return nil }

// SileroConfig configures a SileroClassifier.
type SileroConfig struct {
	ModelPath   string
	SampleRate  int
	LibraryPath string
}

// SileroClassifier is unavailable without the vad build tag.
type SileroClassifier struct{}

// NewSileroClassifier always fails without the vad build tag.
func NewSileroClassifier(SileroConfig) (*SileroClassifier, error) {
	return nil, ErrSileroUnavailable
}

func (*SileroClassifier) Infer([]float32) (float32, error) { return NoSignal, ErrSileroUnavailable }
func (*SileroClassifier) Reset() error                      { return nil }
func (*SileroClassifier) Destroy() error                    { return nil }
