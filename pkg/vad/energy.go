package vad

import "github.com/realtime-ai/turntaking/pkg/audio"

// Default energy classifier scaling.
const (
	DefaultEnergyFloor   = 0.005
	DefaultEnergyCeiling = 0.3
)

// EnergyClassifier is a model-free classifier that maps the RMS level of a
// batch linearly onto [0, 1] between Floor and Ceiling. Typical voice RMS for
// normalized audio sits between 0.05 and 0.3.
type EnergyClassifier struct {
	Floor   float64
	Ceiling float64
}

// NewEnergyClassifier returns a classifier with the default scaling.
func NewEnergyClassifier() *EnergyClassifier {
	return &EnergyClassifier{Floor: DefaultEnergyFloor, Ceiling: DefaultEnergyCeiling}
}

// Infer implements Classifier. Empty batches yield NoSignal.
func (e *EnergyClassifier) Infer(samples []float32) (float32, error) {
	if len(samples) == 0 {
		return NoSignal, nil
	}
	rms := audio.RMS(samples)
	if rms <= e.Floor {
		return 0, nil
	}
	span := e.Ceiling - e.Floor
	if span <= 0 {
		return 1, nil
	}
	p := (rms - e.Floor) / span
	if p > 1 {
		p = 1
	}
	return float32(p), nil
}

// Reset implements Classifier.
func (e *EnergyClassifier) Reset() error { return nil }

// Destroy implements Classifier.
func (e *EnergyClassifier) Destroy() error { return nil }

var _ Classifier = (*EnergyClassifier)(nil)
