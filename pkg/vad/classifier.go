// Package vad turns raw audio into a per-batch voice activity signal.
//
// A Classifier scores a batch of samples; the Adapter batches incoming
// chunks up to the classifier's minimum frame size, invokes it at most once
// at a time, and gates its score with an RMS volume floor.
package vad

// NoSignal is returned by a Classifier that could not produce a score for a
// batch (for example an empty or all-zero frame). It never counts as
// activity.
const NoSignal float32 = -1

// Classifier scores voice activity in a batch of samples.
// This interface allows the model-backed and energy-based implementations,
// as well as test doubles, to be swapped freely.
type Classifier interface {
	// Infer returns an activity score in [0, 1], or NoSignal.
	// samples are normalized float32 values in the range [-1, 1].
	Infer(samples []float32) (float32, error)

	// Reset clears any state carried between batches.
	Reset() error

	// Destroy releases all resources held by the classifier.
	Destroy() error
}
