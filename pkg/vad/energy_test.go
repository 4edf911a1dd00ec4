package vad

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnergyClassifier(t *testing.T) {
	e := NewEnergyClassifier()

	score, err := e.Infer(nil)
	require.NoError(t, err)
	assert.Equal(t, NoSignal, score)

	score, err = e.Infer(make([]float32, 160))
	require.NoError(t, err)
	assert.Equal(t, float32(0), score)

	loud := make([]float32, 160)
	for i := range loud {
		loud[i] = 0.8
	}
	score, err = e.Infer(loud)
	require.NoError(t, err)
	assert.Equal(t, float32(1), score)

	mid := make([]float32, 160)
	for i := range mid {
		mid[i] = 0.1525
	}
	score, err = e.Infer(mid)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, score, 0.01)

	assert.NoError(t, e.Reset())
	assert.NoError(t, e.Destroy())
}
