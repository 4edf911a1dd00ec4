package audio

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ramp(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(i%200)/200 - 0.5
	}
	return s
}

func TestWAVBytes(t *testing.T) {
	samples := ramp(1600)

	data, err := WAVBytes(samples, 16000)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data[:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))

	decoded, rate, err := DecodeWAV(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 16000, rate)
	require.Len(t, decoded, len(samples))
	for i := range samples {
		assert.InDelta(t, samples[i], decoded[i], 1e-3)
	}
}

func TestRecorder(t *testing.T) {
	fs := afero.NewMemMapFs()
	rec, err := NewRecorder(fs, "/turns", 8000)
	require.NoError(t, err)

	seg := &Segment{Samples: ramp(800), StartTime: 0, EndTime: 0.1}
	path, err := rec.Save("turn-1", seg)
	require.NoError(t, err)
	assert.Equal(t, "/turns/turn-1.wav", path)

	f, err := fs.Open(path)
	require.NoError(t, err)
	defer f.Close()

	decoded, rate, err := DecodeWAV(f)
	require.NoError(t, err)
	assert.Equal(t, 8000, rate)
	assert.Len(t, decoded, 800)

	_, err = rec.Save("empty", nil)
	assert.Error(t, err)
}
