package audio

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"
)

const (
	wavBitDepth    = 16
	wavPCMFormat   = 1
	wavNumChannels = 1
)

// EncodeWAV writes samples as a 16-bit mono PCM WAV stream to w.
func EncodeWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	enc := wav.NewEncoder(w, sampleRate, wavBitDepth, wavNumChannels, wavPCMFormat)

	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(floatToInt16(s))
	}
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: wavNumChannels,
			SampleRate:  sampleRate,
		},
		Data:           data,
		SourceBitDepth: wavBitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}

// WAVBytes encodes samples into an in-memory WAV file.
func WAVBytes(samples []float32, sampleRate int) ([]byte, error) {
	fs := afero.NewMemMapFs()
	f, err := fs.Create("segment.wav")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := EncodeWAV(f, samples, sampleRate); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if _, err := io.Copy(&out, f); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// DecodeWAV reads a PCM WAV stream and returns its first channel as float32
// samples together with the sample rate.
func DecodeWAV(r io.ReadSeeker) ([]float32, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("read wav samples: %w", err)
	}

	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	scale := float32(32768)
	if buf.SourceBitDepth > 0 {
		scale = float32(int(1) << (buf.SourceBitDepth - 1))
	}
	out := make([]float32, 0, len(buf.Data)/channels)
	for i := 0; i < len(buf.Data); i += channels {
		out = append(out, float32(buf.Data[i])/scale)
	}
	return out, buf.Format.SampleRate, nil
}

// Recorder saves segments as WAV files under a directory of an afero.Fs.
type Recorder struct {
	fs         afero.Fs
	dir        string
	sampleRate int
}

// NewRecorder creates dir on fs if needed and returns a recorder writing to it.
func NewRecorder(fs afero.Fs, dir string, sampleRate int) (*Recorder, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	return &Recorder{fs: fs, dir: dir, sampleRate: sampleRate}, nil
}

// Save writes seg to <dir>/<name>.wav and returns the path.
func (r *Recorder) Save(name string, seg *Segment) (string, error) {
	if seg == nil {
		return "", fmt.Errorf("nil segment")
	}
	if !strings.HasSuffix(name, ".wav") {
		name += ".wav"
	}
	path := filepath.Join(r.dir, filepath.Base(name))

	f, err := r.fs.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if err := EncodeWAV(f, seg.Samples, r.sampleRate); err != nil {
		return "", err
	}
	return path, nil
}
