// Package audio provides the sample-level building blocks of the turn-taking
// engine: timestamped chunks, the rolling sample buffer, speech segments,
// PCM/μ-law codecs, WAV encoding and playout pacing.
package audio

import "math"

// Chunk is one frame of normalized mono audio as delivered by a transport.
// Samples are float32 in [-1, 1]; Timestamp is the session-relative time, in
// seconds, of the first sample.
type Chunk struct {
	Samples   []float32
	Timestamp float64
}

// Duration returns the length of the chunk in seconds at sampleRate.
func (c Chunk) Duration(sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(sampleRate)
}

// End returns the timestamp just past the last sample of the chunk.
func (c Chunk) End(sampleRate int) float64 {
	return c.Timestamp + c.Duration(sampleRate)
}

// Segment is a contiguous span of audio cut out of a SampleBuffer.
//
// StartTime and EndTime describe the (padded, clipped) span the samples cover.
// SourceDuration is the length of the detected speech inside it, without
// padding. A Segment never shares its backing array with the buffer.
type Segment struct {
	Samples        []float32
	StartTime      float64
	EndTime        float64
	SourceDuration float64
}

// Duration returns EndTime - StartTime.
func (s *Segment) Duration() float64 {
	if s == nil {
		return 0
	}
	return s.EndTime - s.StartTime
}

// Concat joins segments in the given order into one composite segment.
// The result spans from the first segment's start to the latest end and its
// SourceDuration is the sum of the parts. Padded segments cut from the
// same buffer may overlap; a part's samples before the previous part's end
// are dropped so no audio appears twice. Gaps between parts are not filled.
// Nil entries are skipped; Concat returns nil when nothing remains.
func Concat(sampleRate int, segments ...*Segment) *Segment {
	var (
		out   *Segment
		total int
	)
	for _, s := range segments {
		if s != nil {
			total += len(s.Samples)
		}
	}
	for _, s := range segments {
		if s == nil {
			continue
		}
		samples := s.Samples
		if out == nil {
			out = &Segment{
				Samples:   make([]float32, 0, total),
				StartTime: s.StartTime,
			}
		} else if s.StartTime < out.EndTime && sampleRate > 0 {
			skip := int(math.Round((out.EndTime - s.StartTime) * float64(sampleRate)))
			if skip > len(samples) {
				skip = len(samples)
			}
			samples = samples[skip:]
		}
		out.Samples = append(out.Samples, samples...)
		out.EndTime = math.Max(out.EndTime, s.EndTime)
		out.SourceDuration += s.SourceDuration
	}
	return out
}
