package audio

import (
	"log"
	"sync"
)

// FrameDurationMs is the playout frame length.
const FrameDurationMs = 20

// Playout queues response audio (16-bit mono PCM) and hands it out in fixed
// 20 ms frames. Interrupt drops everything queued so that playback stops on
// the next frame, before any upstream cancellation completes.
//
// Playback waits for the prebuffer to fill whenever the queue has run dry.
// Flush releases a response shorter than the prebuffer once it is complete.
type Playout struct {
	mu sync.Mutex

	buffer        []byte
	bytesPerFrame int
	prebuffer     int // bytes to queue before the first frame is released
	priming       bool
	interrupts    int
}

// NewPlayout creates a playout queue for sampleRate that waits for
// prebufferFrames frames before releasing audio after a start or interrupt.
func NewPlayout(sampleRate, prebufferFrames int) *Playout {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if prebufferFrames < 0 {
		prebufferFrames = 0
	}
	bpf := sampleRate * FrameDurationMs / 1000 * 2
	return &Playout{
		buffer:        make([]byte, 0, bpf*50),
		bytesPerFrame: bpf,
		prebuffer:     bpf * prebufferFrames,
		priming:       prebufferFrames > 0,
	}
}

// Write queues PCM bytes.
func (p *Playout) Write(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer = append(p.buffer, pcm...)
}

// ReadFrame returns the next frame, or nil when nothing is ready to play.
// A short tail is zero-padded to a full frame.
func (p *Playout) ReadFrame() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buffer) == 0 {
		return nil
	}
	if p.priming {
		if len(p.buffer) < p.prebuffer {
			return nil
		}
		p.priming = false
	}

	frame := make([]byte, p.bytesPerFrame)
	n := copy(frame, p.buffer)
	p.buffer = p.buffer[n:]
	if len(p.buffer) == 0 {
		p.buffer = p.buffer[:0:0]
		p.priming = p.prebuffer > 0
	}
	return frame
}

// Flush marks the queued audio as complete so it plays without waiting for
// the prebuffer.
func (p *Playout) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) > 0 {
		p.priming = false
	}
}

// Interrupt discards all queued audio.
func (p *Playout) Interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) > 0 {
		log.Printf("[Playout] interrupt: dropped %d bytes of queued audio", len(p.buffer))
	}
	p.buffer = p.buffer[:0]
	p.priming = p.prebuffer > 0
	p.interrupts++
}

// Available returns the number of queued bytes.
func (p *Playout) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Interrupts returns how many times Interrupt has been called.
func (p *Playout) Interrupts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupts
}

// BytesPerFrame returns the frame size in bytes.
func (p *Playout) BytesPerFrame() int {
	return p.bytesPerFrame
}
