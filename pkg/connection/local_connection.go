package connection

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/realtime-ai/turntaking/pkg/audio"
	"github.com/realtime-ai/turntaking/pkg/pipeline"
)

// LocalConfig configures the local audio devices.
type LocalConfig struct {
	CaptureSampleRate  int
	PlaybackSampleRate int
	// PrebufferFrames of 20 ms queued before playback starts.
	PrebufferFrames int
}

// DefaultLocalConfig captures at 16 kHz and plays at 24 kHz.
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		CaptureSampleRate:  16000,
		PlaybackSampleRate: 24000,
		PrebufferFrames:    5,
	}
}

// localConnection uses the default microphone and speaker through malgo.
type localConnection struct {
	peerID string
	cfg    LocalConfig

	// malgo context and devices
	audioContext   *malgo.AllocatedContext
	captureDevice  *malgo.Device
	playbackDevice *malgo.Device

	mu      sync.RWMutex
	handler EventHandler
	closed  bool

	clock  *audio.Clock
	inChan chan []byte

	playMu  sync.Mutex
	playout *audio.Playout
	pending []byte // remainder of the frame being played

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

var _ Connection = (*localConnection)(nil)

// NewLocalConnection initializes the audio backend. Devices are opened by
// Start.
func NewLocalConnection(peerID string, cfg LocalConfig) (Connection, error) {
	l := newLocalConnection(peerID, cfg)
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	l.audioContext = ctx
	return l, nil
}

func newLocalConnection(peerID string, cfg LocalConfig) *localConnection {
	def := DefaultLocalConfig()
	if cfg.CaptureSampleRate <= 0 {
		cfg.CaptureSampleRate = def.CaptureSampleRate
	}
	if cfg.PlaybackSampleRate <= 0 {
		cfg.PlaybackSampleRate = def.PlaybackSampleRate
	}
	return &localConnection{
		peerID:  peerID,
		cfg:     cfg,
		handler: NoOpEventHandler{},
		clock:   audio.NewClock(cfg.CaptureSampleRate),
		inChan:  make(chan []byte, 100),
		playout: audio.NewPlayout(cfg.PlaybackSampleRate, cfg.PrebufferFrames),
		stop:    make(chan struct{}),
	}
}

func (l *localConnection) PeerID() string {
	return l.peerID
}

func (l *localConnection) RegisterEventHandler(handler EventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
}

func (l *localConnection) eventHandler() EventHandler {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.handler
}

func (l *localConnection) Start(ctx context.Context) error {
	if l.audioContext == nil {
		return ErrConnectionClosed
	}

	l.wg.Add(1)
	go l.deliver()

	if err := l.startAudioCapture(); err != nil {
		return fmt.Errorf("failed to start audio capture: %w", err)
	}
	if err := l.startAudioPlayback(); err != nil {
		return fmt.Errorf("failed to start audio playback: %w", err)
	}

	l.eventHandler().OnStateChange(ConnectionStateConnected)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-l.stop:
		}
	}()
	return nil
}

// deliver hands captured audio to the handler off the device thread.
func (l *localConnection) deliver() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stop:
			return
		case data := <-l.inChan:
			samples := audio.DecodePCM16(data)
			if len(samples) > 0 {
				l.eventHandler().OnAudio(l.clock.Stamp(samples))
			}
		}
	}
}

func (l *localConnection) startAudioCapture() error {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.PeriodSizeInMilliseconds = 20
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(l.cfg.CaptureSampleRate)
	deviceConfig.Alsa.NoMMap = 1

	var err error
	l.captureDevice, err = malgo.InitDevice(l.audioContext.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, inputSamples []byte, _ uint32) {
			data := make([]byte, len(inputSamples))
			copy(data, inputSamples)
			select {
			case l.inChan <- data:
			default:
				log.Printf("[LocalConnection] warning: capture queue full, dropping %d bytes", len(data))
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}
	return l.captureDevice.Start()
}

func (l *localConnection) startAudioPlayback() error {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.PeriodSizeInMilliseconds = 20
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(l.cfg.PlaybackSampleRate)
	deviceConfig.Alsa.NoMMap = 1

	var err error
	l.playbackDevice, err = malgo.InitDevice(l.audioContext.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(outputSamples, _ []byte, _ uint32) {
			l.fill(outputSamples)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}
	return l.playbackDevice.Start()
}

// fill copies queued playout frames into out and pads the rest with
// silence.
func (l *localConnection) fill(out []byte) {
	l.playMu.Lock()
	defer l.playMu.Unlock()

	n := 0
	for n < len(out) {
		if len(l.pending) == 0 {
			frame := l.playout.ReadFrame()
			if frame == nil {
				break
			}
			l.pending = frame
		}
		c := copy(out[n:], l.pending)
		l.pending = l.pending[c:]
		n += c
	}
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

// SendNotice stops playback on interrupt, releases the tail of a finished
// response and logs recognized and failed turns.
func (l *localConnection) SendNotice(n Notice) error {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return ErrConnectionClosed
	}

	switch n.Type {
	case pipeline.EventInterrupted.String():
		l.playMu.Lock()
		l.playout.Interrupt()
		l.pending = nil
		l.playMu.Unlock()
	case pipeline.EventTurnCompleted.String():
		l.playMu.Lock()
		l.playout.Flush()
		l.playMu.Unlock()
	case pipeline.EventTurnReady.String():
		log.Printf("[LocalConnection] you: %s", n.Text)
	case pipeline.EventTurnFailed.String():
		log.Printf("[LocalConnection] turn %s failed: %s", n.TurnID, n.Error)
	}
	return nil
}

// SendAudio queues pcm for playback. Audio at another rate than the
// playback device is dropped.
func (l *localConnection) SendAudio(pcm []byte, sampleRate int) error {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return ErrConnectionClosed
	}
	if sampleRate != l.cfg.PlaybackSampleRate {
		log.Printf("[LocalConnection] warning: dropping %d Hz audio, playback runs at %d Hz", sampleRate, l.cfg.PlaybackSampleRate)
		return nil
	}
	l.playMu.Lock()
	l.playout.Write(pcm)
	l.playMu.Unlock()
	return nil
}

func (l *localConnection) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		close(l.stop)
		if l.captureDevice != nil {
			l.captureDevice.Stop()
			l.captureDevice.Uninit()
		}
		if l.playbackDevice != nil {
			l.playbackDevice.Stop()
			l.playbackDevice.Uninit()
		}
		l.wg.Wait()
		if l.audioContext != nil {
			_ = l.audioContext.Uninit()
			l.audioContext.Free()
		}
		l.eventHandler().OnStateChange(ConnectionStateClosed)
	})
	return nil
}
