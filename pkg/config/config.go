// Package config loads the turn-taking server configuration from a .env
// file, an optional YAML file and environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/realtime-ai/turntaking/pkg/audio"
	"github.com/realtime-ai/turntaking/pkg/metrics"
	"github.com/realtime-ai/turntaking/pkg/trace"
	"github.com/realtime-ai/turntaking/pkg/turn"
	"gopkg.in/yaml.v3"
)

// Classifier kinds.
const (
	ClassifierEnergy = "energy"
	ClassifierSilero = "silero"
)

// Config is the complete process configuration.
type Config struct {
	Turn       TurnConfig       `yaml:"turn"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Audio      AudioConfig      `yaml:"audio"`
	Server     ServerConfig     `yaml:"server"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Trace      trace.Config     `yaml:"trace"`
	Metrics    metrics.Config   `yaml:"metrics"`
}

// TurnConfig is the YAML form of turn.Config. All durations are seconds.
type TurnConfig struct {
	ActivityThreshold    float64 `yaml:"activity_threshold"`
	MinSpeechSeconds     float64 `yaml:"min_speech_seconds"`
	MinSilenceSeconds    float64 `yaml:"min_silence_seconds"`
	SilenceResetGrace    float64 `yaml:"silence_reset_grace_seconds"`
	MinVolumeRMS         float64 `yaml:"min_volume_rms"`
	SampleRate           int     `yaml:"sample_rate"`
	FrameSize            int     `yaml:"frame_size"`
	ContextPadding       float64 `yaml:"context_padding_seconds"`
	RetentionSeconds     float64 `yaml:"retention_seconds"`
	DebounceSeconds      float64 `yaml:"debounce_seconds"`
	CancelTimeoutSeconds float64 `yaml:"cancel_timeout_seconds"`
}

// ClassifierConfig selects the activity classifier.
type ClassifierConfig struct {
	// Kind is "energy" or "silero".
	Kind        string `yaml:"kind"`
	ModelPath   string `yaml:"model_path"`
	LibraryPath string `yaml:"library_path"`
}

// AudioConfig describes inbound audio handling.
type AudioConfig struct {
	Encoding audio.Encoding `yaml:"encoding"`
	// RecordingDir, when set, receives every dispatched turn as a WAV file.
	RecordingDir string `yaml:"recording_dir"`
	// PrebufferFrames is how many 20 ms frames of response audio are queued
	// before playout starts.
	PrebufferFrames int `yaml:"prebuffer_frames"`
}

// ServerConfig is the WebSocket listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
	// AuthToken, when set, is required as a bearer token on upgrade.
	AuthToken string `yaml:"auth_token"`
}

// OpenAIConfig configures the OpenAI conversation pipeline. An empty APIKey
// selects the echo pipeline.
type OpenAIConfig struct {
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	ChatModel       string `yaml:"chat_model"`
	TranscribeModel string `yaml:"transcribe_model"`
	SpeechModel     string `yaml:"speech_model"`
	Voice           string `yaml:"voice"`
	SystemPrompt    string `yaml:"system_prompt"`
}

// Default returns the built-in configuration.
func Default() *Config {
	t := turn.DefaultConfig()
	return &Config{
		Turn: TurnConfig{
			ActivityThreshold:    t.ActivityThreshold,
			MinSpeechSeconds:     t.MinSpeechDuration,
			MinSilenceSeconds:    t.MinSilenceDuration,
			SilenceResetGrace:    t.SilenceResetGrace,
			MinVolumeRMS:         t.MinVolumeRMS,
			SampleRate:           t.SampleRate,
			FrameSize:            t.FrameSize,
			ContextPadding:       t.ContextPadding,
			RetentionSeconds:     t.Retention,
			DebounceSeconds:      t.DebounceWindow.Seconds(),
			CancelTimeoutSeconds: t.CancelTimeout.Seconds(),
		},
		Classifier: ClassifierConfig{Kind: ClassifierEnergy},
		Audio:      AudioConfig{Encoding: audio.EncodingPCM16, PrebufferFrames: 3},
		Server:     ServerConfig{Addr: ":8080", Path: "/v1/turns"},
		OpenAI: OpenAIConfig{
			ChatModel:       "gpt-4o-mini",
			TranscribeModel: "whisper-1",
			SpeechModel:     "tts-1",
			Voice:           "alloy",
			SystemPrompt:    "You are a helpful voice assistant. Keep answers short and conversational.",
		},
		Trace:   trace.DefaultConfig(),
		Metrics: metrics.DefaultConfig(),
	}
}

// TurnSettings converts the YAML form into turn.Config.
func (c *Config) TurnSettings() turn.Config {
	t := c.Turn
	return turn.Config{
		ActivityThreshold:  t.ActivityThreshold,
		MinSpeechDuration:  t.MinSpeechSeconds,
		MinSilenceDuration: t.MinSilenceSeconds,
		SilenceResetGrace:  t.SilenceResetGrace,
		MinVolumeRMS:       t.MinVolumeRMS,
		SampleRate:         t.SampleRate,
		FrameSize:          t.FrameSize,
		ContextPadding:     t.ContextPadding,
		Retention:          t.RetentionSeconds,
		DebounceWindow:     seconds(t.DebounceSeconds),
		CancelTimeout:      seconds(t.CancelTimeoutSeconds),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Load reads .env (if present), then the YAML file at path or at
// TURN_CONFIG_FILE when path is empty, then environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("TURN_CONFIG_FILE")
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates the
// result. Environment variables are not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// Validate returns every violation joined.
func (c *Config) Validate() error {
	var errs []error
	if err := c.TurnSettings().Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Classifier.Kind {
	case ClassifierEnergy:
	case ClassifierSilero:
		if c.Classifier.ModelPath == "" {
			errs = append(errs, errors.New("classifier.model_path is required for the silero classifier"))
		}
	default:
		errs = append(errs, fmt.Errorf("classifier.kind %q is invalid; valid values: energy, silero", c.Classifier.Kind))
	}
	switch c.Audio.Encoding {
	case audio.EncodingPCM16, audio.EncodingMuLaw:
	default:
		errs = append(errs, fmt.Errorf("audio.encoding %q is invalid; valid values: pcm16, mulaw", c.Audio.Encoding))
	}
	if c.Audio.PrebufferFrames < 0 {
		errs = append(errs, errors.New("audio.prebuffer_frames must not be negative"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.Path == "" || c.Server.Path[0] != '/' {
		errs = append(errs, fmt.Errorf("server.path %q must start with /", c.Server.Path))
	}
	return errors.Join(errs...)
}

// applyEnv overrides cfg with any environment variables that are set.
func applyEnv(cfg *Config) error {
	var errs []error
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	t := &cfg.Turn
	float("VAD_ACTIVITY_THRESHOLD", &t.ActivityThreshold)
	float("VAD_MIN_SPEECH_SECONDS", &t.MinSpeechSeconds)
	float("VAD_MIN_SILENCE_SECONDS", &t.MinSilenceSeconds)
	float("VAD_SILENCE_RESET_GRACE_SECONDS", &t.SilenceResetGrace)
	float("VAD_MIN_VOLUME_RMS", &t.MinVolumeRMS)
	integer("VAD_SAMPLE_RATE", &t.SampleRate)
	integer("VAD_FRAME_SIZE", &t.FrameSize)
	float("VAD_CONTEXT_PADDING_SECONDS", &t.ContextPadding)
	float("TURN_DEBOUNCE_SECONDS", &t.DebounceSeconds)
	float("TURN_RETENTION_SECONDS", &t.RetentionSeconds)
	float("TURN_CANCEL_TIMEOUT_SECONDS", &t.CancelTimeoutSeconds)

	str("VAD_CLASSIFIER", &cfg.Classifier.Kind)
	str("VAD_MODEL_PATH", &cfg.Classifier.ModelPath)
	str("ONNXRUNTIME_LIB_PATH", &cfg.Classifier.LibraryPath)

	var enc string
	str("AUDIO_ENCODING", &enc)
	if enc != "" {
		cfg.Audio.Encoding = audio.Encoding(enc)
	}
	str("RECORDING_DIR", &cfg.Audio.RecordingDir)
	integer("PLAYOUT_PREBUFFER_FRAMES", &cfg.Audio.PrebufferFrames)

	str("SERVER_ADDR", &cfg.Server.Addr)
	str("SERVER_PATH", &cfg.Server.Path)
	str("SERVER_AUTH_TOKEN", &cfg.Server.AuthToken)

	o := &cfg.OpenAI
	str("OPENAI_API_KEY", &o.APIKey)
	str("OPENAI_BASE_URL", &o.BaseURL)
	str("OPENAI_CHAT_MODEL", &o.ChatModel)
	str("OPENAI_TRANSCRIBE_MODEL", &o.TranscribeModel)
	str("OPENAI_SPEECH_MODEL", &o.SpeechModel)
	str("OPENAI_VOICE", &o.Voice)
	str("OPENAI_SYSTEM_PROMPT", &o.SystemPrompt)

	str("ENVIRONMENT", &cfg.Trace.Environment)
	str("TRACE_EXPORTER", &cfg.Trace.ExporterType)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Trace.OTLPEndpoint)
	str("METRICS_EXPORTER", &cfg.Metrics.ExporterType)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Metrics.OTLPEndpoint)
	float("METRICS_INTERVAL_SECONDS", &cfg.Metrics.IntervalSeconds)

	return errors.Join(errs...)
}
