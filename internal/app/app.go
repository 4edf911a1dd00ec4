// Package app builds what a config.Config names: the activity classifier,
// the conversation pipeline, the turn recorder and the telemetry providers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/openai/openai-go/option"
	"github.com/realtime-ai/turntaking/pkg/audio"
	"github.com/realtime-ai/turntaking/pkg/config"
	"github.com/realtime-ai/turntaking/pkg/metrics"
	"github.com/realtime-ai/turntaking/pkg/pipeline"
	"github.com/realtime-ai/turntaking/pkg/pipeline/openai"
	"github.com/realtime-ai/turntaking/pkg/server"
	"github.com/realtime-ai/turntaking/pkg/trace"
	"github.com/realtime-ai/turntaking/pkg/turn"
	"github.com/realtime-ai/turntaking/pkg/vad"
	"github.com/spf13/afero"
)

// Classifiers returns a factory for the configured classifier kind.
func Classifiers(cfg *config.Config) server.ClassifierFactory {
	switch cfg.Classifier.Kind {
	case config.ClassifierSilero:
		sc := vad.SileroConfig{
			ModelPath:   cfg.Classifier.ModelPath,
			SampleRate:  cfg.Turn.SampleRate,
			LibraryPath: cfg.Classifier.LibraryPath,
		}
		return func() (vad.Classifier, error) {
			return vad.NewSileroClassifier(sc)
		}
	default:
		return func() (vad.Classifier, error) {
			return vad.NewEnergyClassifier(), nil
		}
	}
}

// Pipelines returns a factory for the conversation pipeline: OpenAI when an
// API key is configured, echo otherwise. Each session gets its own pipeline
// so that conversation history is not shared.
func Pipelines(cfg *config.Config, opts ...option.RequestOption) server.PipelineFactory {
	if cfg.OpenAI.APIKey == "" {
		log.Printf("[App] no OpenAI API key configured, using the echo pipeline")
		return func(context.Context, string) (pipeline.ConversationPipeline, error) {
			return pipeline.NewEchoPipeline(), nil
		}
	}

	oc := openai.Config{
		APIKey:          cfg.OpenAI.APIKey,
		BaseURL:         cfg.OpenAI.BaseURL,
		ChatModel:       cfg.OpenAI.ChatModel,
		TranscribeModel: cfg.OpenAI.TranscribeModel,
		SpeechModel:     cfg.OpenAI.SpeechModel,
		Voice:           cfg.OpenAI.Voice,
		SystemPrompt:    cfg.OpenAI.SystemPrompt,
	}
	return func(context.Context, string) (pipeline.ConversationPipeline, error) {
		return openai.New(oc, opts...)
	}
}

// Recorder returns a segment recorder writing under the configured
// recording directory on fs, or nil when recording is off.
func Recorder(cfg *config.Config, fs afero.Fs) (turn.SegmentSink, error) {
	if cfg.Audio.RecordingDir == "" {
		return nil, nil
	}
	rec, err := audio.NewRecorder(fs, cfg.Audio.RecordingDir, cfg.Turn.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("app: recorder: %w", err)
	}
	log.Printf("[App] recording dispatched turns to %s", cfg.Audio.RecordingDir)
	return rec, nil
}

// SessionConfig assembles the per-session settings. pace is set for
// transports that do not pace playback themselves.
func SessionConfig(cfg *config.Config, rec turn.SegmentSink, pace bool) server.SessionConfig {
	return server.SessionConfig{
		Turn:            cfg.TurnSettings(),
		Pace:            pace,
		PrebufferFrames: cfg.Audio.PrebufferFrames,
		Recorder:        rec,
	}
}

// ServerConfig assembles the WebSocket server settings. The prometheus
// scrape endpoint is mounted when Telemetry installed one.
func ServerConfig(cfg *config.Config, rec turn.SegmentSink) server.Config {
	sc := server.DefaultConfig()
	sc.Addr = cfg.Server.Addr
	sc.Path = cfg.Server.Path
	sc.AuthToken = cfg.Server.AuthToken
	sc.Encoding = cfg.Audio.Encoding
	sc.Session = SessionConfig(cfg, rec, true)
	sc.MetricsHandler = metrics.Handler()
	return sc
}

// Telemetry installs the tracer and meter providers. The returned function
// flushes and stops both.
func Telemetry(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	res, err := trace.Resource(cfg.Trace)
	if err != nil {
		return nil, err
	}
	if err := trace.Initialize(ctx, cfg.Trace); err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	if err := metrics.Initialize(ctx, cfg.Metrics, res); err != nil {
		_ = trace.Shutdown(ctx)
		return nil, fmt.Errorf("metrics: %w", err)
	}
	return func(ctx context.Context) error {
		return errors.Join(metrics.Shutdown(ctx), trace.Shutdown(ctx))
	}, nil
}
