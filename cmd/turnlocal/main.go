// Command turnlocal runs one turn-taking session against the local
// microphone and speakers.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/realtime-ai/turntaking/internal/app"
	"github.com/realtime-ai/turntaking/pkg/config"
	"github.com/realtime-ai/turntaking/pkg/connection"
	"github.com/realtime-ai/turntaking/pkg/pipeline/openai"
	"github.com/realtime-ai/turntaking/pkg/server"
	"github.com/realtime-ai/turntaking/pkg/vad"
	"github.com/spf13/afero"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a YAML configuration file (default $TURN_CONFIG_FILE)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[turnlocal] %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := app.Telemetry(ctx, cfg)
	if err != nil {
		log.Printf("[turnlocal] %v", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Printf("[turnlocal] warning: telemetry shutdown: %v", err)
		}
	}()

	if cfg.Classifier.Kind == config.ClassifierSilero {
		if err := vad.InitRuntime(cfg.Classifier.LibraryPath); err != nil {
			log.Printf("[turnlocal] %v", err)
			return 1
		}
		defer vad.DestroyRuntime()
	}

	rec, err := app.Recorder(cfg, afero.NewOsFs())
	if err != nil {
		log.Printf("[turnlocal] %v", err)
		return 1
	}

	classifier, err := app.Classifiers(cfg)()
	if err != nil {
		log.Printf("[turnlocal] %v", err)
		return 1
	}
	id := uuid.NewString()
	pipe, err := app.Pipelines(cfg)(ctx, id)
	if err != nil {
		classifier.Destroy()
		log.Printf("[turnlocal] %v", err)
		return 1
	}

	local := connection.DefaultLocalConfig()
	local.CaptureSampleRate = cfg.Turn.SampleRate
	if cfg.OpenAI.APIKey != "" {
		local.PlaybackSampleRate = openai.SpeechSampleRate
	} else {
		// The echo pipeline plays back at the capture rate.
		local.PlaybackSampleRate = cfg.Turn.SampleRate
	}
	local.PrebufferFrames = cfg.Audio.PrebufferFrames

	conn, err := connection.NewLocalConnection(id, local)
	if err != nil {
		classifier.Destroy()
		log.Printf("[turnlocal] %v", err)
		return 1
	}

	sessionCfg := app.SessionConfig(cfg, rec, false)
	sessionCfg.ConnType = "local"
	session, err := server.NewSession(ctx, id, conn, classifier, pipe, sessionCfg)
	if err != nil {
		classifier.Destroy()
		conn.Close()
		log.Printf("[turnlocal] %v", err)
		return 1
	}
	if err := session.Start(); err != nil {
		log.Printf("[turnlocal] %v", err)
		return 1
	}
	log.Printf("[turnlocal] listening; press Ctrl+C to quit")

	select {
	case <-ctx.Done():
	case <-session.Done():
	}
	session.Close()
	return 0
}
