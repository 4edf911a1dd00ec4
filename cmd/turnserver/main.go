// Command turnserver serves turn-taking sessions over WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/realtime-ai/turntaking/internal/app"
	"github.com/realtime-ai/turntaking/pkg/config"
	"github.com/realtime-ai/turntaking/pkg/server"
	"github.com/realtime-ai/turntaking/pkg/vad"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a YAML configuration file (default $TURN_CONFIG_FILE)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[turnserver] %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := app.Telemetry(ctx, cfg)
	if err != nil {
		log.Printf("[turnserver] %v", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Printf("[turnserver] warning: telemetry shutdown: %v", err)
		}
	}()

	if cfg.Classifier.Kind == config.ClassifierSilero {
		if err := vad.InitRuntime(cfg.Classifier.LibraryPath); err != nil {
			log.Printf("[turnserver] %v", err)
			return 1
		}
		defer vad.DestroyRuntime()
	}

	rec, err := app.Recorder(cfg, afero.NewOsFs())
	if err != nil {
		log.Printf("[turnserver] %v", err)
		return 1
	}

	srv := server.New(app.ServerConfig(cfg, rec), app.Classifiers(cfg), app.Pipelines(cfg))
	log.Printf("[turnserver] classifier=%s encoding=%s sample_rate=%d", cfg.Classifier.Kind, cfg.Audio.Encoding, cfg.Turn.SampleRate)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[turnserver] %v", err)
		return 1
	}
	log.Printf("[turnserver] stopped")
	return 0
}
