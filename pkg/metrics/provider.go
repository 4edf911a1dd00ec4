package metrics

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Exporter types.
const (
	ExporterPrometheus = "prometheus"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterNone       = "none"
)

// Config selects where metrics go.
type Config struct {
	// ExporterType is "prometheus", "stdout", "otlp" or "none".
	ExporterType string `yaml:"exporter"`
	// OTLPEndpoint is the gRPC collector address, e.g. "localhost:4317".
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	// IntervalSeconds is the push interval of the stdout and OTLP exporters.
	IntervalSeconds float64 `yaml:"interval_seconds"`
}

// DefaultConfig returns a configuration with metrics disabled.
func DefaultConfig() Config {
	return Config{
		ExporterType:    ExporterNone,
		OTLPEndpoint:    "localhost:4317",
		IntervalSeconds: 15,
	}
}

var (
	providerMu    sync.Mutex
	meterProvider *sdkmetric.MeterProvider
	scrapeHandler http.Handler
)

// Initialize installs the global meter provider. Instruments already handed
// out by Default start reporting through it. With ExporterNone nothing is
// installed and instruments stay no-ops.
func Initialize(ctx context.Context, cfg Config, res *resource.Resource) error {
	providerMu.Lock()
	defer providerMu.Unlock()

	if meterProvider != nil {
		return fmt.Errorf("meter provider already initialized")
	}

	interval := time.Duration(cfg.IntervalSeconds * float64(time.Second))
	if interval <= 0 {
		interval = 15 * time.Second
	}

	var (
		reader  sdkmetric.Reader
		handler http.Handler
	)
	switch cfg.ExporterType {
	case ExporterPrometheus:
		reg := prometheus.NewRegistry()
		exp, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		reader = exp
		handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	case ExporterStdout:
		exp, err := stdoutmetric.New()
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))
	case ExporterOTLP:
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))
	case ExporterNone, "":
		return nil
	default:
		return fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(reader)}
	if res != nil {
		opts = append(opts, sdkmetric.WithResource(res))
	}
	meterProvider = sdkmetric.NewMeterProvider(opts...)
	scrapeHandler = handler
	otel.SetMeterProvider(meterProvider)

	log.Printf("[Metrics] metrics initialized with exporter: %s", cfg.ExporterType)
	return nil
}

// Handler returns the scrape endpoint of the prometheus exporter, or nil
// when another exporter is in use.
func Handler() http.Handler {
	providerMu.Lock()
	defer providerMu.Unlock()
	return scrapeHandler
}

// Shutdown flushes and stops the meter provider.
func Shutdown(ctx context.Context) error {
	providerMu.Lock()
	defer providerMu.Unlock()

	if meterProvider == nil {
		return nil
	}
	err := meterProvider.Shutdown(ctx)
	meterProvider = nil
	scrapeHandler = nil
	if err != nil {
		return fmt.Errorf("failed to shutdown meter provider: %w", err)
	}
	return nil
}
