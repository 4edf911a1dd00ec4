// Package metrics holds the OpenTelemetry metric instruments of the
// turn-taking engine.
//
// Instruments are created from a metric.MeterProvider; Default uses the
// global provider, which is a no-op until Initialize installs one. Tests
// should use New with an sdk/metric ManualReader.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/realtime-ai/turntaking"

// Discard reasons for TurnsDiscarded.
const (
	ReasonTooShort = "too_short"
	ReasonEvicted  = "evicted"
)

// Dispatch outcomes for DispatchDuration.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Metrics holds all instruments. The recording methods are safe to call on a
// nil *Metrics.
type Metrics struct {
	// TurnsDispatched counts turns handed to the pipeline. Attribute "kind"
	// is "speech" or "text".
	TurnsDispatched metric.Int64Counter
	// SegmentsCoalesced counts speech segments merged into dispatched turns.
	SegmentsCoalesced metric.Int64Counter
	// TurnsDiscarded counts finalized captures that produced no segment.
	// Attribute "reason".
	TurnsDiscarded metric.Int64Counter
	// BargeIns counts cancellations of in-flight dispatches by new speech.
	BargeIns metric.Int64Counter
	// ClassifierErrors counts failed classifier invocations.
	ClassifierErrors metric.Int64Counter
	// DispatchDuration tracks how long dispatches run. Attribute "outcome".
	DispatchDuration metric.Float64Histogram
	// ActiveSessions tracks live sessions.
	ActiveSessions metric.Int64UpDownCounter
}

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// New creates all instruments from mp.
func New(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnsDispatched, err = m.Int64Counter("turntaking.turns.dispatched",
		metric.WithDescription("Turns handed to the conversation pipeline."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsCoalesced, err = m.Int64Counter("turntaking.segments.coalesced",
		metric.WithDescription("Speech segments merged into dispatched turns."),
	); err != nil {
		return nil, err
	}
	if met.TurnsDiscarded, err = m.Int64Counter("turntaking.turns.discarded",
		metric.WithDescription("Captured speech dropped before dispatch, by reason."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("turntaking.bargeins",
		metric.WithDescription("In-flight dispatches cancelled by new user speech."),
	); err != nil {
		return nil, err
	}
	if met.ClassifierErrors, err = m.Int64Counter("turntaking.classifier.errors",
		metric.WithDescription("Voice activity classifier failures."),
	); err != nil {
		return nil, err
	}
	if met.DispatchDuration, err = m.Float64Histogram("turntaking.dispatch.duration",
		metric.WithDescription("Duration of pipeline dispatches by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("turntaking.sessions.active",
		metric.WithDescription("Number of live turn-taking sessions."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns the package-level instance built on the global provider.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = New(otel.GetMeterProvider())
		if err != nil {
			panic("metrics: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordDispatch counts a dispatched turn made of parts segments.
func (m *Metrics) RecordDispatch(ctx context.Context, kind string, parts int) {
	if m == nil {
		return
	}
	m.TurnsDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	if parts > 0 {
		m.SegmentsCoalesced.Add(ctx, int64(parts))
	}
}

// RecordDiscard counts a dropped capture.
func (m *Metrics) RecordDiscard(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.TurnsDiscarded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBargeIn counts a barge-in cancellation.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	if m == nil {
		return
	}
	m.BargeIns.Add(ctx, 1)
}

// RecordClassifierError counts a classifier failure.
func (m *Metrics) RecordClassifierError(ctx context.Context) {
	if m == nil {
		return
	}
	m.ClassifierErrors.Add(ctx, 1)
}

// RecordDispatchDuration observes a finished dispatch.
func (m *Metrics) RecordDispatchDuration(ctx context.Context, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.DispatchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}
