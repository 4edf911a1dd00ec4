package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrSessionID      = "session.id"
	AttrTurnID         = "turn.id"
	AttrTurnKind       = "turn.kind"
	AttrTurnParts      = "turn.parts"
	AttrTurnDuration   = "turn.duration_seconds"
	AttrTurnCancelled  = "turn.cancelled"
	AttrTurnOutcome    = "turn.outcome"
	AttrAudioRate      = "audio.sample_rate"
	AttrAudioEncoding  = "audio.encoding"
	AttrConnectionType = "connection.type"
	AttrRemoteAddr     = "connection.remote_addr"
)

// Span names.
const (
	SpanSession  = "turn.session"
	SpanDispatch = "turn.dispatch"
)

// StartSessionSpan starts the root span of a conversation session.
func StartSessionSpan(ctx context.Context, sessionID, connType string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanSession,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrSessionID, sessionID),
			attribute.String(AttrConnectionType, connType),
		),
	)
}

// StartDispatchSpan starts the span covering one pipeline dispatch.
func StartDispatchSpan(ctx context.Context, sessionID, turnID, kind string, parts int, seconds float64) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanDispatch,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrSessionID, sessionID),
			attribute.String(AttrTurnID, turnID),
			attribute.String(AttrTurnKind, kind),
			attribute.Int(AttrTurnParts, parts),
			attribute.Float64(AttrTurnDuration, seconds),
		),
	)
}

// EndDispatchSpan records the dispatch outcome and ends span.
func EndDispatchSpan(span trace.Span, outcome string, cancelled bool, err error) {
	span.SetAttributes(
		attribute.String(AttrTurnOutcome, outcome),
		attribute.Bool(AttrTurnCancelled, cancelled),
	)
	RecordError(span, err)
	span.End()
}
