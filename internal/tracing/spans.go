package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const orchestratorTracerName = "confab-orchestrator"

func orchestratorTracer() trace.Tracer {
	return Tracer(orchestratorTracerName)
}

// TraceAppend starts a span for one log append.
// Caller must call span.End() when the append commits or fails.
func TraceAppend(ctx context.Context, conversation int64, eventType string) (context.Context, trace.Span) {
	ctx, span := orchestratorTracer().Start(ctx, "store.append")
	span.SetAttributes(
		attribute.Int64("conversation", conversation),
		attribute.String("event.type", eventType),
	)
	return ctx, span
}

// TraceClaim starts a span for a turn claim attempt.
func TraceClaim(ctx context.Context, conversation int64, agentID string) (context.Context, trace.Span) {
	ctx, span := orchestratorTracer().Start(ctx, "orchestrator.claim_turn")
	span.SetAttributes(
		attribute.Int64("conversation", conversation),
		attribute.String("agent_id", agentID),
	)
	return ctx, span
}

// TraceAgentTurn starts a span covering one agent turn.
func TraceAgentTurn(ctx context.Context, conversation int64, agentID string) (context.Context, trace.Span) {
	ctx, span := orchestratorTracer().Start(ctx, "agent.turn")
	span.SetAttributes(
		attribute.Int64("conversation", conversation),
		attribute.String("agent_id", agentID),
	)
	return ctx, span
}

// RecordResult marks the span failed when err is non-nil.
func RecordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
