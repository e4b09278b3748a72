package turnengine

import (
	"context"
	"time"

	"github.com/corvidlabs/turnengine/internal/observability"
)

// Instrumentation bundles the optional metrics and tracing collaborators the
// turn loop and provider client report through. A nil *Instrumentation (or
// one with nil fields) is safe to use everywhere: every method degrades to a
// no-op, mirroring gateway.TracingPlugin's nil-receiver guard so the loop
// never has to special-case "no observability configured".
type Instrumentation struct {
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

func (i *Instrumentation) recordLLM(provider, model, status string, started time.Time, inputTokens, outputTokens int) {
	if i == nil || i.Metrics == nil {
		return
	}
	i.Metrics.RecordLLMRequest(provider, model, status, time.Since(started).Seconds(), inputTokens, outputTokens)
}

func (i *Instrumentation) recordTool(toolName, status string, started time.Time) {
	if i == nil || i.Metrics == nil {
		return
	}
	i.Metrics.RecordToolExecution(toolName, status, time.Since(started).Seconds())
}

func (i *Instrumentation) recordError(component, errType string) {
	if i == nil || i.Metrics == nil {
		return
	}
	i.Metrics.RecordError(component, errType)
}

// traceLLM starts a client span for a provider call and returns a finish
// closure that records the outcome and ends the span.
func (i *Instrumentation) traceLLM(ctx context.Context, provider, model string) (context.Context, func(err error, inputTokens, outputTokens int)) {
	if i == nil || i.Tracer == nil {
		return ctx, func(error, int, int) {}
	}
	spanCtx, span := i.Tracer.TraceLLMRequest(ctx, provider, model)
	return spanCtx, func(err error, inputTokens, outputTokens int) {
		if err != nil {
			i.Tracer.RecordError(span, err)
		} else {
			i.Tracer.SetAttributes(span, "llm.input_tokens", inputTokens, "llm.output_tokens", outputTokens)
		}
		span.End()
	}
}

// traceTool starts an internal span for a single tool execution.
func (i *Instrumentation) traceTool(ctx context.Context, toolName string) (context.Context, func(err error)) {
	if i == nil || i.Tracer == nil {
		return ctx, func(error) {}
	}
	spanCtx, span := i.Tracer.TraceToolExecution(ctx, toolName)
	return spanCtx, func(err error) {
		if err != nil {
			i.Tracer.RecordError(span, err)
		}
		span.End()
	}
}

// traceRound starts an internal span covering one generate-then-dispatch
// round of the turn loop.
func (i *Instrumentation) traceRound(ctx context.Context, sessionID string, round int) (context.Context, func(err error)) {
	if i == nil || i.Tracer == nil {
		return ctx, func(error) {}
	}
	spanCtx, span := i.Tracer.Start(ctx, "turnengine.round")
	i.Tracer.SetAttributes(span, "session_id", sessionID, "round", round)
	return spanCtx, func(err error) {
		if err != nil {
			i.Tracer.RecordError(span, err)
		}
		span.End()
	}
}
