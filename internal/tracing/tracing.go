// Package tracing names the spans a plan run produces. Spans go to whatever
// global TracerProvider the binary installed; with none they are no-ops.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const scope = "cerno.orchestrator"

// Span names.
const (
	SpanRun  = "cerno.run"
	SpanPlan = "cerno.plan"
	SpanTask = "cerno.task"
)

// Attribute keys.
const (
	AttrSessionID = "cerno.session_id"
	AttrModel     = "cerno.model_id"
	AttrTaskID    = "cerno.task_id"
	AttrAgentID   = "cerno.agent_id"
	AttrStep      = "cerno.step_index"
	AttrStatus    = "cerno.status"
)

// Start opens a span under the package scope.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(scope).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records the outcome on span and ends it. A nil err with ok false marks
// a handled failure such as a failed task.
func End(span trace.Span, ok bool, err error) {
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(AttrStatus, "error"))
	case !ok:
		span.SetStatus(codes.Error, "failed")
		span.SetAttributes(attribute.String(AttrStatus, "failed"))
	default:
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attribute.String(AttrStatus, "success"))
	}
	span.End()
}
