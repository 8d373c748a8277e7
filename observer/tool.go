package observer

import (
	"context"
	"encoding/json"
	"time"

	core "github.com/xxxxxccc/devops-bot-sub000"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oasislog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ToolRunner is the minimal shape the Executor and Dispatcher depend on:
// internal/toolregistry.Registry already satisfies it directly, so
// ObservedToolRunner can wrap the registry in place without either caller
// changing.
type ToolRunner interface {
	Execute(ctx context.Context, name string, args json.RawMessage) (core.ToolResult, error)
}

// ObservedToolRunner wraps a ToolRunner with OTEL instrumentation. The
// registry already records its own lightweight Metrics; this layer adds
// tracing and structured logging on top for export to an OTEL backend.
type ObservedToolRunner struct {
	inner ToolRunner
	inst  *Instruments
}

// WrapToolRunner returns an instrumented tool runner.
func WrapToolRunner(inner ToolRunner, inst *Instruments) *ObservedToolRunner {
	return &ObservedToolRunner{inner: inner, inst: inst}
}

func (o *ObservedToolRunner) Execute(ctx context.Context, name string, args json.RawMessage) (core.ToolResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, name, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if result.Error != "" {
		status = "tool_error"
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result.Content)),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	var rec oasislog.Record
	rec.SetSeverity(oasislog.SeverityInfo)
	rec.SetBody(oasislog.StringValue("tool executed"))
	rec.AddAttributes(
		oasislog.String("tool.name", name),
		oasislog.String("tool.status", status),
		oasislog.Int("tool.result_length", len(result.Content)),
		oasislog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}
