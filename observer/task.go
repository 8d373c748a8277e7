package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oasislog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// TaskExecutor is the shape internal/task.ExecutorFactory produces: one
// bounded tool-using session run against a single task prompt.
type TaskExecutor interface {
	Execute(ctx context.Context, prompt string) (string, error)
}

// ObservedExecutor wraps a TaskExecutor to emit an OTEL span covering the
// whole run, with every inner LLM/tool call nested under it via context
// propagation.
type ObservedExecutor struct {
	inner  TaskExecutor
	inst   *Instruments
	taskID string
}

// WrapExecutor returns an instrumented executor for one task run.
func WrapExecutor(inner TaskExecutor, taskID string, inst *Instruments) *ObservedExecutor {
	return &ObservedExecutor{inner: inner, inst: inst, taskID: taskID}
}

func (o *ObservedExecutor) Execute(ctx context.Context, prompt string) (string, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "task.execute", trace.WithAttributes(
		AttrTaskID.String(o.taskID),
	))
	defer span.End()
	start := time.Now()

	span.AddEvent("task.started")
	output, err := o.inner.Execute(ctx, prompt)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	switch {
	case ctx.Err() != nil && err != nil:
		status = "cancelled"
		span.AddEvent("task.cancelled")
		span.SetStatus(codes.Error, "cancelled")
	case err != nil:
		status = "error"
		span.AddEvent("task.failed", trace.WithAttributes(attribute.String("error", err.Error())))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		span.AddEvent("task.completed")
	}

	span.SetAttributes(AttrTaskStatus.String(status))

	attrs := metric.WithAttributes(AttrTaskID.String(o.taskID), attribute.String("status", status))
	o.inst.TaskExecutions.Add(ctx, 1, attrs)
	o.inst.TaskDuration.Record(ctx, durationMs, metric.WithAttributes(AttrTaskID.String(o.taskID)))

	var rec oasislog.Record
	rec.SetSeverity(oasislog.SeverityInfo)
	rec.SetBody(oasislog.StringValue("task execution completed"))
	rec.AddAttributes(
		oasislog.String("task.id", o.taskID),
		oasislog.String("task.status", status),
		oasislog.Float64("duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return output, err
}
