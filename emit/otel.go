package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OtelEmitter turns each event into an immediate OpenTelemetry span, so a
// run's node timeline is viewable in any OTel-compatible trace backend.
// Spans represent a point in time (the event), not a duration: they are
// started and ended back-to-back.
type OtelEmitter struct {
	tracer trace.Tracer
}

// NewOtelEmitter constructs an OtelEmitter from a tracer, typically
// otel.Tracer("dipeo-engine").
func NewOtelEmitter(tracer trace.Tracer) *OtelEmitter {
	return &OtelEmitter{tracer: tracer}
}

func (o *OtelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), string(event.Kind))
	defer span.End()
	o.annotate(span, event)
}

func (o *OtelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, string(event.Kind))
		o.annotate(span, event)
		span.End()
	}
	return nil
}

func (o *OtelEmitter) annotate(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("dipeo.run_id", event.RunID),
		attribute.String("dipeo.node_id", event.NodeID),
		attribute.Int("dipeo.epoch", event.Epoch),
	)
	switch event.Kind {
	case NodeStateChanged:
		span.SetAttributes(
			attribute.String("dipeo.from_status", event.FromStatus),
			attribute.String("dipeo.to_status", event.ToStatus),
		)
	case NodeError:
		span.SetAttributes(attribute.String("dipeo.error_kind", event.ErrorKind))
		span.SetStatus(codes.Error, event.Message)
		span.RecordError(fmt.Errorf("%s", event.Message))
	case RunEnded:
		span.SetAttributes(attribute.String("dipeo.reason", string(event.Reason)))
	}
	for key, value := range event.Meta {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(key, v))
		case int:
			span.SetAttributes(attribute.Int(key, v))
		case int64:
			span.SetAttributes(attribute.Int64(key, v))
		case float64:
			span.SetAttributes(attribute.Float64(key, v))
		case bool:
			span.SetAttributes(attribute.Bool(key, v))
		default:
			span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
		}
	}
}

// Flush force-flushes the active global tracer provider, if it supports it.
func (o *OtelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
