package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter converts events into OpenTelemetry spans.
//
// Each event becomes one span:
//   - Span name: event.Msg ("node_start", "node_complete", ...)
//   - Attributes: flowrun.execution_id, flowrun.seq, flowrun.node_id, plus
//     all Meta fields (token and cost fields map to flowrun.llm.* names)
//   - Status: error when Meta["error"] is present
//
// Spans are ended immediately; events mark points in time, not durations.
// When Meta carries "duration_ms" the value is recorded as an attribute.
//
// Setup:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := emit.NewOTelEmitter(otel.Tracer("flowrun"))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter backed by the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as a completed span.
func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()

	o.addStandardAttributes(span, event)
	o.addMetaAttributes(span, event.Meta)

	if errText, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errText)
		span.RecordError(fmt.Errorf("%s", errText))
	}
}

// EmitBatch records several events as spans under one context.
// The span processor batches the export; this simply amortizes the
// per-call overhead when the caller already holds a slice of events.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Msg)
		o.addStandardAttributes(span, event)
		o.addMetaAttributes(span, event.Meta)
		if errText, ok := event.Meta["error"].(string); ok {
			span.SetStatus(codes.Error, errText)
			span.RecordError(fmt.Errorf("%s", errText))
		}
		span.End()
	}
	return nil
}

// Flush forces export of pending spans from the installed tracer provider.
// Call before shutdown so buffered spans reach the backend.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()

	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addStandardAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("flowrun.execution_id", event.ExecutionID),
		attribute.Int("flowrun.seq", event.Seq),
		attribute.String("flowrun.node_id", event.NodeID),
	)
}

func (o *OTelEmitter) addMetaAttributes(span trace.Span, meta map[string]interface{}) {
	if meta == nil {
		return
	}

	for key, value := range meta {
		attrKey := key
		switch key {
		case "tokens":
			attrKey = "flowrun.llm.tokens"
		case "tokens_in":
			attrKey = "flowrun.llm.tokens_in"
		case "tokens_out":
			attrKey = "flowrun.llm.tokens_out"
		case "cost_usd":
			attrKey = "flowrun.llm.cost_usd"
		case "model":
			attrKey = "flowrun.llm.model"
		case "provider":
			attrKey = "flowrun.llm.provider"
		case "duration_ms":
			attrKey = "flowrun.duration_ms"
		case "attempt":
			attrKey = "flowrun.attempt"
		case "retriever_key":
			attrKey = "flowrun.retriever_key"
		}

		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
