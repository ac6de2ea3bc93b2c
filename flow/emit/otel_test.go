package emit

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*tracetest.InMemoryExporter, *OTelEmitter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, NewOTelEmitter(otel.Tracer("test"))
}

func TestOTelEmitter_Emit(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.Emit(Event{
		ExecutionID: "exec-001",
		Seq:         1,
		NodeID:      "llm-1",
		Msg:         "node_complete",
		Meta: map[string]interface{}{
			"status": "completed",
			"tokens": 150,
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]

	if span.Name != "node_complete" {
		t.Errorf("span name = %q, want %q", span.Name, "node_complete")
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["flowrun.execution_id"]; got != "exec-001" {
		t.Errorf("execution_id = %v, want %q", got, "exec-001")
	}
	if got := attrs["flowrun.seq"]; got != int64(1) {
		t.Errorf("seq = %v, want 1", got)
	}
	if got := attrs["flowrun.node_id"]; got != "llm-1" {
		t.Errorf("node_id = %v, want %q", got, "llm-1")
	}
	if got := attrs["status"]; got != "completed" {
		t.Errorf("status = %v, want %q", got, "completed")
	}
	if got := attrs["flowrun.llm.tokens"]; got != int64(150) {
		t.Errorf("tokens = %v, want 150", got)
	}

	if !span.EndTime.After(span.StartTime) {
		t.Error("span was not ended")
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.Emit(Event{
		ExecutionID: "exec-001",
		NodeID:      "http-1",
		Msg:         "node_complete",
		Meta:        map[string]interface{}{"error": "connection refused"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status code = %v, want error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "connection refused" {
		t.Errorf("status description = %q, want %q", spans[0].Status.Description, "connection refused")
	}
}

func TestOTelEmitter_EmitBatch(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	events := []Event{
		{ExecutionID: "exec-001", Seq: 1, NodeID: "a", Msg: "node_start"},
		{ExecutionID: "exec-001", Seq: 1, NodeID: "a", Msg: "node_complete"},
		{ExecutionID: "exec-001", Seq: 2, NodeID: "b", Msg: "node_start"},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch returned error: %v", err)
	}

	if got := len(exporter.GetSpans()); got != 3 {
		t.Errorf("expected 3 spans, got %d", got)
	}
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{})
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}
