package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Kernel semantic convention attributes.
var (
	AttrOperation = attribute.Key("agora.operation")
	AttrCaller    = attribute.Key("agora.caller")
	AttrTarget    = attribute.Key("agora.target")
	AttrDepth     = attribute.Key("agora.depth")

	AttrContract = attribute.Key("agora.contract.id")
	AttrRuntime  = attribute.Key("agora.contract.runtime")
	AttrFailed   = attribute.Key("agora.contract.failed")

	AttrAllowed  = attribute.Key("agora.permission.allowed")
	AttrOutcome  = attribute.Key("agora.permission.outcome")
	AttrFastPath = attribute.Key("agora.permission.fast_path")
)

// KernelOperation creates attributes for a kernel operation span.
func KernelOperation(op, caller, target string, depth int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOperation.String(op),
		AttrCaller.String(caller),
		AttrTarget.String(target),
		AttrDepth.Int(depth),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
