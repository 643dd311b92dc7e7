package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for orchestrator spans.
var (
	AttrTaskID     = attribute.Key("orchestrate.task.id")
	AttrInstanceID = attribute.Key("orchestrate.instance.id")
	AttrNodeID     = attribute.Key("orchestrate.node.id")
	AttrNodeType   = attribute.Key("orchestrate.node.type")
	AttrBackend    = attribute.Key("orchestrate.backend.type")
	AttrModel      = attribute.Key("orchestrate.llm.model")
)

// StartNodeSpan starts an internal span covering one node's execution.
func StartNodeSpan(ctx context.Context, tracer trace.Tracer, taskID, instanceID, nodeID, nodeType string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "node.execute",
		trace.WithAttributes(
			AttrTaskID.String(taskID),
			AttrInstanceID.String(instanceID),
			AttrNodeID.String(nodeID),
			AttrNodeType.String(nodeType),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartBackendSpan starts a client span for one backend.Invoke call.
func StartBackendSpan(ctx context.Context, tracer trace.Tracer, backendType, model string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "backend.invoke",
		trace.WithAttributes(AttrBackend.String(backendType), AttrModel.String(model)),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
