package mcp

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MegaGrindStone/mcp-engine"

// WithTracerProvider makes the server start one span per request from tp. Without it the
// global provider is used, which is a no-op unless the program installs one.
func WithTracerProvider(tp trace.TracerProvider) ServerOption {
	return func(s *Server) {
		s.tracer = tp.Tracer(tracerName)
	}
}

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func (s *Server) startSpan(ctx context.Context, sessionID string, msg JSONRPCMessage) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "mcp.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", msg.Method),
			attribute.String("rpc.jsonrpc.request_id", msg.ID.String()),
			attribute.String("mcp.session_id", sessionID),
		))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
