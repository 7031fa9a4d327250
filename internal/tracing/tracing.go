// Package tracing wraps the OpenTelemetry propagation/span contract
// the transport needs: injecting a span's context into outbound AMQP
// headers and extracting a parent context from inbound ones, plus
// starting RPC client/server spans. Grounded on
// bff-service/internal/tracing/tracing.go, narrowed to propagation
// and span-start since this transport never exports traces itself
// (spec: "tracer (a no-op is acceptable)").
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// headerCarrier adapts an amqp.Table-like map[string]interface{} to
// propagation.TextMapCarrier.
type headerCarrier map[string]interface{}

func (c headerCarrier) Get(key string) string {
	if v, ok := c[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) { c[key] = value }

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// Inject writes the span context carried by ctx into headers (spec
// §4.6.8 step 5: "Inject tracing context into outbound headers").
func Inject(ctx context.Context, headers map[string]interface{}) {
	propagator.Inject(ctx, headerCarrier(headers))
}

// Extract recovers a parent context from inbound headers (spec
// §4.6.5 step 2).
func Extract(ctx context.Context, headers map[string]interface{}) context.Context {
	return propagator.Extract(ctx, headerCarrier(headers))
}

// SpanKind mirrors the two kinds this transport ever starts.
type SpanKind = trace.SpanKind

const (
	SpanKindClient = trace.SpanKindClient
	SpanKindServer = trace.SpanKindServer
)

const tracerName = "github.com/baechuer/amqp-transport"

// StartSpan starts name as a child of ctx's span (or of a parent
// extracted from inbound headers upstream). Caller must End() exactly
// once.
func StartSpan(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}
