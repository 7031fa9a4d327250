package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestInject_WritesTraceparentHeader(t *testing.T) {
	// No tracer provider is installed, so StartSpan returns a
	// non-recording span that carries its parent's span context; a
	// valid parent gives Inject a context to write.
	parent := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01},
		SpanID:     trace.SpanID{0x02},
		TraceFlags: trace.FlagsSampled,
	}))
	ctx, span := StartSpan(parent, "test-span", SpanKindClient)
	defer span.End()

	headers := map[string]interface{}{}
	Inject(ctx, headers)

	require.Contains(t, headers, "traceparent")
	assert.NotEmpty(t, headers["traceparent"])
}

func TestExtract_OnEmptyHeadersReturnsUsableContext(t *testing.T) {
	extracted := Extract(context.Background(), map[string]interface{}{})
	assert.NotNil(t, extracted)
}

func TestHeaderCarrier_GetSetKeys(t *testing.T) {
	c := headerCarrier{"a": "1"}
	assert.Equal(t, "1", c.Get("a"))
	assert.Equal(t, "", c.Get("missing"))

	c.Set("b", "2")
	assert.Equal(t, "2", c.Get("b"))

	keys := c.Keys()
	assert.Contains(t, keys, "a")
	assert.Contains(t, keys, "b")
}

func TestHeaderCarrier_GetIgnoresNonStringValues(t *testing.T) {
	c := headerCarrier{"n": 42}
	assert.Equal(t, "", c.Get("n"))
}
