package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestInitTracingWithNilExporterStillCreatesSpans(t *testing.T) {
	require.NoError(t, InitTracing(nil))
	defer Shutdown(context.Background())

	tracer := GetTracer("replication")
	ctx, span := StartSpan(context.Background(), tracer, "fanout", attribute.Int("data_group_id", 1))
	defer span.End()

	assert.True(t, span.SpanContext().IsValid())
	AddSpanAttributes(ctx, attribute.Int("slaves", 3))
	AddSpanEvent(ctx, "all_acked")
	RecordError(ctx, nil)
}

func TestShutdownWithoutInitIsNoOp(t *testing.T) {
	tracerProvider = nil
	assert.NoError(t, Shutdown(context.Background()))
}

func TestGetTracerNamesAreScopedPerComponent(t *testing.T) {
	require.NoError(t, InitTracing(nil))
	defer Shutdown(context.Background())

	replTracer := GetTracer("replication")
	recTracer := GetTracer("recovery")
	assert.NotNil(t, replTracer)
	assert.NotNil(t, recTracer)
}
