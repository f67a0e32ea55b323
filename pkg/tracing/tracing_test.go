package tracing

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return NewWithProvider(tp), sr
}

func TestTracer_SpanTree(t *testing.T) {
	tracer, sr := newRecordingTracer()

	root := tracer.StartTrace("query")
	child := tracer.AddSpan("fragment", root)
	grandchild := tracer.AddSpanWithContext("operator", child.SpanContext())
	grandchild.End()
	child.End()
	root.End()

	spans := sr.Ended()
	require.Len(t, spans, 3)

	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range spans {
		byName[s.Name()] = s
	}

	assert.False(t, byName["query"].Parent().IsValid())
	assert.Equal(t, byName["query"].SpanContext().SpanID(), byName["fragment"].Parent().SpanID())
	assert.Equal(t, byName["fragment"].SpanContext().SpanID(), byName["operator"].Parent().SpanID())

	traceID := byName["query"].SpanContext().TraceID()
	for _, s := range spans {
		assert.Equal(t, traceID, s.SpanContext().TraceID())
	}
}

func TestTracer_StartTraceIsAlwaysRoot(t *testing.T) {
	tracer, sr := newRecordingTracer()

	parent, ctx := tracer.StartSpanFromContext(context.Background(), "outer")
	root := tracer.StartTrace("query")
	root.End()
	parent.End()

	assert.True(t, trace.SpanContextFromContext(ctx).IsValid())
	for _, s := range sr.Ended() {
		if s.Name() == "query" {
			assert.False(t, s.Parent().IsValid())
			assert.NotEqual(t, parent.SpanContext().TraceID(), s.SpanContext().TraceID())
		}
	}
}

func TestTracer_RemoteParent(t *testing.T) {
	tracer, sr := newRecordingTracer()

	remote := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0xaa},
		SpanID:     trace.SpanID{0xbb},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	tracer.AddSpanWithContext("fragment", remote).End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, remote.TraceID(), spans[0].SpanContext().TraceID())
	assert.Equal(t, remote.SpanID(), spans[0].Parent().SpanID())
}

func TestNew_DisabledWithoutEndpoint(t *testing.T) {
	tracer, err := New(context.Background(), Config{SamplerRatio: 1}, log.NewNopLogger())
	require.NoError(t, err)

	span := tracer.StartTrace("query")
	assert.False(t, span.IsRecording())
	span.End()
	require.NoError(t, tracer.Shutdown(context.Background()))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, (&Config{SamplerRatio: 0.5}).Validate())
	assert.Error(t, (&Config{SamplerRatio: 1.5}).Validate())
	assert.Error(t, (&Config{SamplerRatio: -1}).Validate())
}
