package sampler

import (
	"fmt"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type randGenerator interface {
	Float64() float64
}

// RandTraceIDRatioBased samples a fraction of traces with a random draw. The
// trace id bits are not consulted.
type RandTraceIDRatioBased struct {
	rnd      randGenerator
	fraction float64
}

// NewRandTraceIDRatioBased returns AlwaysSample for fraction >= 1 and
// NeverSample for fraction <= 0.
func NewRandTraceIDRatioBased(fraction float64, rnd randGenerator) sdktrace.Sampler {
	if fraction >= 1 {
		return sdktrace.AlwaysSample()
	} else if fraction <= 0 {
		return sdktrace.NeverSample()
	}

	return &RandTraceIDRatioBased{rnd: rnd, fraction: fraction}
}

func (s *RandTraceIDRatioBased) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	decision := sdktrace.Drop
	if s.rnd.Float64() < s.fraction {
		decision = sdktrace.RecordAndSample
	}
	return sdktrace.SamplingResult{
		Decision:   decision,
		Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
	}
}

func (s *RandTraceIDRatioBased) Description() string {
	return fmt.Sprintf("RandTraceIDRatioBased{%g}", s.fraction)
}
