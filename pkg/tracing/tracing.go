package tracing

import (
	"context"
	"flag"
	"math/rand"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	bridge "go.opentelemetry.io/otel/bridge/opentracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/cortexproject/querynode/pkg/tracing/sampler"
)

const instrumentationName = "github.com/cortexproject/querynode"

// Config for the OTLP trace exporter.
type Config struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	ServiceName  string  `yaml:"service_name"`
	SamplerRatio float64 `yaml:"sampler_ratio"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.OTLPEndpoint, "tracing.otlp-endpoint", "", "OTLP gRPC collector endpoint (host:port). Tracing is disabled when empty.")
	f.BoolVar(&cfg.Insecure, "tracing.insecure", false, "Disable TLS when talking to the OTLP collector.")
	f.StringVar(&cfg.ServiceName, "tracing.service-name", "querynode", "Service name reported on every span.")
	f.Float64Var(&cfg.SamplerRatio, "tracing.sampler-ratio", 1, "Fraction of root spans to sample, between 0 and 1. Child spans follow their parent's decision.")
}

func (cfg *Config) Validate() error {
	if cfg.SamplerRatio < 0 || cfg.SamplerRatio > 1 {
		return errors.Errorf("tracing sampler ratio must be within [0, 1], got %v", cfg.SamplerRatio)
	}
	return nil
}

// Tracer creates query spans. Spans form a strict tree through their parent
// linkage: StartTrace opens a root, AddSpan and AddSpanWithContext attach children.
type Tracer struct {
	provider trace.TracerProvider
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// New returns a Tracer exporting to the configured OTLP endpoint, or a no-op
// Tracer when no endpoint is configured.
func New(ctx context.Context, cfg Config, logger log.Logger) (*Tracer, error) {
	if cfg.OTLPEndpoint == "" {
		level.Info(logger).Log("msg", "tracing disabled, no OTLP endpoint configured")
		return NewNoop(), nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating OTLP trace exporter")
	}

	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler.NewRandTraceIDRatioBased(cfg.SamplerRatio, rnd))),
	)

	level.Info(logger).Log("msg", "tracing enabled", "endpoint", cfg.OTLPEndpoint, "sampler_ratio", cfg.SamplerRatio)
	t := NewWithProvider(tp)
	t.shutdown = tp.Shutdown
	return t, nil
}

// NewWithProvider wraps an existing provider.
func NewWithProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{
		provider: tp,
		tracer:   tp.Tracer(instrumentationName),
		shutdown: func(context.Context) error { return nil },
	}
}

// NewNoop returns a Tracer whose spans are never recorded.
func NewNoop() *Tracer {
	return NewWithProvider(noop.NewTracerProvider())
}

// InstallGlobal makes this tracer the process-wide otel provider, and bridges
// it to opentracing so HTTP/gRPC middleware of the server reports into it too.
func (t *Tracer) InstallGlobal() {
	bt, wrapped := bridge.NewTracerPair(t.tracer)
	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	bt.SetTextMapPropagator(otel.GetTextMapPropagator())
	opentracing.SetGlobalTracer(bt)
	t.tracer = wrapped.Tracer(instrumentationName)
}

// StartTrace creates a root span named name.
func (t *Tracer) StartTrace(name string, attrs ...attribute.KeyValue) trace.Span {
	_, span := t.tracer.Start(context.Background(), name, trace.WithNewRoot(), trace.WithAttributes(attrs...))
	return span
}

// AddSpan creates a span named name whose parent is parent.
func (t *Tracer) AddSpan(name string, parent trace.Span, attrs ...attribute.KeyValue) trace.Span {
	ctx := trace.ContextWithSpan(context.Background(), parent)
	_, span := t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return span
}

// AddSpanWithContext creates a span named name in the trace described by
// parent, typically a span context received from another node.
func (t *Tracer) AddSpanWithContext(name string, parent trace.SpanContext, attrs ...attribute.KeyValue) trace.Span {
	var ctx context.Context
	if parent.IsRemote() {
		ctx = trace.ContextWithRemoteSpanContext(context.Background(), parent)
	} else {
		ctx = trace.ContextWithSpanContext(context.Background(), parent)
	}
	_, span := t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return span
}

// StartSpanFromContext starts a span as a child of the span in ctx, if any.
func (t *Tracer) StartSpanFromContext(ctx context.Context, name string, attrs ...attribute.KeyValue) (trace.Span, context.Context) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return span, ctx
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.shutdown(ctx)
}
