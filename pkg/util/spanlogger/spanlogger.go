package spanlogger

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cortexproject/querynode/pkg/tracing"
	util_log "github.com/cortexproject/querynode/pkg/util/log"
)

// SpanLogger unifies tracing and logging, to reduce repetition.
type SpanLogger struct {
	log.Logger
	trace.Span
}

// New starts a span named method as a child of the span in ctx and returns a
// logger writing both to it and to logger.
func New(ctx context.Context, tracer *tracing.Tracer, logger log.Logger, method string, kvps ...interface{}) (*SpanLogger, context.Context) {
	span, ctx := tracer.StartSpanFromContext(ctx, method)
	l := &SpanLogger{
		Logger: log.With(util_log.WithContext(ctx, logger), "method", method),
		Span:   span,
	}
	if len(kvps) > 0 {
		_ = l.Log(kvps...)
	}
	return l, ctx
}

// FromContext returns a SpanLogger for the span already in ctx, logging to
// fallback. Without a span in ctx only fallback is written to.
func FromContext(ctx context.Context, fallback log.Logger) *SpanLogger {
	return &SpanLogger{
		Logger: util_log.WithContext(ctx, fallback),
		Span:   trace.SpanFromContext(ctx),
	}
}

// Log writes kvps to the logger and records them as a span event.
func (s *SpanLogger) Log(kvps ...interface{}) error {
	err := s.Logger.Log(kvps...)
	if s.Span.IsRecording() {
		s.Span.AddEvent("log", trace.WithAttributes(toAttributes(kvps)...))
	}
	return err
}

// Error marks the span as failed with err. It returns err so it can wrap a return statement.
func (s *SpanLogger) Error(err error) error {
	if err == nil {
		return nil
	}
	s.Span.RecordError(err)
	s.Span.SetStatus(codes.Error, err.Error())
	return err
}

func toAttributes(kvps []interface{}) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, (len(kvps)+1)/2)
	for i := 0; i < len(kvps); i += 2 {
		key := fmt.Sprint(kvps[i])
		if i+1 == len(kvps) {
			attrs = append(attrs, attribute.String(key, "(MISSING)"))
			break
		}
		switch v := kvps[i+1].(type) {
		case string:
			attrs = append(attrs, attribute.String(key, v))
		case int:
			attrs = append(attrs, attribute.Int(key, v))
		case int64:
			attrs = append(attrs, attribute.Int64(key, v))
		case bool:
			attrs = append(attrs, attribute.Bool(key, v))
		case float64:
			attrs = append(attrs, attribute.Float64(key, v))
		case error:
			attrs = append(attrs, attribute.String(key, v.Error()))
		default:
			attrs = append(attrs, attribute.String(key, fmt.Sprint(v)))
		}
	}
	return attrs
}
