package log

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/weaveworks/common/logging"
	"github.com/weaveworks/common/server"
	"go.opentelemetry.io/otel/trace"

	"github.com/cortexproject/querynode/pkg/uniqueid"
)

var (
	// Logger is the process-wide logger. Components take a logger in their
	// constructors and only cmd/ and module wiring read this one.
	Logger = log.NewNopLogger()
)

// InitLogger initialises the global gokit logger and overrides the
// default logger for the server.
func InitLogger(cfg *server.Config) {
	l := newBasicLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	// when using util_log.Logger, skip 3 stack frames.
	Logger = log.With(l, "caller", log.Caller(3))

	// cfg.Log wraps log function, skip 4 stack frames to get caller information.
	cfg.Log = logging.GoKit(log.With(l, "caller", log.Caller(4)))
}

func newBasicLogger(w io.Writer, l logging.Level, format logging.Format) log.Logger {
	var logger log.Logger
	if format.String() == "json" {
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}

	// return a Logger without caller information, shouldn't use directly
	return log.With(level.NewFilter(logger, l.Gokit), "ts", log.DefaultTimestampUTC)
}

// CheckFatal prints an error and exits with error code 1 if err is non-nil.
func CheckFatal(location string, err error) {
	if err == nil {
		return
	}

	logger := level.Error(Logger)
	if location != "" {
		logger = log.With(logger, "msg", "error "+location)
	}
	// %+v gets the stack trace from errors using github.com/pkg/errors
	_ = logger.Log("err", fmt.Sprintf("%+v", err))
	os.Exit(1)
}

// WithQueryID returns a Logger that carries the query id in its details.
func WithQueryID(queryID uniqueid.ID, l log.Logger) log.Logger {
	return log.With(l, "query_id", queryID.String())
}

// WithTraceID returns a Logger that has information about the traceID in
// its details.
func WithTraceID(traceID string, l log.Logger) log.Logger {
	return log.With(l, "traceID", traceID)
}

// WithContext adds the trace id of the sampled span in ctx, if any.
func WithContext(ctx context.Context, l log.Logger) log.Logger {
	traceID, ok := ExtractSampledTraceID(ctx)
	if !ok {
		return l
	}
	return WithTraceID(traceID, l)
}

// ExtractSampledTraceID gets the trace id of the span in ctx and whether it is sampled.
func ExtractSampledTraceID(ctx context.Context) (string, bool) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return "", false
	}
	return sc.TraceID().String(), sc.IsSampled()
}
