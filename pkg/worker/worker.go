package worker

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cortexproject/querynode/pkg/exec"
	"github.com/cortexproject/querynode/pkg/fragment"
	"github.com/cortexproject/querynode/pkg/queryctx"
	"github.com/cortexproject/querynode/pkg/tracing"
	"github.com/cortexproject/querynode/pkg/uniqueid"
	"github.com/cortexproject/querynode/pkg/util/grpcutil"
	util_log "github.com/cortexproject/querynode/pkg/util/log"
	"github.com/cortexproject/querynode/pkg/util/services"
	"github.com/cortexproject/querynode/pkg/util/spanlogger"
)

var (
	ErrUnknownQuery    = errors.New("unknown query")
	ErrUnknownFragment = errors.New("unknown fragment instance")
	ErrInvalidRequest  = errors.New("invalid start fragment request")
)

type Config struct {
	ExecutorWorkers   int `yaml:"executor_workers"`
	CancelConcurrency int `yaml:"cancel_concurrency"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.ExecutorWorkers, "worker.executor-workers", 16, "Number of long-lived goroutines running fragment bodies. When all are busy fragments run on fresh goroutines.")
	f.IntVar(&cfg.CancelConcurrency, "worker.cancel-concurrency", 8, "How many queries are canceled in parallel when the node shuts down.")
}

func (cfg *Config) Validate() error {
	if cfg.ExecutorWorkers <= 0 {
		return errors.New("worker executor workers must be positive")
	}
	if cfg.CancelConcurrency <= 0 {
		return errors.New("worker cancel concurrency must be positive")
	}
	return nil
}

// FragmentFunc is the body of a fragment instance. It must return soon after
// ctx is canceled.
type FragmentFunc func(ctx context.Context, qc *queryctx.QueryContext) error

// StartFragmentRequest carries what the coordinator sends to start one
// fragment instance on this node.
type StartFragmentRequest struct {
	QueryID            uniqueid.ID
	FragmentInstanceID uniqueid.ID

	// Query-wide parameters, applied by the first fragment of the query only.
	TotalFragments             int
	QueryTimeout               time.Duration
	IsRuntimeFilterCoordinator bool
	DescTbl                    *exec.DescriptorTable
	TraceParent                trace.SpanContext

	Run FragmentFunc
}

func (r StartFragmentRequest) validate() error {
	switch {
	case r.QueryID.IsZero():
		return errors.Wrap(ErrInvalidRequest, "missing query id")
	case r.FragmentInstanceID.IsZero():
		return errors.Wrap(ErrInvalidRequest, "missing fragment instance id")
	case r.TotalFragments <= 0:
		return errors.Wrapf(ErrInvalidRequest, "total fragments must be positive, got %d", r.TotalFragments)
	case r.QueryTimeout < 0:
		return errors.Wrap(ErrInvalidRequest, "negative query timeout")
	case r.Run == nil:
		return errors.Wrap(ErrInvalidRequest, "missing fragment body")
	}
	return nil
}

// FragmentReport is the answer to a status request for one fragment instance.
type FragmentReport struct {
	fragment.Report

	// QueryFinished is true once every fragment of the query on this node ended
	// and the query context is only kept for late requests.
	QueryFinished bool `json:"query_finished"`
}

// QueryReport describes a query and all its fragments on this node.
type QueryReport struct {
	queryctx.Info

	Fragments []fragment.Report `json:"fragments"`
}

// Worker is the node side of the coordinator RPCs: it starts fragment
// instances, cancels queries and reports status, all through the query
// context registry.
type Worker struct {
	services.Service

	cfg      Config
	logger   log.Logger
	contexts *queryctx.Manager
	env      *exec.Env

	fragmentsStarted  prometheus.Counter
	fragmentsFinished *prometheus.CounterVec
	queriesCancelled  prometheus.Counter
}

// New creates a Worker running fragments on its own executor pool.
func New(cfg Config, contexts *queryctx.Manager, tracer *tracing.Tracer, reg prometheus.Registerer, logger log.Logger) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	w := &Worker{
		cfg:      cfg,
		logger:   logger,
		contexts: contexts,
		env:      exec.NewEnv(logger, exec.NewPoolExecutor("fragments", cfg.ExecutorWorkers, reg), tracer),

		fragmentsStarted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cortex_querynode_fragments_started_total",
			Help: "Total number of fragment instances started.",
		}),
		fragmentsFinished: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_querynode_fragments_finished_total",
			Help: "Total number of fragment instances finished, by outcome.",
		}, []string{"outcome"}),
		queriesCancelled: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cortex_querynode_queries_cancelled_total",
			Help: "Total number of queries canceled on this node.",
		}),
	}
	for _, outcome := range []fragment.Status{fragment.StatusDone, fragment.StatusError, fragment.StatusCancelled} {
		w.fragmentsFinished.WithLabelValues(string(outcome))
	}

	w.Service = services.NewIdleService(nil, w.stopping)
	return w, nil
}

func (w *Worker) stopping(_ error) error {
	err := w.CancelAll(context.Background(), "query node shutting down")
	w.env.Executor.Stop()
	return err
}

// StartFragment registers a fragment instance with its query, creating the
// query context if this is the query's first fragment on the node, and runs it
// on the executor. It returns once the fragment is scheduled.
func (w *Worker) StartFragment(ctx context.Context, req StartFragmentRequest) error {
	if err := req.validate(); err != nil {
		return err
	}

	log, ctx := spanlogger.New(ctx, w.env.Tracer, w.logger, "Worker.StartFragment",
		"query_id", req.QueryID.String(), "fragment_instance_id", req.FragmentInstanceID.String())
	defer log.Span.End()

	h, created, err := w.contexts.GetOrRegisterWithSetup(req.QueryID, func(qc *queryctx.QueryContext) error {
		return w.setupQuery(ctx, qc, req)
	})
	if err != nil {
		return log.Error(err)
	}

	fc, err := h.FragmentMgr().Register(req.FragmentInstanceID)
	if err != nil {
		h.Release()
		return log.Error(errors.Wrapf(err, "query %s", req.QueryID))
	}

	if err := h.IncrementNumFragments(); err != nil {
		fc.Finish(err)
		// A late instance may have revived a query that was already complete.
		if h.IsDead() {
			w.contexts.Remove(req.QueryID)
		}
		h.Release()
		return log.Error(errors.Wrapf(err, "fragment instance %s", req.FragmentInstanceID))
	}
	h.ExtendLifetime()
	w.fragmentsStarted.Inc()

	span := w.env.Tracer.AddSpan("fragment", h.Span(),
		attribute.String("fragment_instance_id", req.FragmentInstanceID.String()))
	level.Debug(log).Log("msg", "fragment scheduled", "new_query", created, "active_fragments", h.NumActiveFragments())

	// h is released by the fragment once it ended.
	w.env.Executor.Submit(func() {
		w.runFragment(h, fc, span, req.Run)
	})
	return nil
}

func (w *Worker) setupQuery(ctx context.Context, qc *queryctx.QueryContext, req StartFragmentRequest) error {
	if err := qc.SetTotalFragments(req.TotalFragments); err != nil {
		return err
	}
	if req.QueryTimeout > 0 {
		qc.SetExpireTimeout(req.QueryTimeout)
	}
	if err := qc.SetIsRuntimeFilterCoordinator(req.IsRuntimeFilterCoordinator); err != nil {
		return err
	}
	if req.DescTbl != nil {
		if err := qc.SetDescTbl(req.DescTbl); err != nil {
			return err
		}
	}
	if err := qc.SetExecEnv(w.env); err != nil {
		return err
	}

	attrs := []attribute.KeyValue{
		attribute.String("query_id", req.QueryID.String()),
		attribute.Int("total_fragments", req.TotalFragments),
	}
	parent := req.TraceParent
	if !parent.IsValid() {
		parent = trace.SpanContextFromContext(ctx)
	}
	var span trace.Span
	if parent.IsValid() {
		span = w.env.Tracer.AddSpanWithContext("query", parent, attrs...)
	} else {
		span = w.env.Tracer.StartTrace("query", attrs...)
	}
	return qc.SetSpan(span)
}

func (w *Worker) runFragment(h *queryctx.Handle, fc *fragment.Context, span trace.Span, run FragmentFunc) {
	defer h.Release()

	err := safeRun(trace.ContextWithSpan(fc.Context(), span), h.QueryContext, run)
	fc.Finish(err)

	status, cause := fc.Status()
	w.fragmentsFinished.WithLabelValues(string(status)).Inc()
	if cause != nil {
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	}
	span.End()

	logger := log.With(util_log.WithQueryID(h.QueryID(), w.logger), "fragment_instance_id", fc.InstanceID().String())
	if status == fragment.StatusError {
		level.Warn(logger).Log("msg", "fragment failed", "err", cause)
	} else {
		level.Debug(logger).Log("msg", "fragment finished", "status", status)
	}

	h.ExtendLifetime()
	// Only the fragment that ends the query on this node gets here.
	if h.CountDownFragments() && h.IsDead() {
		h.Span().End()
		w.contexts.Remove(h.QueryID())
		level.Debug(logger).Log("msg", "query finished on node", "fragments", h.NumFragments())
	}
}

func safeRun(ctx context.Context, qc *queryctx.QueryContext, run FragmentFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fragment panicked: %v", r)
		}
	}()
	return run(ctx, qc)
}

// CancelQuery cancels every fragment of the query on this node, including
// fragments that arrive later. Fragments stop at their next checkpoint.
func (w *Worker) CancelQuery(ctx context.Context, queryID uniqueid.ID, reason string) error {
	h, ok := w.contexts.Get(queryID)
	if !ok {
		return errors.Wrapf(ErrUnknownQuery, "query %s", queryID)
	}
	defer h.Release()

	w.cancel(ctx, h, reason)
	return nil
}

func (w *Worker) cancel(ctx context.Context, h *queryctx.Handle, reason string) {
	h.Cancel(grpcutil.Cancelled(reason))
	w.queriesCancelled.Inc()
	level.Info(util_log.WithContext(ctx, util_log.WithQueryID(h.QueryID(), w.logger))).Log("msg", "query cancelled", "reason", reason, "active_fragments", h.NumActiveFragments())
}

// CancelAll cancels every live query, CancelConcurrency at a time.
func (w *Worker) CancelAll(ctx context.Context, reason string) error {
	return w.contexts.ForEachLive(ctx, w.cfg.CancelConcurrency, func(ctx context.Context, h *queryctx.Handle) error {
		w.cancel(ctx, h, reason)
		return nil
	})
}

// ReportStatus returns the status of a fragment instance. A query that already
// finished here is still served until its context is reclaimed.
func (w *Worker) ReportStatus(_ context.Context, queryID, instanceID uniqueid.ID) (FragmentReport, error) {
	h, ok := w.contexts.Get(queryID)
	if !ok {
		return FragmentReport{}, errors.Wrapf(ErrUnknownQuery, "query %s", queryID)
	}
	defer h.Release()

	fc, ok := h.FragmentMgr().Get(instanceID)
	if !ok {
		return FragmentReport{}, errors.Wrapf(ErrUnknownFragment, "query %s fragment %s", queryID, instanceID)
	}
	return FragmentReport{Report: fc.Report(), QueryFinished: h.Tombstoned()}, nil
}

// QueryStatus describes a query and its fragments.
func (w *Worker) QueryStatus(_ context.Context, queryID uniqueid.ID) (QueryReport, error) {
	h, ok := w.contexts.Get(queryID)
	if !ok {
		return QueryReport{}, errors.Wrapf(ErrUnknownQuery, "query %s", queryID)
	}
	defer h.Release()

	fragments := h.FragmentMgr().Fragments()
	report := QueryReport{Info: h.Info(), Fragments: make([]fragment.Report, 0, len(fragments))}
	for _, fc := range fragments {
		report.Fragments = append(report.Fragments, fc.Report())
	}
	return report, nil
}
