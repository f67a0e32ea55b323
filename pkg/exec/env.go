package exec

import (
	"github.com/go-kit/log"

	"github.com/cortexproject/querynode/pkg/tracing"
)

// Env is the node-wide execution environment shared by every query on the node.
// It outlives all query contexts referencing it.
type Env struct {
	Logger   log.Logger
	Executor Executor
	Tracer   *tracing.Tracer
}

// NewEnv fills unset collaborators with inert defaults.
func NewEnv(logger log.Logger, executor Executor, tracer *tracing.Tracer) *Env {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if executor == nil {
		executor = NewGoroutineExecutor()
	}
	if tracer == nil {
		tracer = tracing.NewNoop()
	}
	return &Env{Logger: logger, Executor: executor, Tracer: tracer}
}
