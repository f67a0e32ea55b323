package querynode

import (
	"context"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/weaveworks/common/server"
	"github.com/weaveworks/common/signals"
	"go.uber.org/atomic"

	"github.com/cortexproject/querynode/pkg/queryctx"
	"github.com/cortexproject/querynode/pkg/tracing"
	"github.com/cortexproject/querynode/pkg/util"
	util_log "github.com/cortexproject/querynode/pkg/util/log"
	"github.com/cortexproject/querynode/pkg/util/modules"
	"github.com/cortexproject/querynode/pkg/util/services"
	"github.com/cortexproject/querynode/pkg/worker"
)

// The modules that make up a query node.
const (
	Tracing       string = "tracing"
	Server        string = "server"
	QueryContexts string = "query-contexts"
	Worker        string = "worker"
	All           string = "all"
)

// QueryNode is the root datastructure for a query node.
type QueryNode struct {
	Cfg        Config
	Registerer prometheus.Registerer

	Tracer        *tracing.Tracer
	Server        *server.Server
	QueryContexts *queryctx.Manager
	Worker        *worker.Worker

	ModuleManager *modules.Manager

	services []modules.NamedService
	stop     chan struct{}
	stopped  atomic.Bool
}

// New makes a new QueryNode and initialises all its modules. Metrics go to
// cfg.Server.Registerer when set, to the default registry otherwise.
func New(cfg Config) (*QueryNode, error) {
	reg := cfg.Server.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	t := &QueryNode{
		Cfg:        cfg,
		Registerer: reg,
		stop:       make(chan struct{}),
	}

	if err := t.setupModuleManager(); err != nil {
		return nil, err
	}

	svcs, err := t.ModuleManager.InitModuleServices(All)
	if err != nil {
		return nil, err
	}
	t.services = svcs
	return t, nil
}

func (t *QueryNode) setupModuleManager() error {
	mm := modules.NewManager()
	mm.RegisterModule(Tracing, t.initTracing)
	mm.RegisterModule(Server, t.initServer)
	mm.RegisterModule(QueryContexts, t.initQueryContexts)
	mm.RegisterModule(Worker, t.initWorker)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		Server:        {Tracing},
		QueryContexts: {Tracing},
		Worker:        {Server, QueryContexts, Tracing},
		All:           {Worker},
	}
	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.ModuleManager = mm
	return nil
}

func (t *QueryNode) initTracing() (services.Service, error) {
	tracer, err := tracing.New(context.Background(), t.Cfg.Tracing, util_log.Logger)
	if err != nil {
		return nil, err
	}
	tracer.InstallGlobal()
	t.Tracer = tracer

	return services.NewIdleService(nil, func(_ error) error {
		return t.Tracer.Shutdown(context.Background())
	}), nil
}

func (t *QueryNode) initServer() (services.Service, error) {
	serv, err := server.New(t.Cfg.Server)
	if err != nil {
		return nil, err
	}
	t.Server = serv

	t.Server.HTTP.Path("/").Methods(http.MethodGet).HandlerFunc(t.index)
	t.Server.HTTP.Path("/config").Methods(http.MethodGet).HandlerFunc(t.configHandler)

	return NewServerService(serv), nil
}

func (t *QueryNode) initQueryContexts() (services.Service, error) {
	m, err := queryctx.NewManager(t.Cfg.QueryContext, t.Registerer, util_log.Logger)
	if err != nil {
		return nil, err
	}
	t.QueryContexts = m
	return m, nil
}

func (t *QueryNode) initWorker() (services.Service, error) {
	w, err := worker.New(t.Cfg.Worker, t.QueryContexts, t.Tracer, t.Registerer, util_log.Logger)
	if err != nil {
		return nil, err
	}
	w.RegisterRoutes(t.Server.HTTP)
	t.Worker = w
	return w, nil
}

func (t *QueryNode) configHandler(w http.ResponseWriter, _ *http.Request) {
	util.WriteYAMLResponse(w, t.Cfg)
}

// Run starts every module, dependencies first, and blocks until a signal is
// received, Stop is called or a module fails. Modules are then stopped in
// reverse order.
func (t *QueryNode) Run() error {
	var (
		err     error
		started int
	)
	for _, s := range t.services {
		level.Info(util_log.Logger).Log("msg", "starting", "module", s.Name)
		if err = services.StartAndAwaitRunning(context.Background(), s.Service); err != nil {
			err = errors.Wrapf(err, "starting module %s", s.Name)
			break
		}
		started++
	}

	if err == nil {
		failed := make(chan error, len(t.services))
		for _, s := range t.services {
			s.Service.AddListener(&failureListener{module: s.Name, failed: failed})
		}

		handler := signals.NewHandler(t.Server.Log)
		go func() {
			handler.Loop()
			t.Stop()
		}()

		level.Info(util_log.Logger).Log("msg", "query node started")
		select {
		case <-t.stop:
		case err = <-failed:
		}
		handler.Stop()
	}

	t.stopServices(started)
	return err
}

func (t *QueryNode) stopServices(n int) {
	for i := n - 1; i >= 0; i-- {
		s := t.services[i]
		level.Info(util_log.Logger).Log("msg", "stopping", "module", s.Name)
		if err := services.StopAndAwaitTerminated(context.Background(), s.Service); err != nil {
			level.Error(util_log.Logger).Log("msg", "error stopping", "module", s.Name, "err", err)
		}
	}
}

// Stop makes Run return. It is safe to call more than once.
func (t *QueryNode) Stop() {
	if t.stopped.CompareAndSwap(false, true) {
		close(t.stop)
	}
}

type failureListener struct {
	module string
	failed chan<- error
}

func (l *failureListener) Starting() {}

func (l *failureListener) Running() {}

func (l *failureListener) Stopping(_ services.State) {}

func (l *failureListener) Terminated(_ services.State) {}

func (l *failureListener) Failed(_ services.State, failure error) {
	level.Error(util_log.Logger).Log("msg", "module failed", "module", l.module, "err", failure)
	l.failed <- errors.Wrapf(failure, "module %s failed", l.module)
}
