package exec

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// executorWorkerResetThreshold defines how often a worker goroutine is replaced,
// so that large stacks grown by one fragment don't live in memory forever.
const executorWorkerResetThreshold = 1 << 16

// Executor runs fragment bodies off the calling RPC handler goroutine.
type Executor interface {
	Submit(f func())
	Stop()
}

type goroutineExecutor struct{}

// NewGoroutineExecutor returns an Executor that starts a goroutine per task.
func NewGoroutineExecutor() Executor {
	return goroutineExecutor{}
}

func (goroutineExecutor) Submit(f func()) { go f() }
func (goroutineExecutor) Stop()           {}

type poolExecutor struct {
	mtx     sync.RWMutex
	tasks   chan func()
	stopped bool

	running       prometheus.Gauge
	fallbackTotal prometheus.Counter
}

// NewPoolExecutor starts numWorkers long-lived workers. When all of them are busy
// Submit falls back to a fresh goroutine rather than blocking the caller.
func NewPoolExecutor(name string, numWorkers int, reg prometheus.Registerer) Executor {
	e := &poolExecutor{
		tasks: make(chan func()),
		running: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace:   "cortex",
			Name:        "querynode_executor_running_tasks",
			Help:        "The number of tasks currently running on the executor.",
			ConstLabels: prometheus.Labels{"name": name},
		}),
		fallbackTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   "cortex",
			Name:        "querynode_executor_fallback_total",
			Help:        "The total number of additional goroutines that needed to be created to run tasks.",
			ConstLabels: prometheus.Labels{"name": name},
		}),
	}

	for i := 0; i < numWorkers; i++ {
		go e.run()
	}
	return e
}

// Stop lets the workers exit once idle. Tasks submitted afterwards run on fresh goroutines.
func (e *poolExecutor) Stop() {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if !e.stopped {
		e.stopped = true
		close(e.tasks)
	}
}

func (e *poolExecutor) Submit(f func()) {
	task := func() {
		e.running.Inc()
		defer e.running.Dec()
		f()
	}

	e.mtx.RLock()
	defer e.mtx.RUnlock()
	if e.stopped {
		go task()
		return
	}

	select {
	case e.tasks <- task:
	default:
		e.fallbackTotal.Inc()
		go task()
	}
}

func (e *poolExecutor) run() {
	for completed := 0; completed < executorWorkerResetThreshold; completed++ {
		f, ok := <-e.tasks
		if !ok {
			return
		}
		f()
	}
	go e.run()
}
