package exec

import (
	"bytes"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolExecutor_MultiplePoolsWithSameRegistry(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	e1 := NewPoolExecutor("fragments", 4, reg)
	defer e1.Stop()
	e2 := NewPoolExecutor("callbacks", 4, reg)
	defer e2.Stop()

	require.NoError(t, testutil.GatherAndCompare(reg, bytes.NewBufferString(`
		# HELP cortex_querynode_executor_running_tasks The number of tasks currently running on the executor.
		# TYPE cortex_querynode_executor_running_tasks gauge
		cortex_querynode_executor_running_tasks{name="callbacks"} 0
		cortex_querynode_executor_running_tasks{name="fragments"} 0
	`), "cortex_querynode_executor_running_tasks"))
}

func TestPoolExecutor_FallbackWhenWorkersAreBusy(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	e := NewPoolExecutor("fragments", 1, reg)
	defer e.Stop()

	blocker := sync.WaitGroup{}
	blocker.Add(1)
	started := make(chan struct{})

	e.Submit(func() {
		close(started)
		blocker.Wait()
	})
	<-started

	done := make(chan struct{})
	e.Submit(func() { close(done) })
	<-done

	// The worker may not have been scheduled yet for the first task, so at least
	// the second one must have fallen back.
	assert.GreaterOrEqual(t, testutil.ToFloat64(e.(*poolExecutor).fallbackTotal), float64(1))

	blocker.Done()
}

func TestGoroutineExecutor(t *testing.T) {
	e := NewGoroutineExecutor()
	defer e.Stop()

	wg := sync.WaitGroup{}
	var mtx sync.Mutex
	ran := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		e.Submit(func() {
			defer wg.Done()
			mtx.Lock()
			ran++
			mtx.Unlock()
		})
	}
	wg.Wait()
	assert.Equal(t, 10, ran)
}

func TestPoolExecutor_SubmitAfterStop(t *testing.T) {
	e := NewPoolExecutor("fragments", 2, nil)
	e.Stop()
	e.Stop()

	done := make(chan struct{})
	e.Submit(func() { close(done) })
	<-done
}
