package queryctx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexproject/querynode/pkg/fragment"
	"github.com/cortexproject/querynode/pkg/uniqueid"
	"github.com/cortexproject/querynode/pkg/util/services"
	"github.com/cortexproject/querynode/pkg/util/test"
)

func testConfig() Config {
	return Config{
		ShardCount:           4,
		TombstoneGracePeriod: time.Minute,
		SweepInterval:        time.Hour,
		DefaultExpireTimeout: 5 * time.Minute,
	}
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeClock, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewPedanticRegistry()
	m, err := NewManager(cfg, reg, log.NewNopLogger())
	require.NoError(t, err)

	clock := newFakeClock()
	m.now = clock.Now
	return m, clock, reg
}

func TestManager_GetOrRegisterReturnsSameContext(t *testing.T) {
	m, _, reg := newTestManager(t, testConfig())
	queryID := uniqueid.New()

	const callers = 32
	handles := make([]*Handle, callers)
	created := make([]bool, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, c, err := m.GetOrRegisterWithSetup(queryID, nil)
			assert.NoError(t, err)
			handles[i], created[i] = h, c
		}(i)
	}
	wg.Wait()

	creators := 0
	for i, h := range handles {
		assert.Same(t, handles[0].QueryContext, h.QueryContext)
		assert.False(t, h.Tombstoned())
		if created[i] {
			creators++
		}
		h.Release()
	}
	assert.Equal(t, 1, creators)
	assert.Equal(t, Stats{Live: 1}, m.Stats())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.created))
	assert.False(t, handles[0].Destroyed())

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
		# HELP cortex_querynode_query_contexts Number of query contexts in the registry.
		# TYPE cortex_querynode_query_contexts gauge
		cortex_querynode_query_contexts{state="live"} 1
		cortex_querynode_query_contexts{state="tombstoned"} 0
	`), "cortex_querynode_query_contexts"))
}

func TestManager_GetUnknownQuery(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig())

	h, ok := m.Get(uniqueid.New())
	assert.False(t, ok)
	assert.Nil(t, h)
	assert.False(t, m.Remove(uniqueid.New()))
}

func TestManager_SetupRunsBeforePublication(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig())
	queryID := uniqueid.New()

	h, created, err := m.GetOrRegisterWithSetup(queryID, func(qc *QueryContext) error {
		if err := qc.SetTotalFragments(3); err != nil {
			return err
		}
		return qc.SetIsRuntimeFilterCoordinator(true)
	})
	require.NoError(t, err)
	require.True(t, created)
	defer h.Release()

	other, ok := m.Get(queryID)
	require.True(t, ok)
	defer other.Release()
	assert.Equal(t, 3, other.TotalFragments())
	assert.True(t, other.IsRuntimeFilterCoordinator())

	// Setup only runs for the creator.
	again, created, err := m.GetOrRegisterWithSetup(queryID, func(*QueryContext) error {
		t.Fatal("setup called for an existing context")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, created)
	again.Release()
}

func TestManager_SetupTimeoutShorterThanDefault(t *testing.T) {
	m, clock, _ := newTestManager(t, testConfig())

	h, created, err := m.GetOrRegisterWithSetup(uniqueid.New(), func(qc *QueryContext) error {
		qc.SetExpireTimeout(10 * time.Second)
		return nil
	})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, clock.Now().Add(10*time.Second), h.Deadline())
	h.Release()

	clock.Add(11 * time.Second)
	m.Sweep(context.Background())
	assert.Equal(t, Stats{Tombstoned: 1}, m.Stats())
}

func TestManager_SetupFailureRegistersNothing(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig())
	queryID := uniqueid.New()
	setupErr := errors.New("bad descriptor table")

	var seen *QueryContext
	h, created, err := m.GetOrRegisterWithSetup(queryID, func(qc *QueryContext) error {
		seen = qc
		return setupErr
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, setupErr))
	assert.Nil(t, h)
	assert.False(t, created)
	assert.True(t, seen.Destroyed())

	_, ok := m.Get(queryID)
	assert.False(t, ok)
	assert.Equal(t, Stats{}, m.Stats())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.metrics.created))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.metrics.destroyed))
}

func TestManager_RemoveKeepsContextReachableDuringGracePeriod(t *testing.T) {
	m, clock, _ := newTestManager(t, testConfig())
	queryID := uniqueid.New()

	h, err := m.GetOrRegister(queryID)
	require.NoError(t, err)
	qc := h.QueryContext
	h.Release()

	require.True(t, m.Remove(queryID))
	assert.False(t, m.Remove(queryID))
	assert.Equal(t, Stats{Tombstoned: 1}, m.Stats())

	clock.Add(30 * time.Second)
	m.Sweep(context.Background())

	late, ok := m.Get(queryID)
	require.True(t, ok)
	assert.True(t, late.Tombstoned())
	assert.Same(t, qc, late.QueryContext)
	late.Release()
	assert.False(t, qc.Destroyed())

	clock.Add(31 * time.Second)
	m.Sweep(context.Background())

	_, ok = m.Get(queryID)
	assert.False(t, ok)
	assert.Equal(t, Stats{}, m.Stats())
	assert.True(t, qc.Destroyed())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.retired.WithLabelValues(retiredRemoved)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.destroyed))
}

func TestManager_HeldHandleDelaysDestruction(t *testing.T) {
	m, clock, _ := newTestManager(t, testConfig())
	queryID := uniqueid.New()

	h, err := m.GetOrRegister(queryID)
	require.NoError(t, err)

	require.True(t, m.Remove(queryID))
	clock.Add(2 * time.Minute)
	m.Sweep(context.Background())

	assert.Equal(t, Stats{}, m.Stats())
	assert.False(t, h.Destroyed())
	assert.Equal(t, queryID, h.QueryID())

	h.Release()
	assert.True(t, h.Destroyed())

	// Releasing twice is harmless.
	h.Release()
}

func TestManager_LateFragmentRevivesTombstone(t *testing.T) {
	m, clock, _ := newTestManager(t, testConfig())
	queryID := uniqueid.New()

	h, err := m.GetOrRegister(queryID)
	require.NoError(t, err)
	qc := h.QueryContext
	h.Release()
	require.True(t, m.Remove(queryID))

	clock.Add(10 * time.Second)
	revived, created, err := m.GetOrRegisterWithSetup(queryID, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.False(t, revived.Tombstoned())
	assert.Same(t, qc, revived.QueryContext)
	revived.Release()

	assert.Equal(t, Stats{Live: 1}, m.Stats())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.revived))
	assert.False(t, qc.Destroyed())
}

func TestManager_ExpiredTombstoneIsReplaced(t *testing.T) {
	m, clock, _ := newTestManager(t, testConfig())
	queryID := uniqueid.New()

	h, err := m.GetOrRegister(queryID)
	require.NoError(t, err)
	old := h.QueryContext
	h.Release()
	require.True(t, m.Remove(queryID))

	clock.Add(time.Minute)
	fresh, created, err := m.GetOrRegisterWithSetup(queryID, nil)
	require.NoError(t, err)
	defer fresh.Release()

	assert.True(t, created)
	assert.NotSame(t, old, fresh.QueryContext)
	assert.True(t, old.Destroyed())
	assert.Equal(t, Stats{Live: 1}, m.Stats())
}

func TestManager_SweepRetiresDeadAndExpiredContexts(t *testing.T) {
	m, clock, _ := newTestManager(t, testConfig())

	dead, err := m.GetOrRegister(uniqueid.New())
	require.NoError(t, err)
	require.NoError(t, dead.SetTotalFragments(1))
	dead.IncrementNumFragments()
	require.True(t, dead.CountDownFragments())
	dead.Release()

	running, err := m.GetOrRegister(uniqueid.New())
	require.NoError(t, err)
	require.NoError(t, running.SetTotalFragments(2))
	running.IncrementNumFragments()
	running.Release()

	idle, err := m.GetOrRegister(uniqueid.New())
	require.NoError(t, err)
	idle.Release()

	m.Sweep(context.Background())
	assert.Equal(t, Stats{Live: 2, Tombstoned: 1}, m.Stats())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.retired.WithLabelValues(retiredDead)))

	// Past the idle deadline, and past the grace period of the dead one.
	clock.Add(6 * time.Minute)
	m.Sweep(context.Background())
	assert.Equal(t, Stats{Live: 1, Tombstoned: 1}, m.Stats())
	assert.True(t, dead.Destroyed())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.retired.WithLabelValues(retiredExpired)))

	h, ok := m.Get(running.QueryID())
	require.True(t, ok)
	assert.False(t, h.Tombstoned())
	h.Release()
}

func TestManager_FragmentLifecycle(t *testing.T) {
	m, clock, _ := newTestManager(t, testConfig())
	queryID := uniqueid.New()
	instances := []uniqueid.ID{{Lo: 1}, {Lo: 2}, {Lo: 3}}

	var frags []*fragment.Context
	for _, instanceID := range instances {
		h, _, err := m.GetOrRegisterWithSetup(queryID, func(qc *QueryContext) error {
			return qc.SetTotalFragments(len(instances))
		})
		require.NoError(t, err)
		fc, err := h.FragmentMgr().Register(instanceID)
		require.NoError(t, err)
		h.IncrementNumFragments()
		frags = append(frags, fc)
		h.Release()
	}

	h, ok := m.Get(queryID)
	require.True(t, ok)
	defer h.Release()
	assert.Equal(t, 3, h.NumFragments())
	assert.Equal(t, 3, h.FragmentMgr().Size())

	lasts := 0
	for _, fc := range frags {
		require.True(t, fc.Finish(nil))
		if h.CountDownFragments() {
			lasts++
		}
	}
	assert.Equal(t, 1, lasts)
	assert.True(t, h.IsDead())

	m.Sweep(context.Background())
	assert.Equal(t, Stats{Tombstoned: 1}, m.Stats())

	clock.Add(time.Minute)
	m.Sweep(context.Background())
	assert.Equal(t, Stats{}, m.Stats())
	assert.False(t, h.Destroyed())
}

func TestManager_CancelReachesAllFragments(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig())
	queryID := uniqueid.New()

	h, err := m.GetOrRegister(queryID)
	require.NoError(t, err)
	defer h.Release()

	f1, err := h.FragmentMgr().Register(uniqueid.ID{Lo: 1})
	require.NoError(t, err)
	f2, err := h.FragmentMgr().Register(uniqueid.ID{Lo: 2})
	require.NoError(t, err)

	other, ok := m.Get(queryID)
	require.True(t, ok)
	other.Cancel(nil)
	other.Release()

	for _, fc := range []*fragment.Context{f1, f2} {
		select {
		case <-fc.Context().Done():
		default:
			t.Fatalf("fragment %s not canceled", fc.InstanceID())
		}
		assert.True(t, fc.IsCancelled())
	}
}

func TestManager_CloseDrainsRegistry(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig())

	held, err := m.GetOrRegister(uniqueid.New())
	require.NoError(t, err)

	h, err := m.GetOrRegister(uniqueid.New())
	require.NoError(t, err)
	h.Release()
	require.True(t, m.Remove(h.QueryID()))

	m.Close()
	m.Close()

	assert.Equal(t, Stats{}, m.Stats())
	assert.True(t, h.Destroyed())
	assert.False(t, held.Destroyed())
	held.Release()
	assert.True(t, held.Destroyed())

	_, err = m.GetOrRegister(uniqueid.New())
	assert.True(t, errors.Is(err, ErrManagerClosed))
}

func TestManager_ForEachLiveAndSnapshot(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig())

	ids := map[uniqueid.ID]bool{}
	for i := 0; i < 5; i++ {
		h, err := m.GetOrRegister(uniqueid.New())
		require.NoError(t, err)
		ids[h.QueryID()] = true
		h.Release()
	}
	var removed uniqueid.ID
	for id := range ids {
		removed = id
		break
	}
	require.True(t, m.Remove(removed))

	var (
		mtx     sync.Mutex
		visited []uniqueid.ID
	)
	err := m.ForEachLive(context.Background(), 3, func(_ context.Context, h *Handle) error {
		mtx.Lock()
		defer mtx.Unlock()
		visited = append(visited, h.QueryID())
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, visited, 4)
	assert.NotContains(t, visited, removed)

	snapshot := m.Snapshot()
	require.Len(t, snapshot, 5)
	for _, info := range snapshot {
		assert.True(t, ids[info.QueryID])
		assert.Equal(t, info.QueryID == removed, info.Tombstoned)
		assert.Equal(t, info.QueryID == removed, info.TombstoneExpiresAt != nil)
	}
}

func TestManager_ReaperService(t *testing.T) {
	cfg := testConfig()
	cfg.SweepInterval = 10 * time.Millisecond

	m, err := NewManager(cfg, nil, log.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), m))

	h, err := m.GetOrRegister(uniqueid.New())
	require.NoError(t, err)
	require.NoError(t, h.SetTotalFragments(1))
	h.IncrementNumFragments()
	h.CountDownFragments()
	h.Release()

	test.Poll(t, time.Second, Stats{Tombstoned: 1}, func() interface{} {
		return m.Stats()
	})

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), m))
	assert.Equal(t, Stats{}, m.Stats())
	assert.True(t, h.Destroyed())
}

func TestNewManager_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ShardCount = 0

	_, err := NewManager(cfg, nil, log.NewNopLogger())
	assert.Error(t, err)
}
