package queryctx

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/cortexproject/querynode/pkg/uniqueid"
	"github.com/cortexproject/querynode/pkg/util/concurrency"
	util_log "github.com/cortexproject/querynode/pkg/util/log"
	"github.com/cortexproject/querynode/pkg/util/services"
)

const (
	retiredRemoved = "removed"
	retiredDead    = "dead"
	retiredExpired = "expired"
)

type tombstone struct {
	qc        *QueryContext
	expiresAt time.Time
}

// shard owns the contexts whose query id hashes to it. Lookups hold mtx for
// reading, every change to either map holds it for writing.
type shard struct {
	mtx        sync.RWMutex
	live       map[uniqueid.ID]*QueryContext
	tombstones map[uniqueid.ID]tombstone
}

// Manager is the registry of the query contexts on this node. A context is
// created by the first fragment of its query, retired into a per-shard
// tombstone map when removed or when the reaper finds it dead or expired, and
// destroyed once it left both maps and every Handle was released.
type Manager struct {
	services.Service

	cfg    Config
	logger log.Logger
	now    func() time.Time

	shards  []shard
	closed  atomic.Bool
	metrics *managerMetrics
}

// NewManager creates a registry with cfg.ShardCount shards. The returned
// service runs the reaper every cfg.SweepInterval and drains the registry when stopped.
func NewManager(cfg Config, reg prometheus.Registerer, logger log.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		shards: make([]shard, cfg.ShardCount),
	}
	for i := range m.shards {
		m.shards[i].live = map[uniqueid.ID]*QueryContext{}
		m.shards[i].tombstones = map[uniqueid.ID]tombstone{}
	}
	m.metrics = newManagerMetrics(reg, m)
	m.Service = services.NewTimerService(cfg.SweepInterval, nil, m.sweepIteration, m.stopping)
	return m, nil
}

func (m *Manager) shardFor(queryID uniqueid.ID) *shard {
	return &m.shards[queryID.Hash()%uint64(len(m.shards))]
}

// GetOrRegister returns the context of queryID, creating it if this is the
// first time the query is seen on this node.
func (m *Manager) GetOrRegister(queryID uniqueid.ID) (*Handle, error) {
	h, _, err := m.GetOrRegisterWithSetup(queryID, nil)
	return h, err
}

// GetOrRegisterWithSetup is GetOrRegister where setup initialises a newly
// created context before any other caller can see it. The second return value
// is true when this call created the context. If setup fails nothing is registered.
func (m *Manager) GetOrRegisterWithSetup(queryID uniqueid.ID, setup func(*QueryContext) error) (*Handle, bool, error) {
	s := m.shardFor(queryID)

	s.mtx.RLock()
	if qc, ok := s.live[queryID]; ok {
		h := newHandle(qc, false)
		s.mtx.RUnlock()
		return h, false, nil
	}
	s.mtx.RUnlock()

	var stale *QueryContext
	defer func() {
		if stale != nil {
			stale.unref()
		}
	}()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if m.closed.Load() {
		return nil, false, ErrManagerClosed
	}

	// Another caller may have registered it between the two locks.
	if qc, ok := s.live[queryID]; ok {
		return newHandle(qc, false), false, nil
	}

	// A late fragment racing a remove: the query is evidently still running
	// here, so bring the same context back instead of starting a second one.
	if ts, ok := s.tombstones[queryID]; ok {
		delete(s.tombstones, queryID)
		if m.now().Before(ts.expiresAt) {
			s.live[queryID] = ts.qc
			m.metrics.revived.Inc()
			level.Debug(util_log.WithQueryID(queryID, m.logger)).Log("msg", "revived tombstoned query context")
			return newHandle(ts.qc, false), false, nil
		}
		stale = ts.qc
	}

	qc := newQueryContext(queryID, m.now, m.cfg.DefaultExpireTimeout)
	if setup != nil {
		if err := setup(qc); err != nil {
			qc.destroy()
			return nil, false, errors.Wrapf(err, "setting up query context %s", queryID)
		}
	}
	// After setup, which may have set a per-query expire timeout.
	qc.ExtendLifetime()
	qc.onDestroy = m.destroyed
	qc.ref()
	s.live[queryID] = qc
	m.metrics.created.Inc()

	return newHandle(qc, false), true, nil
}

// Get returns the context of queryID from the live map or, failing that, from
// the tombstone map. A miss is a normal outcome: the query may never have run
// on this node or may already be reclaimed.
func (m *Manager) Get(queryID uniqueid.ID) (*Handle, bool) {
	s := m.shardFor(queryID)

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if qc, ok := s.live[queryID]; ok {
		return newHandle(qc, false), true
	}
	if ts, ok := s.tombstones[queryID]; ok {
		return newHandle(ts.qc, true), true
	}
	return nil, false
}

// Remove retires the context of queryID into the tombstone map, where late
// requests can still find it until the grace period elapses. It returns false
// if the query was not live.
func (m *Manager) Remove(queryID uniqueid.ID) bool {
	s := m.shardFor(queryID)

	s.mtx.Lock()
	qc, ok := s.live[queryID]
	var stale *QueryContext
	if ok {
		delete(s.live, queryID)
		stale = m.tombstoneLocked(s, qc, m.now())
	}
	s.mtx.Unlock()

	if stale != nil {
		stale.unref()
	}
	if ok {
		m.metrics.retired.WithLabelValues(retiredRemoved).Inc()
		level.Debug(util_log.WithQueryID(queryID, m.logger)).Log("msg", "removed query context")
	}
	return ok
}

// tombstoneLocked moves the live map's reference of qc into the tombstone map
// and returns a previous tombstone for the same query, whose reference the
// caller must drop after unlocking.
func (m *Manager) tombstoneLocked(s *shard, qc *QueryContext, now time.Time) *QueryContext {
	var stale *QueryContext
	if old, ok := s.tombstones[qc.queryID]; ok && old.qc != qc {
		stale = old.qc
	}
	s.tombstones[qc.queryID] = tombstone{qc: qc, expiresAt: now.Add(m.cfg.TombstoneGracePeriod)}
	return stale
}

// Sweep runs one reaper pass over every shard, one shard lock at a time.
func (m *Manager) Sweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		m.metrics.sweepDuration.Observe(time.Since(start).Seconds())
	}()

	var retired, pruned int
	for i := range m.shards {
		if ctx.Err() != nil {
			return
		}
		r, p := m.sweepShard(&m.shards[i])
		retired += r
		pruned += p
	}

	if retired > 0 || pruned > 0 {
		level.Debug(m.logger).Log("msg", "swept query contexts", "retired", retired, "pruned", pruned)
	}
}

func (m *Manager) sweepShard(s *shard) (retired, pruned int) {
	var release []*QueryContext

	s.mtx.Lock()
	now := m.now()
	for id, qc := range s.live {
		var reason string
		switch {
		case qc.IsDead():
			reason = retiredDead
		case qc.IsExpired():
			reason = retiredExpired
		default:
			continue
		}

		delete(s.live, id)
		if stale := m.tombstoneLocked(s, qc, now); stale != nil {
			release = append(release, stale)
		}
		m.metrics.retired.WithLabelValues(reason).Inc()
		retired++
	}

	for id, ts := range s.tombstones {
		if now.Before(ts.expiresAt) {
			continue
		}
		delete(s.tombstones, id)
		release = append(release, ts.qc)
		pruned++
	}
	s.mtx.Unlock()

	// Destruction may close pooled objects, keep it out of the lock.
	for _, qc := range release {
		qc.unref()
	}
	return retired, pruned
}

func (m *Manager) sweepIteration(ctx context.Context) error {
	m.Sweep(ctx)
	return nil
}

func (m *Manager) stopping(_ error) error {
	m.Close()
	return nil
}

// Close drains every shard and drops the registry's references. Contexts still
// held by callers are destroyed when their last Handle is released. Further
// registrations fail with ErrManagerClosed. Close is idempotent.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}

	drained := 0
	for i := range m.shards {
		s := &m.shards[i]

		s.mtx.Lock()
		release := make([]*QueryContext, 0, len(s.live)+len(s.tombstones))
		for _, qc := range s.live {
			release = append(release, qc)
		}
		for _, ts := range s.tombstones {
			release = append(release, ts.qc)
		}
		s.live = map[uniqueid.ID]*QueryContext{}
		s.tombstones = map[uniqueid.ID]tombstone{}
		s.mtx.Unlock()

		for _, qc := range release {
			qc.unref()
		}
		drained += len(release)
	}

	level.Info(m.logger).Log("msg", "query context registry closed", "drained", drained)
}

// ForEachLive calls fn with a Handle to every live context, up to workers
// calls at a time. Handles are released after fn returns.
func (m *Manager) ForEachLive(ctx context.Context, workers int, fn func(ctx context.Context, h *Handle) error) error {
	var handles []*Handle
	for i := range m.shards {
		s := &m.shards[i]
		s.mtx.RLock()
		for _, qc := range s.live {
			handles = append(handles, newHandle(qc, false))
		}
		s.mtx.RUnlock()
	}
	defer func() {
		for _, h := range handles {
			h.Release()
		}
	}()

	return concurrency.ForEach(ctx, handles, workers, fn)
}

func (m *Manager) destroyed(qc *QueryContext, err error) {
	m.metrics.destroyed.Inc()
	logger := util_log.WithQueryID(qc.queryID, m.logger)
	if err != nil {
		level.Warn(logger).Log("msg", "releasing query context objects failed", "err", err)
		return
	}
	level.Debug(logger).Log("msg", "destroyed query context")
}

// Stats counts the contexts in each map.
type Stats struct {
	Live       int
	Tombstoned int
}

func (m *Manager) Stats() Stats {
	var st Stats
	for i := range m.shards {
		s := &m.shards[i]
		s.mtx.RLock()
		st.Live += len(s.live)
		st.Tombstoned += len(s.tombstones)
		s.mtx.RUnlock()
	}
	return st
}

// Info is a point-in-time view of a query context.
type Info struct {
	QueryID                    uniqueid.ID `json:"query_id"`
	Tombstoned                 bool        `json:"tombstoned"`
	TombstoneExpiresAt         *time.Time  `json:"tombstone_expires_at,omitempty"`
	CreatedAt                  time.Time   `json:"created_at"`
	Deadline                   time.Time   `json:"deadline"`
	TotalFragments             int         `json:"total_fragments"`
	NumFragments               int         `json:"num_fragments"`
	NumActiveFragments         int         `json:"num_active_fragments"`
	IsRuntimeFilterCoordinator bool        `json:"is_runtime_filter_coordinator"`
	CancelStatus               string      `json:"cancel_status,omitempty"`
}

func newInfo(qc *QueryContext) Info {
	info := Info{
		QueryID:                    qc.queryID,
		CreatedAt:                  qc.createdAt,
		Deadline:                   qc.Deadline(),
		TotalFragments:             qc.TotalFragments(),
		NumFragments:               qc.NumFragments(),
		NumActiveFragments:         qc.NumActiveFragments(),
		IsRuntimeFilterCoordinator: qc.IsRuntimeFilterCoordinator(),
	}
	if err := qc.CancelStatus(); err != nil {
		info.CancelStatus = err.Error()
	}
	return info
}

// Snapshot describes every live and tombstoned context.
func (m *Manager) Snapshot() []Info {
	var out []Info
	for i := range m.shards {
		s := &m.shards[i]
		s.mtx.RLock()
		for _, qc := range s.live {
			out = append(out, newInfo(qc))
		}
		for _, ts := range s.tombstones {
			info := newInfo(ts.qc)
			info.Tombstoned = true
			expiresAt := ts.expiresAt
			info.TombstoneExpiresAt = &expiresAt
			out = append(out, info)
		}
		s.mtx.RUnlock()
	}
	return out
}
