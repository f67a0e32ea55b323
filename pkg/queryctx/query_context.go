package queryctx

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"

	"github.com/cortexproject/querynode/pkg/exec"
	"github.com/cortexproject/querynode/pkg/fragment"
	"github.com/cortexproject/querynode/pkg/uniqueid"
	"github.com/cortexproject/querynode/pkg/util/grpcutil"
	"github.com/cortexproject/querynode/pkg/util/writeonce"
)

// Both fragment counters live in one word, started fragments in the high half
// and running fragments in the low half, so a single atomic add moves both and
// every load sees a consistent pair.
const (
	activeBits = 32
	activeMask = 1<<activeBits - 1
	oneStarted = 1<<activeBits | 1
)

// QueryContext holds the state of one query on this node, shared by every
// fragment of the query that runs here.
type QueryContext struct {
	queryID   uniqueid.ID
	now       func() time.Time
	createdAt time.Time

	totalFragments             writeonce.Value[int]
	isRuntimeFilterCoordinator writeonce.Value[bool]
	descTbl                    writeonce.Value[*exec.DescriptorTable]
	execEnv                    writeonce.Value[*exec.Env]
	span                       writeonce.Value[trace.Span]

	fragments     atomic.Uint64
	deadline      atomic.Int64
	expireTimeout atomic.Duration

	objectPool exec.ObjectPool

	fragmentMgrOnce sync.Once
	fragmentMgr     atomic.Pointer[fragment.Manager]

	// One reference per registry map slot plus one per outstanding Handle.
	refs      atomic.Int64
	destroyed atomic.Bool
	onDestroy func(*QueryContext, error)
}

func newQueryContext(queryID uniqueid.ID, now func() time.Time, expireTimeout time.Duration) *QueryContext {
	c := &QueryContext{
		queryID:   queryID,
		now:       now,
		createdAt: now(),
	}
	c.expireTimeout.Store(expireTimeout)
	return c
}

func (c *QueryContext) QueryID() uniqueid.ID {
	return c.queryID
}

func (c *QueryContext) CreatedAt() time.Time {
	return c.createdAt
}

// SetTotalFragments sets the number of fragments of the query expected on this node.
func (c *QueryContext) SetTotalFragments(n int) error {
	if err := c.totalFragments.Set(n); err != nil {
		return ErrTotalFragmentsAlreadySet
	}
	return nil
}

// TotalFragments returns the expected fragment count, or 0 if not set yet.
func (c *QueryContext) TotalFragments() int {
	return c.totalFragments.GetOr(0)
}

// IncrementNumFragments records that one more fragment started executing.
// Once the total is known, a start beyond it fails with ErrTooManyFragments
// and leaves the counters untouched.
func (c *QueryContext) IncrementNumFragments() error {
	total, err := c.totalFragments.Get()
	if err != nil {
		c.fragments.Add(oneStarted)
		return nil
	}
	for {
		old := c.fragments.Load()
		if int(old>>activeBits) >= total {
			return errors.Wrapf(ErrTooManyFragments, "query %s expects %d", c.queryID, total)
		}
		if c.fragments.CompareAndSwap(old, old+oneStarted) {
			return nil
		}
	}
}

// CountDownFragments records that a running fragment finished. It returns true
// for the single caller that moves the running count from 1 to 0, who is in
// charge of whatever must happen once per query.
func (c *QueryContext) CountDownFragments() bool {
	for {
		old := c.fragments.Load()
		if old&activeMask == 0 {
			// More count downs than starts; never borrow from the started half.
			return false
		}
		if c.fragments.CompareAndSwap(old, old-1) {
			return old&activeMask == 1
		}
	}
}

// NumFragments returns how many fragments started so far.
func (c *QueryContext) NumFragments() int {
	return int(c.fragments.Load() >> activeBits)
}

// NumActiveFragments returns how many fragments are running.
func (c *QueryContext) NumActiveFragments() int {
	return int(c.fragments.Load() & activeMask)
}

// IsFinished reports whether no fragment is running. It does not imply that
// every expected fragment ever arrived.
func (c *QueryContext) IsFinished() bool {
	return c.NumActiveFragments() == 0
}

// IsDead reports whether every expected fragment started and finished.
func (c *QueryContext) IsDead() bool {
	total, err := c.totalFragments.Get()
	if err != nil {
		return false
	}
	v := c.fragments.Load()
	return v&activeMask == 0 && int(v>>activeBits) == total
}

// IsExpired reports whether no fragment is running and the deadline passed.
func (c *QueryContext) IsExpired() bool {
	return c.IsFinished() && c.now().UnixNano() > c.deadline.Load()
}

// SetExpireTimeout sets the idle period used by ExtendLifetime.
func (c *QueryContext) SetExpireTimeout(d time.Duration) {
	c.expireTimeout.Store(d)
}

func (c *QueryContext) ExpireTimeout() time.Duration {
	return c.expireTimeout.Load()
}

// ExtendLifetime pushes the deadline to now plus the expire timeout. The
// deadline never moves backwards, even with concurrent callers.
func (c *QueryContext) ExtendLifetime() {
	next := c.now().Add(c.expireTimeout.Load()).UnixNano()
	for {
		cur := c.deadline.Load()
		if next <= cur || c.deadline.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (c *QueryContext) Deadline() time.Time {
	return time.Unix(0, c.deadline.Load())
}

func (c *QueryContext) SetIsRuntimeFilterCoordinator(flag bool) error {
	if err := c.isRuntimeFilterCoordinator.Set(flag); err != nil {
		return ErrRuntimeFilterRoleSet
	}
	return nil
}

func (c *QueryContext) IsRuntimeFilterCoordinator() bool {
	return c.isRuntimeFilterCoordinator.GetOr(false)
}

// ObjectPool returns the arena whose objects are released when the context is destroyed.
func (c *QueryContext) ObjectPool() *exec.ObjectPool {
	return &c.objectPool
}

// SetDescTbl attaches the query's descriptor table. It may only be called once.
func (c *QueryContext) SetDescTbl(d *exec.DescriptorTable) error {
	if err := c.descTbl.Set(d); err != nil {
		return ErrDescTblAlreadySet
	}
	return nil
}

// DescTbl returns the descriptor table, or ErrDescTblNotSet.
func (c *QueryContext) DescTbl() (*exec.DescriptorTable, error) {
	d, err := c.descTbl.Get()
	if err != nil {
		return nil, ErrDescTblNotSet
	}
	return d, nil
}

func (c *QueryContext) SetExecEnv(env *exec.Env) error {
	if err := c.execEnv.Set(env); err != nil {
		return ErrExecEnvAlreadySet
	}
	return nil
}

func (c *QueryContext) ExecEnv() (*exec.Env, error) {
	env, err := c.execEnv.Get()
	if err != nil {
		return nil, ErrExecEnvNotSet
	}
	return env, nil
}

// SetSpan attaches the root span of the query on this node.
func (c *QueryContext) SetSpan(span trace.Span) error {
	if err := c.span.Set(span); err != nil {
		return ErrSpanAlreadySet
	}
	return nil
}

// Span returns the query's root span, or a non-recording span if none was set.
func (c *QueryContext) Span() trace.Span {
	return c.span.GetOr(trace.SpanFromContext(context.Background()))
}

// FragmentMgr returns the manager of this query's fragments, creating it on first use.
func (c *QueryContext) FragmentMgr() *fragment.Manager {
	c.fragmentMgrOnce.Do(func() {
		c.fragmentMgr.Store(fragment.NewManager(c.queryID))
	})
	return c.fragmentMgr.Load()
}

// Cancel records status as the query's terminal status and propagates it to
// every fragment, including fragments that register afterwards. Fragments stop
// at their next checkpoint; running work is never interrupted here.
func (c *QueryContext) Cancel(status error) {
	if status == nil {
		status = grpcutil.Cancelled("query cancelled")
	}
	c.FragmentMgr().CancelAll(status)
}

// CancelStatus returns the status of the first Cancel, or nil.
func (c *QueryContext) CancelStatus() error {
	if mgr := c.fragmentMgr.Load(); mgr != nil {
		return mgr.CancelCause()
	}
	return nil
}

func (c *QueryContext) IsCancelled() bool {
	return c.CancelStatus() != nil
}

// Destroyed reports whether the last reference was released.
func (c *QueryContext) Destroyed() bool {
	return c.destroyed.Load()
}

func (c *QueryContext) ref() {
	c.refs.Inc()
}

func (c *QueryContext) unref() {
	n := c.refs.Dec()
	if n > 0 {
		return
	}
	if n < 0 {
		panic(errors.Errorf("query context %s released more times than acquired", c.queryID))
	}
	c.destroy()
}

func (c *QueryContext) destroy() {
	if !c.destroyed.CompareAndSwap(false, true) {
		return
	}

	if mgr := c.fragmentMgr.Load(); mgr != nil {
		mgr.Close(grpcutil.Cancelled("query context destroyed"))
	}
	err := c.objectPool.Release()
	c.Span().End()

	if c.onDestroy != nil {
		c.onDestroy(c, err)
	}
}
