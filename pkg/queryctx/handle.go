package queryctx

import "go.uber.org/atomic"

// Handle is a counted reference to a QueryContext. While a Handle is held the
// context is not destroyed, even if the registry evicts it concurrently.
// Every Handle returned by the Manager must be released exactly once; further
// Release calls are no-ops.
type Handle struct {
	*QueryContext

	tombstoned bool
	released   atomic.Bool
}

// newHandle must be called with the shard lock held, while the context is in one of its maps.
func newHandle(qc *QueryContext, tombstoned bool) *Handle {
	qc.ref()
	return &Handle{QueryContext: qc, tombstoned: tombstoned}
}

// Tombstoned reports whether the context was served from the grace-period map,
// that is the query already finished or was removed on this node.
func (h *Handle) Tombstoned() bool {
	return h.tombstoned
}

// Release drops this reference.
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.QueryContext.unref()
	}
}

// Info describes the context. TombstoneExpiresAt is only filled in by Manager.Snapshot.
func (h *Handle) Info() Info {
	info := newInfo(h.QueryContext)
	info.Tombstoned = h.tombstoned
	return info
}
