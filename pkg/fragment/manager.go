package fragment

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cortexproject/querynode/pkg/uniqueid"
)

var (
	ErrDuplicateFragment = errors.New("fragment instance already registered")
	ErrManagerClosed     = errors.New("fragment manager closed")
)

// Manager tracks the fragment instances of one query on this node. It provides
// thread-safe registration, lookup and cancellation propagation.
type Manager struct {
	queryID uniqueid.ID

	mtx         sync.RWMutex
	fragments   map[uniqueid.ID]*Context
	cancelCause error
	closed      bool
}

// NewManager creates a Manager for the fragments of queryID.
func NewManager(queryID uniqueid.ID) *Manager {
	return &Manager{
		queryID:   queryID,
		fragments: make(map[uniqueid.ID]*Context),
	}
}

func (m *Manager) QueryID() uniqueid.ID {
	return m.queryID
}

// Register adds a running fragment instance. If the query was already canceled
// the fragment starts out canceled, so a late fragment never misses the signal.
func (m *Manager) Register(instanceID uniqueid.ID) (*Context, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if _, ok := m.fragments[instanceID]; ok {
		return nil, errors.Wrapf(ErrDuplicateFragment, "fragment %s", instanceID)
	}

	fc := newContext(m.queryID, instanceID, time.Now())
	if m.cancelCause != nil {
		fc.Cancel(m.cancelCause)
	}
	m.fragments[instanceID] = fc
	return fc, nil
}

// Get retrieves a fragment instance.
func (m *Manager) Get(instanceID uniqueid.ID) (*Context, bool) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	fc, ok := m.fragments[instanceID]
	return fc, ok
}

// CancelAll cancels every registered fragment, and every fragment registered
// later, with cause. The first cause is kept.
func (m *Manager) CancelAll(cause error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.cancelCause == nil {
		m.cancelCause = cause
	}
	for _, fc := range m.fragments {
		fc.Cancel(m.cancelCause)
	}
}

// CancelCause returns the cause passed to the first CancelAll, if any.
func (m *Manager) CancelCause() error {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.cancelCause
}

// Fragments returns the registered fragments ordered by instance id.
func (m *Manager) Fragments() []*Context {
	m.mtx.RLock()
	out := make([]*Context, 0, len(m.fragments))
	for _, fc := range m.fragments {
		out = append(out, fc)
	}
	m.mtx.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].instanceID, out[j].instanceID
		if a.Hi != b.Hi {
			return a.Hi < b.Hi
		}
		return a.Lo < b.Lo
	})
	return out
}

// Size returns the number of registered fragments.
func (m *Manager) Size() int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return len(m.fragments)
}

// Close rejects further registrations and cancels fragments still running with cause.
func (m *Manager) Close(cause error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for _, fc := range m.fragments {
		fc.Cancel(cause)
	}
}
