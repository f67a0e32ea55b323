package fragment

import (
	"context"
	"sync"
	"time"

	"github.com/cortexproject/querynode/pkg/uniqueid"
)

// Status represents the current state of a fragment instance.
type Status string

const (
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Context is the node-local execution state of one fragment instance.
// Cancellation is cooperative: the fragment body watches Context().Done() at its
// own checkpoints and unwinds, then calls Finish.
type Context struct {
	queryID    uniqueid.ID
	instanceID uniqueid.ID

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mtx          sync.Mutex
	status       Status
	err          error
	registeredAt time.Time
	finishedAt   time.Time
}

func newContext(queryID, instanceID uniqueid.ID, now time.Time) *Context {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Context{
		queryID:      queryID,
		instanceID:   instanceID,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		status:       StatusRunning,
		registeredAt: now,
	}
}

func (c *Context) QueryID() uniqueid.ID    { return c.queryID }
func (c *Context) InstanceID() uniqueid.ID { return c.instanceID }

// Context is canceled, with the cancellation status as cause, when the
// fragment or its query is canceled.
func (c *Context) Context() context.Context {
	return c.ctx
}

// Done is closed once the fragment has finished, whatever the outcome.
func (c *Context) Done() <-chan struct{} {
	return c.done
}

// Cancel records cause as the fragment's terminal status unless it already finished.
func (c *Context) Cancel(cause error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.status != StatusRunning {
		return
	}
	c.status = StatusCancelled
	c.err = cause
	c.cancel(cause)
}

// Finish marks the fragment as ended with err. A fragment that was canceled
// keeps its cancellation status. It returns false if the fragment had already finished.
func (c *Context) Finish(err error) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	select {
	case <-c.done:
		return false
	default:
	}

	switch {
	case c.status == StatusCancelled:
	case err != nil:
		c.status = StatusError
		c.err = err
	default:
		c.status = StatusDone
	}
	c.finishedAt = time.Now()
	close(c.done)
	c.cancel(context.Canceled)
	return true
}

// Status returns the current status and, for error and canceled fragments, its cause.
func (c *Context) Status() (Status, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.status, c.err
}

// IsCancelled reports whether the fragment observed a cancellation.
func (c *Context) IsCancelled() bool {
	s, _ := c.Status()
	return s == StatusCancelled
}

// Report is a point-in-time view of a fragment, as served to status RPCs.
type Report struct {
	QueryID      uniqueid.ID `json:"query_id"`
	InstanceID   uniqueid.ID `json:"instance_id"`
	Status       Status      `json:"status"`
	Error        string      `json:"error,omitempty"`
	RegisteredAt time.Time   `json:"registered_at"`
	FinishedAt   time.Time   `json:"finished_at"`
}

// Report snapshots the fragment.
func (c *Context) Report() Report {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	r := Report{
		QueryID:      c.queryID,
		InstanceID:   c.instanceID,
		Status:       c.status,
		RegisteredAt: c.registeredAt,
		FinishedAt:   c.finishedAt,
	}
	if c.err != nil {
		r.Error = c.err.Error()
	}
	return r
}
