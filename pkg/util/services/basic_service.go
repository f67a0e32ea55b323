package services

import (
	"context"
	"errors"
	"sync"
	"time"
)

// StartingFn is called when the service starts. If it returns an error the service fails.
type StartingFn func(serviceContext context.Context) error

// RunningFn runs the service. The context is canceled when StopAsync is called.
// Returning nil moves the service to Stopping, an error moves it to Failed.
type RunningFn func(serviceContext context.Context) error

// StoppingFn is called when the service stops. failureCase is the error returned
// by RunningFn, if any.
type StoppingFn func(failureCase error) error

// BasicService implements Service on top of three optional functions.
type BasicService struct {
	startFn   StartingFn
	runningFn RunningFn
	stopFn    StoppingFn

	stateMu     sync.RWMutex
	state       State
	failureCase error
	listeners   *serviceListeners

	serviceContext context.Context
	serviceCancel  context.CancelFunc

	runningWaitersCh     chan struct{}
	terminatedWaitersCh  chan struct{}
	runningWaitersClosed bool
}

// NewBasicService returns a service that calls start, run and stop in order.
// Any of the functions may be nil.
func NewBasicService(start StartingFn, run RunningFn, stop StoppingFn) *BasicService {
	return &BasicService{
		startFn:             start,
		runningFn:           run,
		stopFn:              stop,
		state:               New,
		listeners:           newServiceListeners(),
		runningWaitersCh:    make(chan struct{}),
		terminatedWaitersCh: make(chan struct{}),
	}
}

// NewIdleService returns a service that does nothing while running, but still
// calls start and stop.
func NewIdleService(up StartingFn, down StoppingFn) *BasicService {
	run := func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}
	return NewBasicService(up, run, down)
}

// OneIteration is a single iteration of a timer service.
type OneIteration func(ctx context.Context) error

// NewTimerService runs iter every interval until stopped, or until iter returns an error.
func NewTimerService(interval time.Duration, start StartingFn, iter OneIteration, stop StoppingFn) *BasicService {
	run := func(ctx context.Context) error {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				if err := iter(ctx); err != nil {
					return err
				}
			case <-ctx.Done():
				return nil
			}
		}
	}
	return NewBasicService(start, run, stop)
}

// StartAsync implements Service.
func (b *BasicService) StartAsync(parentContext context.Context) error {
	switched, oldState := b.switchState(New, Starting, func() {
		b.serviceContext, b.serviceCancel = context.WithCancel(context.Background())
		b.notifyListeners(func(l Listener) { l.Starting() }, false)
	})
	if !switched {
		return invalidServiceStateError(oldState, New)
	}

	go b.main(parentContext)
	return nil
}

func (b *BasicService) switchState(from, to State, fn func()) (bool, State) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if b.state != from {
		return false, b.state
	}
	b.state = to
	if fn != nil {
		fn()
	}
	return true, from
}

func (b *BasicService) mergeFailures(err1, err2 error) error {
	if err1 == nil {
		return err2
	}
	if err2 == nil {
		return err1
	}
	return errors.Join(err1, err2)
}

func (b *BasicService) main(startCtx context.Context) {
	var err error

	if b.startFn != nil {
		err = b.startFn(startCtx)
	}

	if err != nil {
		b.transitionToFailed(err)
		return
	}

	b.transitionToRunning()

	if b.runningFn != nil {
		err = b.runningFn(b.serviceContext)
	}

	if err != nil {
		b.transitionToFailed(err)
		return
	}

	b.transitionToStopping(nil)
}

func (b *BasicService) transitionToRunning() {
	b.switchState(Starting, Running, func() {
		b.notifyListeners(func(l Listener) { l.Running() }, false)
		b.closeRunningWaiters()
	})
}

func (b *BasicService) transitionToStopping(failure error) {
	b.stateMu.Lock()
	from := b.state
	b.state = Stopping
	b.notifyListeners(func(l Listener) { l.Stopping(from) }, false)
	b.closeRunningWaiters()
	b.stateMu.Unlock()

	b.serviceCancel()

	var err error
	if b.stopFn != nil {
		err = b.stopFn(failure)
	}

	if err != nil {
		b.transitionToFailed(err)
		return
	}

	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.state = Terminated
	b.notifyListeners(func(l Listener) { l.Terminated(Stopping) }, true)
	close(b.terminatedWaitersCh)
}

func (b *BasicService) transitionToFailed(err error) {
	b.stateMu.Lock()
	from := b.state
	b.state = Failed
	b.failureCase = b.mergeFailures(b.failureCase, err)
	failure := b.failureCase
	b.notifyListeners(func(l Listener) { l.Failed(from, failure) }, true)
	b.closeRunningWaiters()
	close(b.terminatedWaitersCh)
	b.stateMu.Unlock()

	if b.serviceCancel != nil {
		b.serviceCancel()
	}
}

// closeRunningWaiters must be called with stateMu held.
func (b *BasicService) closeRunningWaiters() {
	if !b.runningWaitersClosed {
		close(b.runningWaitersCh)
		b.runningWaitersClosed = true
	}
}

// StopAsync implements Service.
func (b *BasicService) StopAsync() {
	if s := b.State(); s == Stopping || s == Terminated || s == Failed {
		return
	}

	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	switch b.state {
	case New:
		b.state = Terminated
		b.notifyListeners(func(l Listener) { l.Terminated(New) }, true)
		b.closeRunningWaiters()
		close(b.terminatedWaitersCh)
	case Starting, Running:
		// main() notices the canceled context and moves through Stopping.
		b.serviceCancel()
	}
}

// ServiceContext returns the context the running function receives, or nil if
// the service has not started.
func (b *BasicService) ServiceContext() context.Context {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.serviceContext
}

// AwaitRunning implements Service.
func (b *BasicService) AwaitRunning(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.runningWaitersCh:
	}

	b.stateMu.RLock()
	defer b.stateMu.RUnlock()

	if b.state == Running {
		return nil
	}
	if b.state == Failed {
		return invalidServiceStateWithFailureError(b.state, Running, b.failureCase)
	}
	return invalidServiceStateError(b.state, Running)
}

// AwaitTerminated implements Service.
func (b *BasicService) AwaitTerminated(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.terminatedWaitersCh:
	}

	b.stateMu.RLock()
	defer b.stateMu.RUnlock()

	if b.state == Terminated {
		return nil
	}
	if b.state == Failed {
		return invalidServiceStateWithFailureError(b.state, Terminated, b.failureCase)
	}
	return invalidServiceStateError(b.state, Terminated)
}

// FailureCase implements Service.
func (b *BasicService) FailureCase() error {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.failureCase
}

// State implements Service.
func (b *BasicService) State() State {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.state
}

// AddListener implements Service.
func (b *BasicService) AddListener(listener Listener) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if b.state == Terminated || b.state == Failed {
		return
	}
	b.listeners.add(listener)
}

// notifyListeners must be called with stateMu held.
func (b *BasicService) notifyListeners(lfn func(l Listener), closeChan bool) {
	b.listeners.notify(lfn, closeChan)
}
