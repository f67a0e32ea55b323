package services

import "sync"

// serviceListeners fans state notifications out to registered listeners. Each
// listener gets its own goroutine, so a slow listener never blocks the service.
type serviceListeners struct {
	mu        sync.Mutex
	listeners []chan func(l Listener)
}

func newServiceListeners() *serviceListeners {
	return &serviceListeners{}
}

func (ls *serviceListeners) add(listener Listener) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	// A service goes through at most 4 transitions after Starting, so the buffer
	// guarantees notify never blocks while the caller holds the service state lock.
	ch := make(chan func(l Listener), 4)
	ls.listeners = append(ls.listeners, ch)

	go func() {
		for fn := range ch {
			fn(listener)
		}
	}()
}

// notify queues lfn for every listener. When last is true no more notifications
// will follow and the listener goroutines exit once drained.
func (ls *serviceListeners) notify(lfn func(l Listener), last bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for _, ch := range ls.listeners {
		ch <- lfn
		if last {
			close(ch)
		}
	}
	if last {
		ls.listeners = nil
	}
}
