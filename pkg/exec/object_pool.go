package exec

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/cortexproject/querynode/pkg/util"
)

// ErrPoolReleased is returned when adding to a pool whose objects were already released.
var ErrPoolReleased = errors.New("object pool already released")

// ObjectPool is an arena owned by a single query context. Objects added to it
// live until Release, which drops them all at once and closes those implementing
// io.Closer in reverse order of addition.
type ObjectPool struct {
	mtx      sync.Mutex
	objects  []any
	released bool
}

// Add takes ownership of obj.
func (p *ObjectPool) Add(obj any) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.released {
		return ErrPoolReleased
	}
	p.objects = append(p.objects, obj)
	return nil
}

// Len returns the number of objects owned by the pool.
func (p *ObjectPool) Len() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.objects)
}

// Release drops every object. It is idempotent; only the first call closes objects.
func (p *ObjectPool) Release() error {
	p.mtx.Lock()
	if p.released {
		p.mtx.Unlock()
		return nil
	}
	objects := p.objects
	p.objects = nil
	p.released = true
	p.mtx.Unlock()

	errs := util.NewMultiError()
	for i := len(objects) - 1; i >= 0; i-- {
		if c, ok := objects[i].(io.Closer); ok {
			errs.Add(c.Close())
		}
	}
	return errs.Err()
}
