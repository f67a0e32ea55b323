// Package writeonce provides a value cell that can be set exactly once and
// reports misuse as errors instead of silently overwriting or returning zero values.
package writeonce

import (
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

var (
	ErrAlreadySet = errors.New("value already set")
	ErrNotSet     = errors.New("value not set")
)

// Value is safe for concurrent use. The zero value is an unset cell.
type Value[T any] struct {
	p atomic.Pointer[T]
}

// Set stores v if the cell is unset. Exactly one of several concurrent callers wins;
// every other caller gets ErrAlreadySet.
func (c *Value[T]) Set(v T) error {
	if !c.p.CompareAndSwap(nil, &v) {
		return ErrAlreadySet
	}
	return nil
}

// Get returns the stored value or ErrNotSet.
func (c *Value[T]) Get() (T, error) {
	p := c.p.Load()
	if p == nil {
		var zero T
		return zero, ErrNotSet
	}
	return *p, nil
}

// GetOr returns the stored value, or def when the cell is unset.
func (c *Value[T]) GetOr(def T) T {
	if p := c.p.Load(); p != nil {
		return *p
	}
	return def
}

// IsSet reports whether Set has succeeded.
func (c *Value[T]) IsSet() bool {
	return c.p.Load() != nil
}
