package util

import (
	"fmt"
	"strings"
)

// MultiError accumulates errors from steps that must all run, such as closing
// every object held by a released pool.
type MultiError []error

// NewMultiError returns a MultiError holding the non-nil errs.
func NewMultiError(errs ...error) MultiError {
	var m MultiError
	m.Add(errs...)
	return m
}

// Add appends errs, skipping nils. Errors returned by another MultiError's Err
// are flattened into this one.
func (m *MultiError) Add(errs ...error) {
	for _, err := range errs {
		switch e := err.(type) {
		case nil:
		case joinedError:
			*m = append(*m, e...)
		default:
			*m = append(*m, err)
		}
	}
}

// Err returns nil when nothing was collected.
func (m MultiError) Err() error {
	if len(m) == 0 {
		return nil
	}
	return joinedError(m)
}

type joinedError []error

func (e joinedError) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d errors: %s", len(e), strings.Join(msgs, "; "))
}

func (e joinedError) Unwrap() []error {
	return e
}
