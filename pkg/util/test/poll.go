package test

import (
	"reflect"
	"testing"
	"time"
)

// Poll repeatedly calls have until it returns a value deeply equal to want, or fails the test after d.
func Poll(t testing.TB, d time.Duration, want interface{}, have func() interface{}) {
	t.Helper()
	deadline := time.Now().Add(d)
	for {
		if time.Now().After(deadline) {
			break
		}
		if reflect.DeepEqual(want, have()) {
			return
		}
		time.Sleep(d / 100)
	}
	h := have()
	if !reflect.DeepEqual(want, h) {
		t.Fatalf("expected %v, got %v", want, h)
	}
}
