package critsec

import "sync"

// Mutex is the native mutual-exclusion object a Section is layered on.
//
// Implementations must guarantee at most one holder at a time, but need not
// be reentrant; the Section's nesting counter takes care of that. Lock and
// Unlock carry no error returns because the Section has nowhere to surface
// one; implementations that can fail should report through their own
// diagnostics and retry or degrade internally.
type Mutex interface {
	// Lock blocks until the object is acquired.
	Lock()
	// Unlock releases the object.
	Unlock()
	// Close destroys the object. The object must not be held.
	Close() error
}

// Source constructs the native mutual-exclusion objects supplied by the
// hosting environment.
//
// A Section calls NewMutex once per effective Initialize and Close on the
// result once per effective Terminate.
type Source interface {
	NewMutex() (Mutex, error)
}

var _ Source = localSource{}

// LocalSource provides mutexes backed by local concurrency primitives. It
// is the default when no Source is configured.
type localSource struct{}

func (localSource) NewMutex() (Mutex, error) {
	return new(localMutex), nil
}

type localMutex struct {
	sync.Mutex
}

func (*localMutex) Close() error { return nil }
