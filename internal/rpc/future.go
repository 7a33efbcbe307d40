package rpc

import (
	"context"
	"errors"
	"sync"
)

// ErrPending is returned by Future.Result before the future settles.
var ErrPending = errors.New("future not settled")

// Void is the result type of calls that return nothing.
type Void = struct{}

// Future is the eventual result of a call. It settles exactly once.
type Future[R any] struct {
	done  chan struct{}
	once  sync.Once
	value R
	err   error
}

func newFuture[R any]() *Future[R] {
	return &Future[R]{done: make(chan struct{})}
}

// Resolved returns a future already settled with v.
func Resolved[R any](v R) *Future[R] {
	f := newFuture[R]()
	f.settle(v, nil)
	return f
}

// Rejected returns a future already settled with err.
func Rejected[R any](err error) *Future[R] {
	f := newFuture[R]()
	var zero R
	f.settle(zero, err)
	return f
}

// settle records the outcome. Later calls are ignored.
func (f *Future[R]) settle(v R, err error) {
	f.once.Do(func() {
		f.value = v
		f.err = err
		close(f.done)
	})
}

func (f *Future[R]) reject(err error) {
	var zero R
	f.settle(zero, err)
}

// Done is closed once the future settles.
func (f *Future[R]) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has settled.
func (f *Future[R]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome without blocking, or ErrPending.
func (f *Future[R]) Result() (R, error) {
	if !f.Settled() {
		var zero R
		return zero, ErrPending
	}
	return f.value, f.err
}

// Await blocks until the future settles or ctx is done.
func (f *Future[R]) Await(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}
