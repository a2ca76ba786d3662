// Package future provides a single-assignment result cell and the
// composition vocabulary handlers use for non-blocking work: continuation
// chaining, parallel combinators, retry with backoff, timeouts, and staged
// pipelines.
//
// A Future is in exactly one of three states — pending, resolved, or
// failed — and transitions out of pending at most once. A settled future
// can be read any number of times; continuations attached via Then run
// exactly once.
package future

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// Future is a cell for a value that becomes available asynchronously.
type Future[T any] struct {
	done chan struct{}

	mu    sync.Mutex
	value T
	err   error
}

// Promise is the write side of a Future. Exactly one of Resolve or Reject
// takes effect; later calls are ignored.
type Promise[T any] struct {
	f    *Future[T]
	once sync.Once
}

// New creates a pending future and its promise.
func New[T any]() (*Future[T], *Promise[T]) {
	f := &Future[T]{done: make(chan struct{})}
	return f, &Promise[T]{f: f}
}

// Resolve settles the future with a value. Returns false if the future was
// already settled.
func (p *Promise[T]) Resolve(value T) bool {
	settled := false
	p.once.Do(func() {
		p.f.mu.Lock()
		p.f.value = value
		p.f.mu.Unlock()
		close(p.f.done)
		settled = true
	})
	return settled
}

// Reject settles the future with an error. Returns false if the future was
// already settled.
func (p *Promise[T]) Reject(err error) bool {
	settled := false
	p.once.Do(func() {
		p.f.mu.Lock()
		p.f.err = err
		p.f.mu.Unlock()
		close(p.f.done)
		settled = true
	})
	return settled
}

// Resolved returns a future that is already settled with value.
// Fast path: no goroutine, no channel wait on Get.
func Resolved[T any](value T) *Future[T] {
	f := &Future[T]{done: closedChan, value: value}
	return f
}

// Failed returns a future that is already settled with err.
func Failed[T any](err error) *Future[T] {
	f := &Future[T]{done: closedChan, err: err}
	return f
}

// closedChan is shared by all immediately-settled futures.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Go runs fn on a new goroutine and returns a future for its result.
// A panic inside fn settles the future as failed.
func Go[T any](fn func() (T, error)) *Future[T] {
	f, p := New[T]()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.Reject(fmt.Errorf("future: panic: %v\n%s", r, debug.Stack()))
			}
		}()
		v, err := fn()
		if err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(v)
	}()
	return f
}

// Get blocks until the future settles or ctx is done. Repeated calls on a
// settled future return the identical outcome without re-running anything.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done returns a channel closed when the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has left the pending state.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Failed reports whether the future settled with an error.
// False while pending.
func (f *Future[T]) Failed() bool {
	if !f.Settled() {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err != nil
}

// Await implements Awaitable, erasing the value type.
func (f *Future[T]) Await(ctx context.Context) (any, error) {
	return f.Get(ctx)
}

// Awaitable is the type-erased await surface. Worker dispatch uses it to
// await handler results that are still in flight before serializing them.
type Awaitable interface {
	Await(ctx context.Context) (any, error)
}

// Then chains a same-type continuation. If f is already resolved the
// continuation runs eagerly on the calling goroutine; if f is failed the
// failure propagates without invoking fn; if f is pending, fn runs once
// when f settles. An error or panic inside fn fails the returned future
// rather than propagating synchronously.
func (f *Future[T]) Then(fn func(T) (T, error)) *Future[T] {
	return Then(f, fn)
}

// Then chains a type-changing continuation; same semantics as the method.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	// Eager path for settled futures.
	if f.Settled() {
		f.mu.Lock()
		value, err := f.value, f.err
		f.mu.Unlock()
		if err != nil {
			return Failed[U](err)
		}
		return runContinuation(value, fn)
	}

	out, p := New[U]()
	go func() {
		<-f.done
		f.mu.Lock()
		value, err := f.value, f.err
		f.mu.Unlock()
		if err != nil {
			p.Reject(err)
			return
		}
		settle(p, value, fn)
	}()
	return out
}

// Catch chains an error handler: fn runs only if f failed, producing a
// recovery value. A resolved f passes through untouched.
func (f *Future[T]) Catch(fn func(error) (T, error)) *Future[T] {
	if f.Settled() {
		f.mu.Lock()
		value, err := f.value, f.err
		f.mu.Unlock()
		if err == nil {
			return Resolved(value)
		}
		return runContinuation(err, fn)
	}

	out, p := New[T]()
	go func() {
		<-f.done
		f.mu.Lock()
		value, err := f.value, f.err
		f.mu.Unlock()
		if err == nil {
			p.Resolve(value)
			return
		}
		settle(p, err, fn)
	}()
	return out
}

// runContinuation invokes fn eagerly and wraps its outcome in a settled
// future, converting panics to failures.
func runContinuation[In, Out any](in In, fn func(In) (Out, error)) (result *Future[Out]) {
	defer func() {
		if r := recover(); r != nil {
			result = Failed[Out](fmt.Errorf("future: continuation panic: %v", r))
		}
	}()
	v, err := fn(in)
	if err != nil {
		return Failed[Out](err)
	}
	return Resolved(v)
}

// settle invokes fn and settles p with its outcome, converting panics to
// rejections.
func settle[In, Out any](p *Promise[Out], in In, fn func(In) (Out, error)) {
	defer func() {
		if r := recover(); r != nil {
			p.Reject(fmt.Errorf("future: continuation panic: %v", r))
		}
	}()
	v, err := fn(in)
	if err != nil {
		p.Reject(err)
		return
	}
	p.Resolve(v)
}
