package future

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned by WithTimeout when the timer wins the race.
var ErrTimeout = errors.New("future: timed out")

// WhenAll returns a future that resolves with every input's value, in input
// order, once all inputs resolve. It fails with the first failure
// encountered (in input order); the remaining futures are not canceled.
func WhenAll[T any](futures []*Future[T]) *Future[[]T] {
	out, p := New[[]T]()
	go func() {
		results := make([]T, len(futures))
		for i, f := range futures {
			<-f.done
			f.mu.Lock()
			value, err := f.value, f.err
			f.mu.Unlock()
			if err != nil {
				p.Reject(err)
				return
			}
			results[i] = value
		}
		p.Resolve(results)
	}()
	return out
}

// WhenAny blocks until the first input settles, returning its value and the
// futures that were still pending at that moment. A first settle that is a
// failure returns that failure.
func WhenAny[T any](ctx context.Context, futures []*Future[T]) (T, []*Future[T], error) {
	var zero T
	if len(futures) == 0 {
		return zero, nil, errors.New("future: WhenAny on empty set")
	}

	winner := make(chan int, len(futures))
	for i, f := range futures {
		go func(idx int, fut *Future[T]) {
			<-fut.done
			winner <- idx
		}(i, f)
	}

	select {
	case idx := <-winner:
		remaining := make([]*Future[T], 0, len(futures)-1)
		for i, f := range futures {
			if i != idx && !f.Settled() {
				remaining = append(remaining, f)
			}
		}
		value, err := futures[idx].Get(ctx)
		return value, remaining, err
	case <-ctx.Done():
		return zero, futures, ctx.Err()
	}
}

// WhenSome blocks until n inputs resolve, returning their values in
// completion order. Failures count against the remaining pool, not the
// result; if fewer than n inputs can still resolve, the first failure is
// returned. Inputs that have not settled when n is reached are left running
// and their eventual results dropped.
func WhenSome[T any](ctx context.Context, futures []*Future[T], n int) ([]T, error) {
	if n <= 0 {
		return nil, nil
	}
	if n > len(futures) {
		return nil, fmt.Errorf("future: WhenSome needs %d of %d futures", n, len(futures))
	}

	type outcome struct {
		value T
		err   error
	}
	settled := make(chan outcome, len(futures))
	for _, f := range futures {
		go func(fut *Future[T]) {
			v, err := fut.Get(ctx)
			settled <- outcome{value: v, err: err}
		}(f)
	}

	results := make([]T, 0, n)
	var firstErr error
	failures := 0
	for i := 0; i < len(futures); i++ {
		select {
		case o := <-settled:
			if o.err != nil {
				failures++
				if firstErr == nil {
					firstErr = o.err
				}
				if len(futures)-failures < n {
					return nil, firstErr
				}
				continue
			}
			results = append(results, o.value)
			if len(results) == n {
				return results, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, firstErr
}

// MapAll applies fn to every resolved value of futures (implicit WhenAll)
// and returns a future of the mapped results in input order.
func MapAll[T, U any](futures []*Future[T], fn func(T) (U, error)) *Future[[]U] {
	return Then(WhenAll(futures), func(values []T) ([]U, error) {
		mapped := make([]U, len(values))
		for i, v := range values {
			u, err := fn(v)
			if err != nil {
				return nil, err
			}
			mapped[i] = u
		}
		return mapped, nil
	})
}

// FilterAll keeps the resolved values for which keep returns true,
// preserving input order.
func FilterAll[T any](futures []*Future[T], keep func(T) bool) *Future[[]T] {
	return Then(WhenAll(futures), func(values []T) ([]T, error) {
		kept := make([]T, 0, len(values))
		for _, v := range values {
			if keep(v) {
				kept = append(kept, v)
			}
		}
		return kept, nil
	})
}

// ReduceAll folds the resolved values left to right starting from initial.
func ReduceAll[T, U any](futures []*Future[T], initial U, fn func(U, T) (U, error)) *Future[U] {
	return Then(WhenAll(futures), func(values []T) (U, error) {
		acc := initial
		for _, v := range values {
			var err error
			acc, err = fn(acc, v)
			if err != nil {
				var zero U
				return zero, err
			}
		}
		return acc, nil
	})
}

// RetryConfig controls Retry behavior.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	// Zero means a single attempt.
	MaxRetries int
	// Delay is the sleep before the first retry.
	Delay time.Duration
	// Backoff multiplies the delay after each retry. Values below 1 are
	// treated as 1 (constant delay).
	Backoff float64
}

// Retry invokes op until its future resolves or retries are exhausted.
// op must return a fresh future on each call: futures settle once and
// cannot be re-awaited into a different outcome. Sleeps Delay*Backoff^i
// between attempts (cooperative, honors ctx). Exhaustion returns the last
// failure.
func Retry[T any](ctx context.Context, op func() *Future[T], cfg RetryConfig) (T, error) {
	var zero T
	backoff := cfg.Backoff
	if backoff < 1 {
		backoff = 1
	}

	attempts := cfg.MaxRetries + 1
	delay := cfg.Delay
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
			delay = time.Duration(float64(delay) * backoff)
		}

		value, err := op().Get(ctx)
		if err == nil {
			return value, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		lastErr = err
	}
	return zero, lastErr
}

// WithTimeout races f against a timer. If the timer wins it returns
// ErrTimeout; the underlying work is not canceled and f may still settle
// later for other readers.
func WithTimeout[T any](ctx context.Context, f *Future[T], timeout time.Duration) (T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.Get(ctx)
	case <-timer.C:
		var zero T
		return zero, ErrTimeout
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
