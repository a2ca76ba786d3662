package future

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestResolvedFastPath(t *testing.T) {
	f := Resolved(42)

	if !f.Settled() {
		t.Fatal("Resolved future not settled")
	}
	if f.Failed() {
		t.Fatal("Resolved future reports failed")
	}

	v, err := f.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v != 42 {
		t.Errorf("Get = %d, want 42", v)
	}
}

func TestFailed(t *testing.T) {
	boom := errors.New("boom")
	f := Failed[int](boom)

	if !f.Failed() {
		t.Fatal("Failed future does not report failed")
	}
	if _, err := f.Get(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Get err = %v, want boom", err)
	}
}

func TestTerminalStateInvariant(t *testing.T) {
	f, p := New[string]()

	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := f.Get(context.Background())
		if err != nil || v != "first" {
			t.Errorf("Get = (%q, %v), want (first, nil)", v, err)
		}
	}()

	if !p.Resolve("first") {
		t.Fatal("first Resolve returned false")
	}
	if p.Resolve("second") {
		t.Error("second Resolve returned true")
	}
	if p.Reject(errors.New("late")) {
		t.Error("Reject after Resolve returned true")
	}
	<-done

	// Repeated Get returns the identical value.
	for i := 0; i < 3; i++ {
		v, err := f.Get(context.Background())
		if err != nil || v != "first" {
			t.Errorf("Get #%d = (%q, %v), want (first, nil)", i, v, err)
		}
	}
}

func TestThenEagerOnSettled(t *testing.T) {
	var calls atomic.Int32
	f := Resolved(5).Then(func(v int) (int, error) {
		calls.Add(1)
		return v * 2, nil
	})

	v, err := f.Get(context.Background())
	if err != nil || v != 10 {
		t.Fatalf("Get = (%d, %v), want (10, nil)", v, err)
	}

	// Chaining and awaiting from multiple sites never re-runs the
	// continuation.
	_, _ = f.Get(context.Background())
	_ = f.Then(func(v int) (int, error) { return v, nil })
	if got := calls.Load(); got != 1 {
		t.Errorf("continuation ran %d times, want 1", got)
	}
}

func TestThenPendingRunsOnce(t *testing.T) {
	f, p := New[int]()
	var calls atomic.Int32
	chained := f.Then(func(v int) (int, error) {
		calls.Add(1)
		return v + 1, nil
	})

	p.Resolve(1)

	v, err := chained.Get(context.Background())
	if err != nil || v != 2 {
		t.Fatalf("Get = (%d, %v), want (2, nil)", v, err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("continuation ran %d times, want 1", got)
	}
}

func TestThenFailurePropagation(t *testing.T) {
	boom := errors.New("boom")
	var called bool
	f := Failed[int](boom).Then(func(v int) (int, error) {
		called = true
		return v, nil
	})

	if _, err := f.Get(context.Background()); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if called {
		t.Error("continuation ran on a failed future")
	}
}

func TestThenContinuationError(t *testing.T) {
	oops := errors.New("oops")
	f := Resolved(1).Then(func(int) (int, error) {
		return 0, oops
	})

	if !f.Failed() {
		t.Fatal("future not failed after continuation error")
	}
	if _, err := f.Get(context.Background()); !errors.Is(err, oops) {
		t.Errorf("err = %v, want oops", err)
	}
}

func TestThenContinuationPanic(t *testing.T) {
	f := Resolved(1).Then(func(int) (int, error) {
		panic("bang")
	})

	_, err := f.Get(context.Background())
	if err == nil {
		t.Fatal("panic in continuation did not fail the future")
	}
}

func TestThenTypeChange(t *testing.T) {
	f := Then(Resolved(21), func(v int) (string, error) {
		if v != 21 {
			return "", errors.New("wrong input")
		}
		return "ok", nil
	})

	v, err := f.Get(context.Background())
	if err != nil || v != "ok" {
		t.Errorf("Get = (%q, %v), want (ok, nil)", v, err)
	}
}

func TestCatch(t *testing.T) {
	boom := errors.New("boom")
	recovered := Failed[int](boom).Catch(func(err error) (int, error) {
		if !errors.Is(err, boom) {
			t.Errorf("Catch received %v, want boom", err)
		}
		return -1, nil
	})

	v, err := recovered.Get(context.Background())
	if err != nil || v != -1 {
		t.Errorf("Get = (%d, %v), want (-1, nil)", v, err)
	}

	// Catch on a resolved future passes through.
	passthrough := Resolved(7).Catch(func(error) (int, error) {
		t.Error("Catch ran on a resolved future")
		return 0, nil
	})
	if v, _ := passthrough.Get(context.Background()); v != 7 {
		t.Errorf("passthrough = %d, want 7", v)
	}
}

func TestGo(t *testing.T) {
	f := Go(func() (int, error) { return 99, nil })
	v, err := f.Get(context.Background())
	if err != nil || v != 99 {
		t.Errorf("Get = (%d, %v), want (99, nil)", v, err)
	}

	panicky := Go(func() (int, error) { panic("dead") })
	if _, err := panicky.Get(context.Background()); err == nil {
		t.Error("panic inside Go did not fail the future")
	}
}

func TestGetContextCanceled(t *testing.T) {
	f, _ := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.Get(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestAwaitable(t *testing.T) {
	var a Awaitable = Resolved("value")
	v, err := a.Await(context.Background())
	if err != nil || v != "value" {
		t.Errorf("Await = (%v, %v), want (value, nil)", v, err)
	}
}

func TestGoSettlesEventually(t *testing.T) {
	f := Go(func() (int, error) {
		time.Sleep(10 * time.Millisecond)
		return 1, nil
	})
	if f.Failed() {
		t.Error("Failed() true while pending")
	}
	if _, err := f.Get(context.Background()); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !f.Settled() {
		t.Error("not settled after Get")
	}
}
