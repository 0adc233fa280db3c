package bridge

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunReturnsOpResult(t *testing.T) {
	b := New(time.Second, nil, func() {})

	if err := b.Run(nil, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}

	sentinel := errors.New("boom")
	err := b.Run(nil, func(ctx context.Context) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("Run = %v, want %v", err, sentinel)
	}
}

func TestRunTimeoutAborts(t *testing.T) {
	var aborted atomic.Bool
	b := New(20*time.Millisecond, nil, func() { aborted.Store(true) })

	err := b.Run(nil, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run = %v, want ErrTimeout", err)
	}
	waitFor(t, &aborted, "abort was not invoked")
}

// waitFor polls flag; the watchdog goroutine races Run's return.
func waitFor(t *testing.T, flag *atomic.Bool, msg string) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if flag.Load() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRunNeverAbortsCompletedOperations(t *testing.T) {
	var aborts atomic.Int64
	b := New(time.Hour, nil, func() { aborts.Add(1) })

	// The deferred cancel wakes the watchdog on every return; a stray
	// abort here would leave a pending terminate that kills the next
	// script entered on the isolate.
	for i := 0; i < 50000; i++ {
		if err := b.Run(nil, func(ctx context.Context) error { return nil }); err != nil {
			t.Fatal(err)
		}
	}
	// Watchdog goroutines unwind asynchronously.
	time.Sleep(50 * time.Millisecond)
	if n := aborts.Load(); n != 0 {
		t.Fatalf("abort fired %d times although every operation completed", n)
	}
}

func TestRunZeroTimeoutMeansNoDeadline(t *testing.T) {
	b := New(0, nil, func() {})
	err := b.Run(nil, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("owned context has a deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunHeapSignalIsSticky(t *testing.T) {
	heap := make(chan struct{})
	close(heap)
	b := New(time.Second, heap, func() {})

	ran := false
	for i := 0; i < 2; i++ {
		err := b.Run(nil, func(ctx context.Context) error { ran = true; return nil })
		if !errors.Is(err, ErrHeapExhausted) {
			t.Fatalf("Run #%d = %v, want ErrHeapExhausted", i, err)
		}
	}
	if ran {
		t.Fatal("op ran after heap exhaustion")
	}
}

func TestRunHeapSignalMidOperationWins(t *testing.T) {
	heap := make(chan struct{})
	b := New(time.Second, heap, func() {})

	sentinel := errors.New("op error")
	err := b.Run(nil, func(ctx context.Context) error {
		close(heap)
		return sentinel
	})
	if !errors.Is(err, ErrHeapExhausted) {
		t.Fatalf("Run = %v, want ErrHeapExhausted to pre-empt the op error", err)
	}
}

func TestRunBorrowedContextCancel(t *testing.T) {
	var aborted atomic.Bool
	b := New(time.Second, nil, func() { aborted.Store(true) })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := b.Run(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	waitFor(t, &aborted, "abort was not invoked on cancellation")
}

func TestRunBorrowedDeadlineMapsToTimeout(t *testing.T) {
	b := New(time.Second, nil, func() {})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := b.Run(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run = %v, want ErrTimeout", err)
	}
}
