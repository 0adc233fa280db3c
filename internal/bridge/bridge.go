// Package bridge gives blocking host code a bounded way to drive engine
// operations: every run races the operation against the configured deadline
// and the engine's heap-exhaustion signal.
package bridge

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when the deadline elapses before the operation
// completes. The in-flight operation is aborted; its partial engine-side
// effects are not rolled back.
var ErrTimeout = errors.New("operation timed out")

// ErrHeapExhausted is returned when the heap signal fires. It pre-empts the
// timeout race and is sticky: once signaled, every later run fails the same
// way.
var ErrHeapExhausted = errors.New("heap exhausted")

// Bridge runs engine operations under a deadline and a heap-exhaustion
// signal. The operation itself executes on the calling goroutine: the engine
// is thread-affine, so only watchers run concurrently.
type Bridge struct {
	timeout time.Duration
	heap    <-chan struct{}
	abort   func()
}

// New creates a bridge. heap is the runtime's heap-exhaustion channel (may
// be nil) and abort interrupts in-flight engine work (TerminateExecution).
func New(timeout time.Duration, heap <-chan struct{}, abort func()) *Bridge {
	return &Bridge{timeout: timeout, heap: heap, abort: abort}
}

// Timeout returns the per-operation deadline.
func (b *Bridge) Timeout() time.Duration { return b.timeout }

func (b *Bridge) heapSignaled() bool {
	select {
	case <-b.heap:
		return true
	default:
		return false
	}
}

// Run executes op on the calling goroutine, bounded by the bridge deadline,
// the heap signal, and the caller's context. A nil ctx selects owned mode
// (the bridge derives its own base context); a non-nil ctx is the borrowed
// mode used by the Async call surfaces.
//
// The race resolves in this order: heap exhaustion beats timeout beats the
// operation's own result.
func (b *Bridge) Run(ctx context.Context, op func(ctx context.Context) error) error {
	if b.heapSignaled() {
		return ErrHeapExhausted
	}

	base := ctx
	if base == nil {
		base = context.Background()
	}
	var rctx context.Context
	var cancel context.CancelFunc
	if b.timeout > 0 {
		rctx, cancel = context.WithTimeout(base, b.timeout)
	} else {
		rctx, cancel = context.WithCancel(base)
	}
	defer cancel()

	// Watchdog: interrupt the engine when the deadline passes or the heap
	// ceiling is hit mid-operation. done stops it once op returns; it is
	// re-checked before aborting, because the deferred cancel also fires
	// rctx.Done and a terminate on an idle isolate stays pending and would
	// kill the next script entered.
	done := make(chan struct{})
	go func() {
		select {
		case <-rctx.Done():
		case <-b.heap:
		case <-done:
			return
		}
		select {
		case <-done:
		default:
			b.abort()
		}
	}()

	err := op(rctx)
	close(done)

	if b.heapSignaled() {
		return ErrHeapExhausted
	}
	switch rctx.Err() {
	case context.DeadlineExceeded:
		return ErrTimeout
	case context.Canceled:
		// The borrowed context was canceled by the caller.
		return rctx.Err()
	}
	return err
}
