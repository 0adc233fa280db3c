package jsbridge

import (
	"context"

	"github.com/hostbridge/jsbridge/internal/engine"
)

// Function is a stored reference to a callable engine value, typically
// obtained by decoding a GetValue or call result into *Function. It stays
// bound to the runtime that produced it; the same scratch/stable lifetime
// rules as Value apply.
type Function struct {
	rt  *Runtime
	ref engine.Ref
}

// IsAsync reports whether the underlying value is an async function.
// Non-async functions can still return promises; this only inspects the
// declared kind.
func (f *Function) IsAsync() bool {
	return f.rt.eng.RefIsAsyncFunction(f.ref)
}

// Call invokes the stored function, runs the event loop to completion and
// resolves a returned promise before decoding into out. handle selects the
// module whose namespace becomes the receiver; nil means the global object.
// out may be nil to discard the result.
func (f *Function) Call(handle *ModuleHandle, out any, args ...any) error {
	return f.rt.blockOn(nil, func(ctx context.Context) error {
		return f.rt.callRef(ctx, handle, f.ref, out, args, modeResolve)
	})
}

// CallAsync is Call bound to the caller's context: cancellation aborts the
// call in addition to the runtime's own timeout.
func (f *Function) CallAsync(ctx context.Context, handle *ModuleHandle, out any, args ...any) error {
	return f.rt.blockOn(ctx, func(ctx context.Context) error {
		return f.rt.callRef(ctx, handle, f.ref, out, args, modeResolve)
	})
}

// CallImmediate invokes the stored function synchronously without running
// the event loop or resolving promises. A promise-returning function yields
// its promise, decodable into *Promise[T].
func (f *Function) CallImmediate(handle *ModuleHandle, out any, args ...any) error {
	return f.rt.runImmediate(func(ctx context.Context) error {
		return f.rt.callRef(ctx, handle, f.ref, out, args, modeImmediate)
	})
}

// Stabilize promotes the function to live for the runtime's full lifetime.
func (f *Function) Stabilize() error {
	if err := f.rt.eng.Stabilize(f.ref); err != nil {
		return wrapError(KindRuntime, err, "stabilizing function")
	}
	return nil
}

func (f *Function) bindRef(rt *Runtime, ref engine.Ref) error {
	if !rt.eng.RefIsFunction(ref) {
		return errDecodeKind("function", rt.eng.RefTypeName(ref))
	}
	f.rt = rt
	f.ref = ref
	return nil
}

var _ refBinder = (*Function)(nil)
