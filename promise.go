package jsbridge

import (
	"context"
	"encoding/json"

	"github.com/hostbridge/jsbridge/internal/engine"
)

// Promise is a stored, unresolved engine promise. Decoding a result into
// *Promise[T] defers resolution: the promise is settled only when Wait or
// Future is called, which pumps the event loop on the runtime's thread.
//
// A Promise must be consumed on the goroutine that owns its runtime (or
// through the Worker that owns it). Scratch/stable lifetime rules are the
// same as for Value.
type Promise[T any] struct {
	rt  *Runtime
	ref engine.Ref
}

// Wait pumps the event loop until the promise settles, bounded by the
// runtime's timeout, and decodes the fulfilled value. A rejected promise
// yields a runtime error carrying the rejection value's string form.
func (p *Promise[T]) Wait() (T, error) {
	return p.settle(nil)
}

// Future is Wait bound to the caller's context.
func (p *Promise[T]) Future(ctx context.Context) (T, error) {
	return p.settle(ctx)
}

func (p *Promise[T]) settle(ctx context.Context) (T, error) {
	var result T
	err := p.rt.blockOn(ctx, func(ctx context.Context) error {
		ref, err := p.rt.eng.ResolvePromise(ctx, p.ref)
		if err != nil {
			return err
		}
		raw, err := p.rt.eng.EncodeRef(ref)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return wrapError(KindJsonDecode, err, "promise result could not be deserialized")
		}
		return nil
	})
	return result, err
}

// Stabilize promotes the promise to live for the runtime's full lifetime.
func (p *Promise[T]) Stabilize() error {
	if err := p.rt.eng.Stabilize(p.ref); err != nil {
		return wrapError(KindRuntime, err, "stabilizing promise")
	}
	return nil
}

func (p *Promise[T]) bindRef(rt *Runtime, ref engine.Ref) error {
	if !rt.eng.RefIsPromise(ref) {
		return errDecodeKind("promise", rt.eng.RefTypeName(ref))
	}
	p.rt = rt
	p.ref = ref
	return nil
}

var _ refBinder = (*Promise[json.RawMessage])(nil)
