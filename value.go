package jsbridge

import (
	"encoding/json"

	"github.com/hostbridge/jsbridge/internal/engine"
)

// Value is a stored engine value with deferred decoding: it can later be
// decoded into any host type without pumping the event loop or resolving
// promises. Callers that need promise resolution should request a
// Promise[T] instead.
//
// Lifetime: a Value obtained through GetValue is stable for the life of its
// runtime. One obtained through a lower-level path (an Immediate call
// variant, a stored-function call) is scratch-scoped and must be stabilized
// with Stabilize before the next load or reset, or it is released. This is
// a documented precondition, not something the type enforces.
type Value struct {
	rt  *Runtime
	ref engine.Ref
}

// Into decodes the stored value into out via its JSON representation.
func (v *Value) Into(out any) error {
	raw, err := v.rt.eng.EncodeRef(v.ref)
	if err != nil {
		return wrapError(KindRuntime, err, "reading stored value")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return wrapError(KindJsonDecode, err, "value could not be deserialized")
	}
	return nil
}

// Stabilize promotes the value to live for the runtime's full lifetime.
func (v *Value) Stabilize() error {
	if err := v.rt.eng.Stabilize(v.ref); err != nil {
		return wrapError(KindRuntime, err, "stabilizing value")
	}
	return nil
}

func (v *Value) bindRef(rt *Runtime, ref engine.Ref) error {
	v.rt = rt
	v.ref = ref
	return nil
}

// refBinder is implemented by the stored-value types (Value, Function,
// Promise[T]) so decoding can hand them an engine ref instead of JSON.
type refBinder interface {
	bindRef(rt *Runtime, ref engine.Ref) error
}

var _ refBinder = (*Value)(nil)
