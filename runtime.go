// Package jsbridge embeds a single-threaded JavaScript engine behind a
// blocking Go API. A Runtime owns one engine instance and must be used
// from one goroutine; Worker wraps a Runtime in a dedicated OS thread and
// makes it safe to drive from anywhere.
package jsbridge

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hostbridge/jsbridge/internal/bridge"
	"github.com/hostbridge/jsbridge/internal/engine"
)

// HostFunction is a Go function callable from scripts. Arguments arrive as
// JSON documents; the return value is serialized back into the engine.
type HostFunction func(args []json.RawMessage) (any, error)

// Runtime is one engine instance plus the policy around it: per-operation
// timeout, heap ceiling, module cache, import resolution, extensions.
//
// A Runtime is confined to the goroutine that created it. Engine internals
// are thread-affine, so even serialized cross-goroutine use is unsafe; use
// a Worker for that.
type Runtime struct {
	eng  *engine.Engine
	br   *bridge.Bridge
	opts RuntimeOptions
}

type callMode int

const (
	// modeResolve pumps the event loop after the operation and resolves a
	// returned promise before decoding.
	modeResolve callMode = iota
	// modeImmediate decodes the raw result without touching the event loop.
	modeImmediate
)

// NewRuntime creates a runtime and applies its extensions. The caller's
// goroutine becomes the runtime's owner.
func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	eopts := engine.Options{
		WorkingDir:  opts.WorkingDir,
		MaxHeapSize: opts.MaxHeapSize,
	}
	if opts.ModuleCache != nil {
		eopts.Cache = opts.ModuleCache
	}
	if opts.SharedStore != nil {
		eopts.Shared = opts.SharedStore
	}
	if opts.ImportProvider != nil {
		provider := opts.ImportProvider
		eopts.Resolve = func(specifier, referrer string) (string, string, error) {
			mod, err := provider.Resolve(specifier, referrer)
			if err != nil {
				return "", "", err
			}
			return mod.Filename(), mod.Contents(), nil
		}
	}

	eng, err := engine.New(eopts)
	if err != nil {
		return nil, wrapError(KindRuntime, err, "creating engine")
	}

	rt := &Runtime{
		eng:  eng,
		br:   bridge.New(opts.Timeout, eng.HeapExhausted(), eng.Terminate),
		opts: opts,
	}
	if err := rt.applyExtensions(); err != nil {
		eng.Dispose()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) applyExtensions() error {
	for _, ext := range rt.opts.Extensions {
		if err := ext.Setup(rt); err != nil {
			return wrapError(KindRuntime, err, "extension %q setup failed", ext.Name())
		}
	}
	return nil
}

// Options returns the options the runtime was built with.
func (rt *Runtime) Options() RuntimeOptions { return rt.opts }

// HeapExhausted is closed, permanently, once the engine crosses its heap
// ceiling. After that every operation fails with KindHeapExhausted.
func (rt *Runtime) HeapExhausted() <-chan struct{} { return rt.eng.HeapExhausted() }

// Close releases the engine. The runtime is unusable afterwards.
func (rt *Runtime) Close() { rt.eng.Dispose() }

// Reset tears down the script context and replaces it with a fresh one,
// keeping registered host functions and re-applying extensions. Loaded
// modules and stored values do not survive. A heap-exhausted runtime stays
// poisoned across resets.
func (rt *Runtime) Reset() error {
	if err := rt.eng.Reset(); err != nil {
		return rt.convertErr(err)
	}
	return rt.applyExtensions()
}

// blockOn runs op under the timeout/heap watchdog and maps low-level errors
// to the public taxonomy. A nil ctx means the runtime owns the deadline.
func (rt *Runtime) blockOn(ctx context.Context, op func(ctx context.Context) error) error {
	return rt.convertErr(rt.br.Run(ctx, op))
}

// runImmediate runs op synchronously, subject only to the sticky heap check.
func (rt *Runtime) runImmediate(op func(ctx context.Context) error) error {
	select {
	case <-rt.eng.HeapExhausted():
		return newError(KindHeapExhausted, "engine heap limit exceeded")
	default:
	}
	return rt.convertErr(op(context.Background()))
}

func (rt *Runtime) convertErr(err error) error {
	if err == nil {
		return nil
	}
	var bridged *Error
	if errors.As(err, &bridged) {
		return bridged
	}
	switch {
	case errors.Is(err, bridge.ErrTimeout):
		return wrapError(KindTimeout, err, "operation deadline exceeded")
	case errors.Is(err, bridge.ErrHeapExhausted):
		return wrapError(KindHeapExhausted, err, "engine heap limit exceeded")
	case errors.Is(err, engine.ErrModuleNotFound):
		return wrapError(KindModuleNotFound, err, "module not found")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return wrapError(KindTimeout, err, "operation canceled")
	}
	return wrapError(KindRuntime, err, "engine error")
}

// LoadModule loads a single module as the runtime's main module.
func (rt *Runtime) LoadModule(main Module) (*ModuleHandle, error) {
	return rt.LoadModules(main)
}

// LoadModuleAsync is LoadModule bound to the caller's context.
func (rt *Runtime) LoadModuleAsync(ctx context.Context, main Module) (*ModuleHandle, error) {
	return rt.LoadModulesAsync(ctx, main)
}

// LoadModules loads side modules followed by the main module, runs the
// event loop once, and resolves the main module's entrypoint. Only the
// handle for main is returned; side modules are reachable through imports.
//
// Loading releases every scratch-scoped stored value. A failed load leaves
// the runtime usable but with whatever partial state the failure left
// behind; Reset restores a clean slate.
func (rt *Runtime) LoadModules(main Module, side ...Module) (*ModuleHandle, error) {
	var handle *ModuleHandle
	err := rt.blockOn(nil, func(ctx context.Context) error {
		var err error
		handle, err = rt.loadModules(ctx, &main, side)
		return err
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// LoadModulesAsync is LoadModules bound to the caller's context.
func (rt *Runtime) LoadModulesAsync(ctx context.Context, main Module, side ...Module) (*ModuleHandle, error) {
	var handle *ModuleHandle
	err := rt.blockOn(ctx, func(ctx context.Context) error {
		var err error
		handle, err = rt.loadModules(ctx, &main, side)
		return err
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// LoadSideModules loads modules without a main module. They are reachable
// through imports; the returned handle references the last one evaluated.
func (rt *Runtime) LoadSideModules(side ...Module) (*ModuleHandle, error) {
	if len(side) == 0 {
		return nil, newError(KindModuleNotFound, "no modules supplied")
	}
	var handle *ModuleHandle
	err := rt.blockOn(nil, func(ctx context.Context) error {
		var err error
		handle, err = rt.loadModules(ctx, nil, side)
		return err
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func (rt *Runtime) loadModules(ctx context.Context, main *Module, side []Module) (*ModuleHandle, error) {
	rt.eng.ReleaseScratch()

	sideIDs := make([]int32, 0, len(side))
	for _, m := range side {
		id, err := rt.eng.RegisterModule(m.Filename(), m.Contents(), false)
		if err != nil {
			return nil, err
		}
		sideIDs = append(sideIDs, id)
	}

	// The handle references the last module evaluated: main when present,
	// otherwise the last side module.
	var lastModule Module
	var lastID int32
	if len(side) > 0 {
		lastModule = side[len(side)-1]
		lastID = sideIDs[len(sideIDs)-1]
	}

	var mainID int32
	if main != nil {
		// The first load's main module becomes the engine's main; later
		// loads register as side modules but still get their own handle.
		id, err := rt.eng.RegisterModule(main.Filename(), main.Contents(), !rt.eng.HasMain())
		if err != nil {
			return nil, err
		}
		mainID = id
		lastModule = *main
		lastID = id
	}

	for _, id := range sideIDs {
		if err := rt.eng.EvaluateModule(id); err != nil {
			return nil, err
		}
	}
	if main != nil {
		if err := rt.eng.EvaluateModule(mainID); err != nil {
			return nil, err
		}
	}
	if err := rt.eng.Pump(ctx); err != nil {
		return nil, err
	}

	handle := &ModuleHandle{module: lastModule, id: lastID}
	handle.entrypoint = rt.resolveEntrypoint(handle.id)
	return handle, nil
}

// resolveEntrypoint applies the load-time entrypoint order: a function the
// script registered itself wins; otherwise the configured default name is
// looked up as a global, then as a main-module export. No match is not an
// error here; calling the missing entrypoint is.
func (rt *Runtime) resolveEntrypoint(mainID int32) *Function {
	if ref, ok := rt.eng.TakeEntrypoint(); ok {
		return &Function{rt: rt, ref: ref}
	}
	name := rt.opts.DefaultEntrypoint
	if name == "" {
		return nil
	}
	ref, ok, err := rt.eng.GlobalValue(name)
	if err != nil || !ok {
		ref, ok, err = rt.eng.ModuleExport(mainID, name)
		if err != nil || !ok {
			return nil
		}
	}
	if !rt.eng.RefIsFunction(ref) {
		return nil
	}
	if err := rt.eng.Stabilize(ref); err != nil {
		return nil
	}
	return &Function{rt: rt, ref: ref}
}

// lookupRef finds name as a global binding first, then as an export of
// handle's module. A binding whose value is null or undefined counts as
// absent.
func (rt *Runtime) lookupRef(handle *ModuleHandle, name string) (engine.Ref, error) {
	ref, ok, err := rt.eng.GlobalValue(name)
	if err != nil {
		return 0, err
	}
	if ok {
		return ref, nil
	}
	if handle != nil {
		ref, ok, err = rt.eng.ModuleExport(handle.id, name)
		if err != nil {
			return 0, err
		}
		if ok {
			return ref, nil
		}
	}
	return 0, errValueNotFound(name)
}

// bindOut decodes a stored ref into out. Stored-value types (Value,
// Function, Promise) capture the ref directly; everything else goes through
// JSON. stabilize promotes captured refs to runtime lifetime.
func (rt *Runtime) bindOut(out any, ref engine.Ref, stabilize bool) error {
	if out == nil {
		return nil
	}
	if binder, ok := out.(refBinder); ok {
		if err := binder.bindRef(rt, ref); err != nil {
			return err
		}
		if stabilize {
			if err := rt.eng.Stabilize(ref); err != nil {
				return wrapError(KindRuntime, err, "stabilizing value")
			}
		}
		return nil
	}
	raw, err := rt.eng.EncodeRef(ref)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return wrapError(KindJsonDecode, err, "value could not be deserialized")
	}
	return nil
}

func (rt *Runtime) getValue(ctx context.Context, handle *ModuleHandle, name string, out any, mode callMode, stabilize bool) error {
	ref, err := rt.lookupRef(handle, name)
	if err != nil {
		return err
	}
	if _, isBinder := out.(refBinder); !isBinder && mode == modeResolve && rt.eng.RefIsPromise(ref) {
		ref, err = rt.eng.ResolvePromise(ctx, ref)
		if err != nil {
			return err
		}
	}
	return rt.bindOut(out, ref, stabilize)
}

// GetValue looks up name (global first, then an export of handle's module,
// which may be nil) and decodes it into out. A promise value is resolved
// first unless out is a *Promise[T]. Stored-value results are stabilized.
func (rt *Runtime) GetValue(handle *ModuleHandle, name string, out any) error {
	return rt.blockOn(nil, func(ctx context.Context) error {
		return rt.getValue(ctx, handle, name, out, modeResolve, true)
	})
}

// GetValueAsync is GetValue bound to the caller's context.
func (rt *Runtime) GetValueAsync(ctx context.Context, handle *ModuleHandle, name string, out any) error {
	return rt.blockOn(ctx, func(ctx context.Context) error {
		return rt.getValue(ctx, handle, name, out, modeResolve, true)
	})
}

// GetValueImmediate is the low-level lookup: no event loop, no promise
// resolution, and stored-value results stay scratch-scoped.
func (rt *Runtime) GetValueImmediate(handle *ModuleHandle, name string, out any) error {
	return rt.runImmediate(func(ctx context.Context) error {
		return rt.getValue(ctx, handle, name, out, modeImmediate, false)
	})
}

// callRef invokes a stored function ref with JSON-bridged args and decodes
// the result per mode.
func (rt *Runtime) callRef(ctx context.Context, handle *ModuleHandle, fn engine.Ref, out any, args []any, mode callMode) error {
	raw := make([]json.RawMessage, len(args))
	for i, arg := range args {
		if r, ok := arg.(json.RawMessage); ok {
			raw[i] = r
			continue
		}
		b, err := json.Marshal(arg)
		if err != nil {
			return wrapError(KindV8Encoding, err, "argument %d could not be serialized", i)
		}
		raw[i] = b
	}

	moduleID := int32(-1)
	if handle != nil {
		moduleID = handle.id
	}
	res, err := rt.eng.CallRef(fn, moduleID, raw)
	if err != nil {
		return err
	}
	if mode == modeResolve {
		if err := rt.eng.Pump(ctx); err != nil {
			return err
		}
		if _, isBinder := out.(refBinder); !isBinder && rt.eng.RefIsPromise(res) {
			res, err = rt.eng.ResolvePromise(ctx, res)
			if err != nil {
				return err
			}
		}
	}
	return rt.bindOut(out, res, false)
}

// functionRef looks up name and requires it to be callable.
func (rt *Runtime) functionRef(handle *ModuleHandle, name string) (engine.Ref, error) {
	ref, err := rt.lookupRef(handle, name)
	if err != nil {
		return 0, err
	}
	if !rt.eng.RefIsFunction(ref) {
		return 0, errValueNotCallable(name)
	}
	return ref, nil
}

func (rt *Runtime) callFunction(ctx context.Context, handle *ModuleHandle, name string, out any, args []any, mode callMode) error {
	ref, err := rt.functionRef(handle, name)
	if err != nil {
		return err
	}
	return rt.callRef(ctx, handle, ref, out, args, mode)
}

// CallFunction looks up name (global first, then an export of handle's
// module), invokes it, runs the event loop to completion, resolves a
// returned promise and decodes into out. out may be nil to discard the
// result; args are serialized through JSON.
func (rt *Runtime) CallFunction(handle *ModuleHandle, name string, out any, args ...any) error {
	return rt.blockOn(nil, func(ctx context.Context) error {
		return rt.callFunction(ctx, handle, name, out, args, modeResolve)
	})
}

// CallFunctionAsync is CallFunction bound to the caller's context.
func (rt *Runtime) CallFunctionAsync(ctx context.Context, handle *ModuleHandle, name string, out any, args ...any) error {
	return rt.blockOn(ctx, func(ctx context.Context) error {
		return rt.callFunction(ctx, handle, name, out, args, modeResolve)
	})
}

// CallFunctionImmediate invokes without running the event loop or resolving
// promises; an async function's promise can be captured via *Promise[T].
func (rt *Runtime) CallFunctionImmediate(handle *ModuleHandle, name string, out any, args ...any) error {
	return rt.runImmediate(func(ctx context.Context) error {
		return rt.callFunction(ctx, handle, name, out, args, modeImmediate)
	})
}

func (rt *Runtime) entrypointRef(handle *ModuleHandle) (engine.Ref, error) {
	if handle == nil || handle.entrypoint == nil {
		filename := "<none>"
		if handle != nil {
			filename = handle.module.Filename()
		}
		return 0, errMissingEntrypoint(filename)
	}
	return handle.entrypoint.ref, nil
}

// CallEntrypoint invokes the entrypoint resolved when handle's module was
// loaded. Fails with KindMissingEntrypoint when load resolved none.
func (rt *Runtime) CallEntrypoint(handle *ModuleHandle, out any, args ...any) error {
	ref, err := rt.entrypointRef(handle)
	if err != nil {
		return err
	}
	return rt.blockOn(nil, func(ctx context.Context) error {
		return rt.callRef(ctx, handle, ref, out, args, modeResolve)
	})
}

// CallEntrypointAsync is CallEntrypoint bound to the caller's context.
func (rt *Runtime) CallEntrypointAsync(ctx context.Context, handle *ModuleHandle, out any, args ...any) error {
	ref, err := rt.entrypointRef(handle)
	if err != nil {
		return err
	}
	return rt.blockOn(ctx, func(ctx context.Context) error {
		return rt.callRef(ctx, handle, ref, out, args, modeResolve)
	})
}

// CallEntrypointImmediate invokes the entrypoint without running the event
// loop or resolving promises.
func (rt *Runtime) CallEntrypointImmediate(handle *ModuleHandle, out any, args ...any) error {
	ref, err := rt.entrypointRef(handle)
	if err != nil {
		return err
	}
	return rt.runImmediate(func(ctx context.Context) error {
		return rt.callRef(ctx, handle, ref, out, args, modeImmediate)
	})
}

func (rt *Runtime) eval(ctx context.Context, expr string, out any, mode callMode) error {
	res, err := rt.eng.Eval(expr)
	if err != nil {
		return err
	}
	if mode == modeResolve {
		if err := rt.eng.Pump(ctx); err != nil {
			return err
		}
		if _, isBinder := out.(refBinder); !isBinder && rt.eng.RefIsPromise(res) {
			res, err = rt.eng.ResolvePromise(ctx, res)
			if err != nil {
				return err
			}
		}
	}
	return rt.bindOut(out, res, false)
}

// Eval evaluates a script expression in the global scope, runs the event
// loop, resolves a promise result and decodes into out. Side effects on
// globals persist across calls. Eval is not a module load: import syntax is
// unavailable.
func (rt *Runtime) Eval(expr string, out any) error {
	return rt.blockOn(nil, func(ctx context.Context) error {
		return rt.eval(ctx, expr, out, modeResolve)
	})
}

// EvalAsync is Eval bound to the caller's context.
func (rt *Runtime) EvalAsync(ctx context.Context, expr string, out any) error {
	return rt.blockOn(ctx, func(ctx context.Context) error {
		return rt.eval(ctx, expr, out, modeResolve)
	})
}

// EvalImmediate evaluates without running the event loop or resolving
// promises.
func (rt *Runtime) EvalImmediate(expr string, out any) error {
	return rt.runImmediate(func(ctx context.Context) error {
		return rt.eval(ctx, expr, out, modeImmediate)
	})
}

// RegisterFunction exposes fn to scripts as a global with the given name.
// Registered functions survive Reset.
func (rt *Runtime) RegisterFunction(name string, fn HostFunction) error {
	if err := rt.eng.RegisterCallback(name, engine.HostFunc(fn)); err != nil {
		return rt.convertErr(err)
	}
	return nil
}

// Put places a host value into the runtime's shared slot, where a script
// can claim it with jsbridge.take(). The slot holds one value; Put
// overwrites.
func (rt *Runtime) Put(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return wrapError(KindV8Encoding, err, "slot value could not be serialized")
	}
	rt.eng.PutSlot(raw)
	return nil
}

// Take claims the value a script left in the shared slot with
// jsbridge.put(v). The second return is false when the slot is empty.
// Taking empties the slot.
func Take[T any](rt *Runtime) (T, bool, error) {
	var out T
	raw, ok := rt.eng.TakeSlot()
	if !ok {
		return out, false, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, wrapError(KindJsonDecode, err, "slot value could not be deserialized")
	}
	return out, true, nil
}
