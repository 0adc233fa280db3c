// Package engine wraps a single V8 isolate+context pair behind the narrow
// contract the bridge layer needs: register and evaluate modules, look up
// bindings, invoke functions, pump the event loop, and watch the heap.
//
// An Engine is confined to the goroutine (and OS thread) that created it.
// Nothing here is safe for concurrent use.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	v8 "github.com/tommie/v8go"
)

// ErrModuleNotFound marks import specifiers that neither the registered
// module set nor the resolve hook could satisfy.
var ErrModuleNotFound = errors.New("module not found")

// Cache stores transformed module code keyed by content hash.
type Cache interface {
	Get(key string) (string, bool)
	Set(key, code string) error
}

// SharedStore is the cross-engine byte store surfaced to scripts.
type SharedStore interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
}

// HostFunc is a host callback invokable from scripts. Arguments arrive as
// JSON-encoded values; the returned value is serialized back into the engine.
type HostFunc func(args []json.RawMessage) (any, error)

// Options configures an Engine.
type Options struct {
	// WorkingDir resolves relative module filenames. Empty means the
	// process working directory.
	WorkingDir string

	// MaxHeapSize in bytes; zero disables the ceiling.
	MaxHeapSize uint64

	// Resolve supplies source for import specifiers that match no
	// registered module. Nil disables external resolution.
	Resolve func(specifier, referrer string) (filename, source string, err error)

	// Cache for transformed module code; nil disables caching.
	Cache Cache

	// Shared, when non-nil, is exposed to scripts as jsbridge.shared.
	Shared SharedStore
}

// Ref identifies a stored engine value. Zero is never a valid ref.
//
// Refs come in two lifetimes: scratch refs, released in bulk by
// ReleaseScratch, and stable refs, which live until Reset or Dispose.
// Stabilize promotes the former to the latter.
type Ref uint64

type refEntry struct {
	val    *v8.Value
	stable bool
}

type moduleRecord struct {
	id         int32
	filename   string
	url        string
	main       bool
	lowered    string
	ns         *v8.Object
	evaluated  bool
	evaluating bool
}

// Engine is one isolated engine instance: an isolate, a context, its loaded
// modules, stored value refs, and a Go-backed timer loop.
type Engine struct {
	iso  *v8.Isolate
	ctx  *v8.Context
	opts Options
	loop *eventLoop

	refs    map[Ref]*refEntry
	nextRef Ref

	modules    map[int32]*moduleRecord
	byURL      map[string]int32
	nextModule int32
	mainLoaded bool

	callbacks map[string]HostFunc

	// slot is the shared host-accessible value slot (jsbridge.put/take).
	slot *json.RawMessage

	heapCh   chan struct{}
	heapOnce sync.Once

	// resolveErr carries the import resolver's Go error across the V8
	// boundary, since a thrown exception loses its identity.
	resolveErr error
}

// New creates an engine instance. Must be called on the goroutine that will
// own it.
func New(opts Options) (*Engine, error) {
	if opts.WorkingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		opts.WorkingDir = wd
	}

	var iso *v8.Isolate
	if opts.MaxHeapSize > 0 {
		// The hard constraint sits above the advertised ceiling so the
		// soft check in checkHeap fires before V8 aborts the process.
		iso = v8.NewIsolate(v8.WithResourceConstraints(opts.MaxHeapSize, opts.MaxHeapSize*2))
	} else {
		iso = v8.NewIsolate()
	}

	e := &Engine{
		iso:       iso,
		opts:      opts,
		loop:      newEventLoop(),
		refs:      make(map[Ref]*refEntry),
		modules:   make(map[int32]*moduleRecord),
		byURL:     make(map[string]int32),
		callbacks: make(map[string]HostFunc),
		heapCh:    make(chan struct{}),
	}

	if err := e.openContext(); err != nil {
		iso.Dispose()
		return nil, err
	}
	return e, nil
}

// Dispose releases the context and the isolate. The engine is unusable
// afterwards.
func (e *Engine) Dispose() {
	e.ctx.Close()
	e.iso.Dispose()
}

// Terminate interrupts in-flight script execution. Safe to call from any
// goroutine; this is the only cross-thread entry point.
func (e *Engine) Terminate() {
	e.iso.TerminateExecution()
}

// HeapExhausted returns the channel closed when the heap ceiling is hit.
func (e *Engine) HeapExhausted() <-chan struct{} {
	return e.heapCh
}

// Reset discards all loaded modules, globals, and stored refs by replacing
// the context, while keeping the isolate and re-installing registered host
// callbacks. The heap-exhausted state is deliberately not cleared.
func (e *Engine) Reset() error {
	e.ctx.Close()
	e.loop.reset()
	e.refs = make(map[Ref]*refEntry)
	e.modules = make(map[int32]*moduleRecord)
	e.byURL = make(map[string]int32)
	e.mainLoaded = false
	e.slot = nil
	return e.openContext()
}

func (e *Engine) openContext() error {
	e.ctx = v8.NewContext(e.iso)
	if err := e.installBuiltins(); err != nil {
		return fmt.Errorf("installing builtins: %w", err)
	}
	for name, fn := range e.callbacks {
		if err := e.installCallback(name, fn); err != nil {
			return fmt.Errorf("re-installing callback %s: %w", name, err)
		}
	}
	return nil
}

func (e *Engine) throw(msg string) {
	v, err := v8.NewValue(e.iso, msg)
	if err != nil {
		return
	}
	e.iso.ThrowException(v)
}

// checkHeap enforces the configured heap ceiling. Called at pump steps and
// call boundaries, on the engine thread.
func (e *Engine) checkHeap() error {
	if e.opts.MaxHeapSize == 0 {
		return nil
	}
	hs := e.iso.GetHeapStatistics()
	if hs.UsedHeapSize <= e.opts.MaxHeapSize {
		return nil
	}
	e.heapOnce.Do(func() { close(e.heapCh) })
	return fmt.Errorf("heap limit exceeded: %d > %d bytes", hs.UsedHeapSize, e.opts.MaxHeapSize)
}

// ---- module registration and evaluation ----

// moduleURL turns a module filename into the absolute URL used as both the
// module's identity and its script origin.
func (e *Engine) moduleURL(filename string) string {
	path := filename
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.opts.WorkingDir, path)
	}
	return "file://" + filepath.ToSlash(filepath.Clean(path))
}

// HasMain reports whether a main module has been registered since the last
// Reset.
func (e *Engine) HasMain() bool { return e.mainLoaded }

// RegisterModule transforms and registers module source under filename,
// returning the engine module id. One main module is allowed per instance.
func (e *Engine) RegisterModule(filename, source string, main bool) (int32, error) {
	if main && e.mainLoaded {
		return 0, fmt.Errorf("a main module is already loaded")
	}
	url := e.moduleURL(filename)

	lowered, err := e.lowerModule(filename, url, source)
	if err != nil {
		return 0, err
	}

	e.nextModule++
	id := e.nextModule
	e.modules[id] = &moduleRecord{
		id:       id,
		filename: filename,
		url:      url,
		main:     main,
		lowered:  lowered,
	}
	e.byURL[url] = id
	e.byURL[filename] = id
	if main {
		e.mainLoaded = true
	}
	return id, nil
}

// EvaluateModule runs a registered module's top level, capturing its export
// namespace. Evaluating an already-evaluated module is a no-op. A module
// re-entered through a circular import yields its partially-populated
// exports object rather than recursing: the exports target is installed at
// __bridge.modules[id] before the module body runs.
func (e *Engine) EvaluateModule(id int32) error {
	rec, ok := e.modules[id]
	if !ok {
		return fmt.Errorf("unknown module id %d", id)
	}
	if rec.evaluated || rec.evaluating {
		return nil
	}
	rec.evaluating = true
	defer func() { rec.evaluating = false }()

	wrapped := fmt.Sprintf(";(function(exports){\n%s\n})(globalThis.__bridge.modules[%d] = Object.create(null));",
		rec.lowered, id)

	e.resolveErr = nil
	if _, err := e.ctx.RunScript(wrapped, rec.url); err != nil {
		if e.resolveErr != nil {
			return e.resolveErr
		}
		return err
	}
	e.ctx.PerformMicrotaskCheckpoint()

	nsVal, err := e.ctx.RunScript(fmt.Sprintf("globalThis.__bridge.modules[%d]", id), "namespace.js")
	if err != nil {
		return fmt.Errorf("capturing module namespace: %w", err)
	}
	ns, err := nsVal.AsObject()
	if err != nil {
		return fmt.Errorf("capturing module namespace: %w", err)
	}
	rec.ns = ns
	rec.evaluated = true
	return e.checkHeap()
}

// resolveImport maps an import specifier to an evaluated module id,
// registering and evaluating modules from the resolve hook on demand.
func (e *Engine) resolveImport(specifier, referrer string) (int32, error) {
	if id, ok := e.byURL[specifier]; ok {
		return id, e.EvaluateModule(id)
	}

	// Relative specifiers resolve against the importing module's directory.
	if strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") {
		base := strings.TrimPrefix(referrer, "file://")
		resolved := "file://" + filepath.ToSlash(filepath.Clean(filepath.Join(filepath.Dir(base), specifier)))
		if id, ok := e.byURL[resolved]; ok {
			return id, e.EvaluateModule(id)
		}
	}

	if e.opts.Resolve != nil {
		filename, source, err := e.opts.Resolve(specifier, referrer)
		if err != nil {
			return 0, fmt.Errorf("%w: %s (import provider: %v)", ErrModuleNotFound, specifier, err)
		}
		id, err := e.RegisterModule(filename, source, false)
		if err != nil {
			return 0, err
		}
		return id, e.EvaluateModule(id)
	}

	return 0, fmt.Errorf("%w: %s (imported from %s)", ErrModuleNotFound, specifier, referrer)
}

// ---- value refs ----

func (e *Engine) retain(val *v8.Value, stable bool) Ref {
	e.nextRef++
	e.refs[e.nextRef] = &refEntry{val: val, stable: stable}
	return e.nextRef
}

func (e *Engine) entry(r Ref) (*refEntry, error) {
	entry, ok := e.refs[r]
	if !ok {
		return nil, fmt.Errorf("stored value is no longer valid (released or never stabilized)")
	}
	return entry, nil
}

// Stabilize promotes a scratch ref to one valid until Reset or Dispose.
func (e *Engine) Stabilize(r Ref) error {
	entry, err := e.entry(r)
	if err != nil {
		return err
	}
	entry.stable = true
	return nil
}

// ReleaseScratch drops every ref that was not stabilized.
func (e *Engine) ReleaseScratch() {
	for r, entry := range e.refs {
		if !entry.stable {
			delete(e.refs, r)
		}
	}
}

// RefIsFunction reports whether the ref holds a callable.
func (e *Engine) RefIsFunction(r Ref) bool {
	entry, err := e.entry(r)
	return err == nil && entry.val.IsFunction()
}

// RefIsAsyncFunction reports whether the ref holds an async function.
func (e *Engine) RefIsAsyncFunction(r Ref) bool {
	entry, err := e.entry(r)
	return err == nil && entry.val.IsAsyncFunction()
}

// RefIsPromise reports whether the ref holds a promise.
func (e *Engine) RefIsPromise(r Ref) bool {
	entry, err := e.entry(r)
	return err == nil && entry.val.IsPromise()
}

// RefTypeName names the ref's value kind for decode-mismatch errors.
func (e *Engine) RefTypeName(r Ref) string {
	entry, err := e.entry(r)
	if err != nil {
		return "released value"
	}
	val := entry.val
	switch {
	case val.IsFunction():
		return "function"
	case val.IsPromise():
		return "promise"
	case val.IsString():
		return "string"
	case val.IsNumber():
		return "number"
	case val.IsBoolean():
		return "boolean"
	case val.IsNullOrUndefined():
		return "null or undefined"
	case val.IsArray():
		return "array"
	case val.IsObject():
		return "object"
	default:
		return "value"
	}
}

// ---- lookups ----

// GlobalValue looks up a binding on globalThis. A null or undefined binding
// counts as absent.
func (e *Engine) GlobalValue(name string) (Ref, bool, error) {
	val, err := e.ctx.Global().Get(name)
	if err != nil {
		return 0, false, err
	}
	if val.IsNullOrUndefined() {
		return 0, false, nil
	}
	return e.retain(val, false), true, nil
}

// ModuleExport looks up a binding on a module's export namespace. An
// unknown or unevaluated module id (a stale handle after Reset) counts as
// absent rather than failing.
func (e *Engine) ModuleExport(id int32, name string) (Ref, bool, error) {
	rec, ok := e.modules[id]
	if !ok || rec.ns == nil {
		return 0, false, nil
	}
	val, err := rec.ns.Get(name)
	if err != nil {
		return 0, false, err
	}
	if val.IsNullOrUndefined() {
		return 0, false, nil
	}
	return e.retain(val, false), true, nil
}

// TakeEntrypoint removes and returns the entrypoint a script registered via
// jsbridge.registerEntrypoint during evaluation. Take-once semantics.
func (e *Engine) TakeEntrypoint() (Ref, bool) {
	val, err := e.ctx.RunScript(
		`(function(){ var f = globalThis.__bridge.pendingEntrypoint; globalThis.__bridge.pendingEntrypoint = undefined; return f; })()`,
		"take_entrypoint.js")
	if err != nil || !val.IsFunction() {
		return 0, false
	}
	return e.retain(val, true), true
}

// ---- execution ----

// Eval runs an expression in the global scope and retains its result. No
// event-loop pumping happens here.
func (e *Engine) Eval(expr string) (Ref, error) {
	val, err := e.ctx.RunScript(expr, "eval.js")
	if err != nil {
		return 0, err
	}
	if err := e.checkHeap(); err != nil {
		return 0, err
	}
	return e.retain(val, false), nil
}

// CallRef invokes a stored function. moduleID >= 0 binds that module's
// export namespace as the receiver; otherwise globalThis is the receiver.
// Arguments are JSON-encoded host values.
func (e *Engine) CallRef(fn Ref, moduleID int32, args []json.RawMessage) (Ref, error) {
	entry, err := e.entry(fn)
	if err != nil {
		return 0, err
	}
	f, err := entry.val.AsFunction()
	if err != nil {
		return 0, fmt.Errorf("stored value is not a function")
	}

	var recv v8.Valuer = e.ctx.Global()
	if rec, ok := e.modules[moduleID]; ok && rec.ns != nil {
		recv = rec.ns
	}

	vargs := make([]v8.Valuer, len(args))
	for i, raw := range args {
		v, err := e.parseJSON(raw)
		if err != nil {
			return 0, fmt.Errorf("encoding argument %d: %w", i, err)
		}
		vargs[i] = v
	}

	res, err := f.Call(recv, vargs...)
	if err != nil {
		return 0, err
	}
	e.ctx.PerformMicrotaskCheckpoint()
	if err := e.checkHeap(); err != nil {
		return 0, err
	}
	return e.retain(res, false), nil
}

// parseJSON materializes a JSON document as an engine value.
func (e *Engine) parseJSON(raw json.RawMessage) (*v8.Value, error) {
	return e.ctx.RunScript("JSON.parse("+strconv.Quote(string(raw))+")", "parse_json.js")
}

// EncodeRef serializes a stored value to JSON. Values JSON cannot represent
// (functions, undefined) encode as null.
func (e *Engine) EncodeRef(r Ref) (json.RawMessage, error) {
	entry, err := e.entry(r)
	if err != nil {
		return nil, err
	}
	return e.encodeValue(entry.val)
}

func (e *Engine) encodeValue(val *v8.Value) (json.RawMessage, error) {
	if err := e.ctx.Global().Set("__bridge_tmp", val); err != nil {
		return nil, fmt.Errorf("staging value: %w", err)
	}
	res, err := e.ctx.RunScript(
		`(function(){ var v = globalThis.__bridge_tmp; delete globalThis.__bridge_tmp; var s = JSON.stringify(v); return s === undefined ? "null" : s; })()`,
		"encode.js")
	if err != nil {
		return nil, err
	}
	return json.RawMessage(res.String()), nil
}

// ResolvePromise drives the event loop until the promise settles, returning
// a ref to the settled value. Non-promise refs pass through unchanged. A
// promise with no way left to settle blocks until ctx is done.
func (e *Engine) ResolvePromise(ctx context.Context, r Ref) (Ref, error) {
	entry, err := e.entry(r)
	if err != nil {
		return 0, err
	}
	if !entry.val.IsPromise() {
		return r, nil
	}
	p, err := entry.val.AsPromise()
	if err != nil {
		return 0, err
	}

	for {
		switch p.State() {
		case v8.Fulfilled:
			return e.retain(p.Result(), false), nil
		case v8.Rejected:
			return 0, fmt.Errorf("promise rejected: %s", p.Result().String())
		case v8.Pending:
			if err := e.pumpStep(ctx, true); err != nil {
				return 0, err
			}
		default:
			return 0, fmt.Errorf("unexpected promise state")
		}
	}
}

// Pump drives the event loop until no work remains or ctx is done.
func (e *Engine) Pump(ctx context.Context) error {
	for {
		e.ctx.PerformMicrotaskCheckpoint()
		if err := e.checkHeap(); err != nil {
			return err
		}
		if err := e.loop.fireDue(e.iso, e.ctx); err != nil {
			return err
		}
		next, pending := e.loop.nextDeadline()
		if !pending {
			e.ctx.PerformMicrotaskCheckpoint()
			return nil
		}
		if err := sleepUntil(ctx, next); err != nil {
			return err
		}
	}
}

// PumpStep runs exactly one event-loop step: a microtask checkpoint plus any
// timers already due. It reports whether work is still pending.
func (e *Engine) PumpStep() (bool, error) {
	e.ctx.PerformMicrotaskCheckpoint()
	if err := e.checkHeap(); err != nil {
		return false, err
	}
	if err := e.loop.fireDue(e.iso, e.ctx); err != nil {
		return false, err
	}
	_, pending := e.loop.nextDeadline()
	return pending, nil
}

// pumpStep is the inner loop shared with ResolvePromise: when no timer is
// pending it idles briefly instead of returning, since a pending promise may
// still be settled by a microtask on the next checkpoint.
func (e *Engine) pumpStep(ctx context.Context, idle bool) error {
	e.ctx.PerformMicrotaskCheckpoint()
	if err := e.checkHeap(); err != nil {
		return err
	}
	if err := e.loop.fireDue(e.iso, e.ctx); err != nil {
		return err
	}
	next, pending := e.loop.nextDeadline()
	if pending {
		return sleepUntil(ctx, next)
	}
	if !idle {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Millisecond):
		return nil
	}
}

func sleepUntil(ctx context.Context, deadline time.Time) error {
	wait := time.Until(deadline)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// ---- host callbacks and the shared slot ----

// RegisterCallback exposes a host function to scripts as a global. The
// registration survives Reset.
func (e *Engine) RegisterCallback(name string, fn HostFunc) error {
	if err := e.installCallback(name, fn); err != nil {
		return err
	}
	e.callbacks[name] = fn
	return nil
}

func (e *Engine) installCallback(name string, fn HostFunc) error {
	tmpl := v8.NewFunctionTemplate(e.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		jsArgs := info.Args()
		args := make([]json.RawMessage, len(jsArgs))
		for i, a := range jsArgs {
			raw, err := e.encodeValue(a)
			if err != nil {
				e.throw(fmt.Sprintf("%s: encoding argument %d: %v", name, i, err))
				return nil
			}
			args[i] = raw
		}

		result, err := fn(args)
		if err != nil {
			e.throw(fmt.Sprintf("%s: %v", name, err))
			return nil
		}
		if result == nil {
			return v8.Undefined(e.iso)
		}
		data, err := json.Marshal(result)
		if err != nil {
			e.throw(fmt.Sprintf("%s: encoding result: %v", name, err))
			return nil
		}
		out, err := e.parseJSON(data)
		if err != nil {
			e.throw(fmt.Sprintf("%s: decoding result: %v", name, err))
			return nil
		}
		return out
	})
	return e.ctx.Global().Set(name, tmpl.GetFunction(e.ctx))
}

// PutSlot stores a JSON value in the shared slot, replacing any previous
// occupant. Scripts read it with jsbridge.take().
func (e *Engine) PutSlot(raw json.RawMessage) {
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	e.slot = &cp
}

// TakeSlot removes and returns the shared slot value, if any. Scripts fill
// it with jsbridge.put(value).
func (e *Engine) TakeSlot() (json.RawMessage, bool) {
	if e.slot == nil {
		return nil, false
	}
	raw := *e.slot
	e.slot = nil
	return raw, true
}
