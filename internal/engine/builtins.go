package engine

import (
	"time"

	v8 "github.com/tommie/v8go"
)

// bootstrapJS sets up the engine-internal bridge namespace and the small
// script-facing API. It runs once per context, before any module code.
const bootstrapJS = `
(function() {
	'use strict';
	var bridge = {
		modules: Object.create(null),
		pendingEntrypoint: undefined,
		require: function(specifier, referrer) {
			var id = __bridge_resolve(specifier, referrer);
			return bridge.modules[id];
		}
	};
	globalThis.__bridge = bridge;

	globalThis.setTimeout = function(cb, delay) { return __bridge_set_timer(cb, delay || 0, false); };
	globalThis.setInterval = function(cb, delay) { return __bridge_set_timer(cb, delay || 0, true); };
	globalThis.clearTimeout = function(id) { __bridge_clear_timer(id); };
	globalThis.clearInterval = function(id) { __bridge_clear_timer(id); };

	var api = {
		registerEntrypoint: function(fn) { bridge.pendingEntrypoint = fn; },
		put: function(value) { __bridge_put(JSON.stringify(value === undefined ? null : value)); },
		take: function() {
			var raw = __bridge_take();
			return raw === undefined || raw === null ? undefined : JSON.parse(raw);
		}
	};
	if (typeof __bridge_shared_get === 'function') {
		api.shared = {
			get: function(key) { return __bridge_shared_get(String(key)); },
			set: function(key, value) { __bridge_shared_set(String(key), String(value)); }
		};
	}
	globalThis.jsbridge = api;
})();
`

func (e *Engine) setBuiltin(name string, fn func(info *v8.FunctionCallbackInfo) *v8.Value) error {
	tmpl := v8.NewFunctionTemplate(e.iso, fn)
	return e.ctx.Global().Set(name, tmpl.GetFunction(e.ctx))
}

func (e *Engine) installBuiltins() error {
	// Import resolution, called by __bridge.require.
	err := e.setBuiltin("__bridge_resolve", func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < 2 {
			e.throw("__bridge_resolve requires a specifier and a referrer")
			return nil
		}
		id, err := e.resolveImport(args[0].String(), args[1].String())
		if err != nil {
			e.resolveErr = err
			e.throw(err.Error())
			return nil
		}
		v, _ := v8.NewValue(e.iso, id)
		return v
	})
	if err != nil {
		return err
	}

	// Go-backed timers behind setTimeout/setInterval.
	err = e.setBuiltin("__bridge_set_timer", func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < 3 {
			e.throw("__bridge_set_timer requires a callback, a delay, and a repeat flag")
			return nil
		}
		cb, err := args[0].AsFunction()
		if err != nil {
			e.throw("timer callback is not a function")
			return nil
		}
		delay := time.Duration(args[1].Number() * float64(time.Millisecond))
		if delay < 0 {
			delay = 0
		}
		id := e.loop.add(cb, delay, args[2].Boolean())
		v, _ := v8.NewValue(e.iso, id)
		return v
	})
	if err != nil {
		return err
	}

	err = e.setBuiltin("__bridge_clear_timer", func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) >= 1 {
			e.loop.clear(args[0].Int32())
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Shared host-accessible slot (jsbridge.put/take).
	err = e.setBuiltin("__bridge_put", func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) >= 1 {
			e.PutSlot([]byte(args[0].String()))
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = e.setBuiltin("__bridge_take", func(info *v8.FunctionCallbackInfo) *v8.Value {
		raw, ok := e.TakeSlot()
		if !ok {
			return v8.Undefined(e.iso)
		}
		v, err := v8.NewValue(e.iso, string(raw))
		if err != nil {
			e.throw("taking slot value: " + err.Error())
			return nil
		}
		return v
	})
	if err != nil {
		return err
	}

	// Cross-engine shared store, only when configured.
	if e.opts.Shared != nil {
		err = e.setBuiltin("__bridge_shared_get", func(info *v8.FunctionCallbackInfo) *v8.Value {
			args := info.Args()
			if len(args) < 1 {
				return v8.Undefined(e.iso)
			}
			data, ok := e.opts.Shared.Get(args[0].String())
			if !ok {
				return v8.Undefined(e.iso)
			}
			v, err := v8.NewValue(e.iso, string(data))
			if err != nil {
				e.throw("reading shared store: " + err.Error())
				return nil
			}
			return v
		})
		if err != nil {
			return err
		}

		err = e.setBuiltin("__bridge_shared_set", func(info *v8.FunctionCallbackInfo) *v8.Value {
			args := info.Args()
			if len(args) >= 2 {
				e.opts.Shared.Set(args[0].String(), []byte(args[1].String()))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if _, err := e.ctx.RunScript(bootstrapJS, "bootstrap.js"); err != nil {
		return err
	}
	return nil
}
