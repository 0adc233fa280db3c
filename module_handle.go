package jsbridge

// ModuleHandle identifies a loaded module instance within the runtime that
// produced it. It is created once at the end of a successful load and never
// mutated afterward.
//
// Precondition: a handle is only meaningful against the runtime that created
// it. Using it with a different runtime is a precondition violation and the
// behavior is undefined; it is not guarded against here.
type ModuleHandle struct {
	module     Module
	id         int32
	entrypoint *Function
}

// Module returns the module this handle was created from.
func (h *ModuleHandle) Module() Module { return h.module }

// ID returns the engine-internal module id.
func (h *ModuleHandle) ID() int32 { return h.id }

// HasEntrypoint reports whether load resolved an entrypoint for this module.
func (h *ModuleHandle) HasEntrypoint() bool { return h != nil && h.entrypoint != nil }

// Entrypoint returns the resolved entrypoint function, or nil.
func (h *ModuleHandle) Entrypoint() *Function { return h.entrypoint }
