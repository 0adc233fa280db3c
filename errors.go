package jsbridge

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every error this library can return. Engine-level
// failures are converted to one of these kinds at the point they cross into
// host code; none are passed through untyped.
type ErrorKind int

const (
	// KindRuntime is the catch-all for engine-reported execution failures
	// (thrown script exceptions) and worker thread panics.
	KindRuntime ErrorKind = iota

	// KindMissingEntrypoint means CallEntrypoint was invoked on a handle
	// whose load resolved no entrypoint.
	KindMissingEntrypoint

	// KindValueNotFound means a named global/export lookup failed, or the
	// binding resolved to null or undefined.
	KindValueNotFound

	// KindValueNotCallable means a resolved binding exists but is not a
	// function.
	KindValueNotCallable

	// KindV8Encoding means a host value could not be encoded for the engine.
	KindV8Encoding

	// KindJsonDecode means an engine value could not be decoded into the
	// requested host type.
	KindJsonDecode

	// KindModuleNotFound means a module could not be loaded from the
	// filesystem, or an import specifier could not be resolved.
	KindModuleNotFound

	// KindWorkerStopped means a send or receive was attempted on a worker
	// that has already stopped.
	KindWorkerStopped

	// KindTimeout means the configured execution deadline elapsed before the
	// operation completed. The in-flight operation was aborted; partial
	// script side effects are not rolled back.
	KindTimeout

	// KindHeapExhausted means the engine hit its configured memory ceiling.
	// The condition is sticky: every subsequent operation on the same
	// runtime fails with this kind until the runtime is discarded.
	KindHeapExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindMissingEntrypoint:
		return "missing entrypoint"
	case KindValueNotFound:
		return "value not found"
	case KindValueNotCallable:
		return "value not callable"
	case KindV8Encoding:
		return "v8 encoding"
	case KindJsonDecode:
		return "json decode"
	case KindModuleNotFound:
		return "module not found"
	case KindWorkerStopped:
		return "worker stopped"
	case KindTimeout:
		return "timeout"
	case KindHeapExhausted:
		return "heap exhausted"
	default:
		return "runtime"
	}
}

// Error is the typed error returned by every fallible API in this package.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports kind equality so that errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// IsKind reports whether err (or any error it wraps) is an *Error of kind k.
func IsKind(err error, k ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func newError(k ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

func wrapError(k ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func errMissingEntrypoint(filename string) *Error {
	return newError(KindMissingEntrypoint,
		"%s has no entrypoint. Register one, or configure a default on the runtime", filename)
}

func errValueNotFound(name string) *Error {
	return newError(KindValueNotFound, "%s could not be found in global, or module exports", name)
}

func errValueNotCallable(name string) *Error {
	return newError(KindValueNotCallable, "%s is not a function", name)
}

func errDecodeKind(expected, actual string) *Error {
	return newError(KindJsonDecode, "expected a %s, found `%s`", expected, actual)
}
