package jsbridge

import "sync"

// The process default worker: a lazily started Worker shared by callers
// that do not want to manage one themselves. It exists so short programs
// can run scripts without any setup; anything beyond that should own its
// workers explicitly.

var (
	defaultMu      sync.Mutex
	defaultWorker  *Worker
	defaultOptions WorkerOptions
)

// SetDefaultOptions replaces the options the default worker will be built
// with. It only has an effect before the first use of the default worker.
func SetDefaultOptions(opts WorkerOptions) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultOptions = opts
}

// DefaultWorker returns the process default worker, starting it on first
// use. The default worker is never stopped; it lives for the process.
func DefaultWorker() (*Worker, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultWorker == nil {
		w, err := NewWorker(defaultOptions)
		if err != nil {
			return nil, err
		}
		defaultWorker = w
	}
	return defaultWorker, nil
}

// WithDefault runs fn against the default worker's runtime, on its thread.
func WithDefault(fn func(rt *Runtime) error) error {
	w, err := DefaultWorker()
	if err != nil {
		return err
	}
	return w.With(fn)
}

// EvalDefault evaluates an expression on the default worker.
func EvalDefault(src string) (any, error) {
	w, err := DefaultWorker()
	if err != nil {
		return nil, err
	}
	return w.Eval(src)
}
