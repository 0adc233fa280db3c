package jsbridge

import (
	"fmt"
	"log"
	"runtime"
	"sync"
)

// QueryKind selects the operation a worker query performs.
type QueryKind int

const (
	// QueryLoad loads Main plus Side modules; the response carries the new
	// module id.
	QueryLoad QueryKind = iota
	// QueryEval evaluates Source and returns the decoded result.
	QueryEval
	// QueryCall invokes the function named Name on the module identified by
	// Handle (zero means global scope) with Args.
	QueryCall
	// QueryCallEntrypoint invokes the entrypoint of the module identified
	// by Handle with Args.
	QueryCallEntrypoint
	// QueryGetValue looks up Name on the module identified by Handle.
	QueryGetValue
	// QueryReset resets the worker's runtime and forgets loaded modules.
	QueryReset
	// QueryStop shuts the worker down after the queued queries ahead of it.
	QueryStop

	// queryWith runs a host closure on the worker thread.
	queryWith
)

// Query is one unit of work submitted to a Worker. Fields are read
// according to Kind; unused fields are ignored.
type Query struct {
	Kind   QueryKind
	Main   *Module
	Side   []Module
	Handle int32
	Name   string
	Source string
	Args   []any

	with func(rt *Runtime) error
}

// Response is the worker's answer to one Query. Value holds the decoded
// result for kinds that produce one.
type Response struct {
	Value    any
	ModuleID int32
	Err      error
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	// Runtime configures the runtime built on the worker thread.
	Runtime RuntimeOptions

	// QueueSize is the pending-query buffer; zero means 16.
	QueueSize int

	// EngineFactory overrides runtime construction, for callers that need
	// to wrap or pre-load the runtime. Nil means NewRuntime.
	EngineFactory func(RuntimeOptions) (*Runtime, error)
}

type workItem struct {
	query Query
	reply chan Response
}

// Worker owns a Runtime on a dedicated, locked OS thread and serializes
// access to it through a FIFO queue. Unlike Runtime, a Worker is safe to
// use from any goroutine.
type Worker struct {
	queries chan workItem
	joined  chan struct{}

	// mu orders sends against Stop: a query either commits before the
	// stop item (and is answered) or fails with KindWorkerStopped. That
	// keeps the one-response-per-query guarantee.
	mu      sync.Mutex
	stopped bool
}

// NewWorker spawns the worker thread, builds its runtime there and waits
// for the runtime to come up. A construction failure (including a panicking
// extension) is returned here, not on the first query.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	size := opts.QueueSize
	if size <= 0 {
		size = 16
	}
	factory := opts.EngineFactory
	if factory == nil {
		factory = NewRuntime
	}

	w := &Worker{
		queries: make(chan workItem, size),
		joined:  make(chan struct{}),
	}

	ready := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer close(w.joined)

		rt, err := func() (rt *Runtime, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = newError(KindRuntime, "worker startup panic: %v", r)
				}
			}()
			return factory(opts.Runtime)
		}()
		if err != nil {
			ready <- err
			return
		}
		ready <- nil
		defer rt.Close()
		w.serve(rt)
	}()

	if err := <-ready; err != nil {
		return nil, err
	}
	return w, nil
}

// serve is the worker thread's query loop. Queries are answered strictly in
// arrival order. A panic while serving one query is converted into that
// query's error response; the worker keeps running.
func (w *Worker) serve(rt *Runtime) {
	handles := make(map[int32]*ModuleHandle)
	for item := range w.queries {
		if item.query.Kind == QueryStop {
			item.reply <- Response{}
			return
		}
		item.reply <- w.dispatch(rt, handles, item.query)
	}
}

func (w *Worker) dispatch(rt *Runtime, handles map[int32]*ModuleHandle, q Query) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("jsbridge: recovered query panic: %v", r)
			resp = Response{Err: newError(KindRuntime, "query panic: %v", r)}
		}
	}()

	switch q.Kind {
	case QueryLoad:
		if q.Main == nil {
			return Response{Err: newError(KindRuntime, "load query without a main module")}
		}
		handle, err := rt.LoadModules(*q.Main, q.Side...)
		if err != nil {
			return Response{Err: err}
		}
		handles[handle.ID()] = handle
		return Response{ModuleID: handle.ID()}

	case QueryEval:
		var out any
		if err := rt.Eval(q.Source, &out); err != nil {
			return Response{Err: err}
		}
		return Response{Value: out}

	case QueryCall:
		var out any
		if err := rt.CallFunction(handles[q.Handle], q.Name, &out, q.Args...); err != nil {
			return Response{Err: err}
		}
		return Response{Value: out}

	case QueryCallEntrypoint:
		handle, ok := handles[q.Handle]
		if !ok {
			return Response{Err: newError(KindModuleNotFound, "no loaded module with id %d", q.Handle)}
		}
		var out any
		if err := rt.CallEntrypoint(handle, &out, q.Args...); err != nil {
			return Response{Err: err}
		}
		return Response{Value: out}

	case QueryGetValue:
		var out any
		if err := rt.GetValue(handles[q.Handle], q.Name, &out); err != nil {
			return Response{Err: err}
		}
		return Response{Value: out}

	case QueryReset:
		for id := range handles {
			delete(handles, id)
		}
		return Response{Err: rt.Reset()}

	case queryWith:
		return Response{Err: q.with(rt)}
	}
	return Response{Err: newError(KindRuntime, "unknown query kind %d", q.Kind)}
}

// Send enqueues a query and returns the channel its response will arrive
// on. Fails with KindWorkerStopped once the worker is stopping; a query
// that commits is always answered.
func (w *Worker) Send(q Query) (<-chan Response, error) {
	reply := make(chan Response, 1)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil, newError(KindWorkerStopped, "worker is stopped")
	}
	select {
	case w.queries <- workItem{query: q, reply: reply}:
		return reply, nil
	case <-w.joined:
		return nil, newError(KindWorkerStopped, "worker is stopped")
	}
}

// SendAndAwait enqueues a query and blocks for its response.
func (w *Worker) SendAndAwait(q Query) Response {
	reply, err := w.Send(q)
	if err != nil {
		return Response{Err: err}
	}
	select {
	case resp := <-reply:
		return resp
	case <-w.joined:
		return Response{Err: newError(KindWorkerStopped, "worker exited before responding")}
	}
}

// With runs fn on the worker thread against the worker's runtime, after the
// queued queries ahead of it. fn must not retain the runtime.
func (w *Worker) With(fn func(rt *Runtime) error) error {
	return w.SendAndAwait(Query{Kind: queryWith, with: fn}).Err
}

// Load loads main plus side modules and returns the worker-scoped module id.
func (w *Worker) Load(main Module, side ...Module) (int32, error) {
	resp := w.SendAndAwait(Query{Kind: QueryLoad, Main: &main, Side: side})
	return resp.ModuleID, resp.Err
}

// Eval evaluates an expression and returns the decoded result.
func (w *Worker) Eval(src string) (any, error) {
	resp := w.SendAndAwait(Query{Kind: QueryEval, Source: src})
	return resp.Value, resp.Err
}

// Call invokes the named function on the module with the given id (zero
// for global scope).
func (w *Worker) Call(moduleID int32, name string, args ...any) (any, error) {
	resp := w.SendAndAwait(Query{Kind: QueryCall, Handle: moduleID, Name: name, Args: args})
	return resp.Value, resp.Err
}

// CallEntrypoint invokes the entrypoint of the module with the given id.
func (w *Worker) CallEntrypoint(moduleID int32, args ...any) (any, error) {
	resp := w.SendAndAwait(Query{Kind: QueryCallEntrypoint, Handle: moduleID, Args: args})
	return resp.Value, resp.Err
}

// GetValue looks up the named value on the module with the given id.
func (w *Worker) GetValue(moduleID int32, name string) (any, error) {
	resp := w.SendAndAwait(Query{Kind: QueryGetValue, Handle: moduleID, Name: name})
	return resp.Value, resp.Err
}

// Reset resets the worker's runtime and invalidates its module ids.
func (w *Worker) Reset() error {
	return w.SendAndAwait(Query{Kind: QueryReset}).Err
}

// Stop shuts the worker down after the queries already queued. Safe to call
// more than once; later queries fail with KindWorkerStopped. Stop does not
// wait for the thread to exit; Join does.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	reply := make(chan Response, 1)
	select {
	case w.queries <- workItem{query: Query{Kind: QueryStop}, reply: reply}:
	case <-w.joined:
	}
}

// Join blocks until the worker thread has exited. Callers that want an
// orderly shutdown call Stop then Join.
func (w *Worker) Join() {
	<-w.joined
}

// String identifies the worker in logs.
func (w *Worker) String() string {
	return fmt.Sprintf("worker(queue=%d)", cap(w.queries))
}
