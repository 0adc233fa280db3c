package jsbridge

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestWorker(t *testing.T, opts WorkerOptions) *Worker {
	t.Helper()
	w, err := NewWorker(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		w.Stop()
		w.Join()
	})
	return w
}

func TestWorkerEval(t *testing.T) {
	w := newTestWorker(t, WorkerOptions{})
	got, err := w.Eval("1 + 1")
	if err != nil {
		t.Fatal(err)
	}
	if got != float64(2) {
		t.Fatalf("Eval = %v (%T), want 2", got, got)
	}
}

func TestWorkerLoadAndCall(t *testing.T) {
	w := newTestWorker(t, WorkerOptions{})
	id, err := w.Load(NewModule("main.js", `
		export function shout(s) { return s.toUpperCase(); }
	`))
	if err != nil {
		t.Fatal(err)
	}

	got, err := w.Call(id, "shout", "quiet")
	if err != nil {
		t.Fatal(err)
	}
	if got != "QUIET" {
		t.Fatalf("shout = %v", got)
	}

	val, err := w.GetValue(id, "shout")
	if err != nil {
		t.Fatal(err)
	}
	// Functions stringify to null through JSON; presence is enough here.
	_ = val
}

func TestWorkerEntrypoint(t *testing.T) {
	w := newTestWorker(t, WorkerOptions{
		Runtime: RuntimeOptions{DefaultEntrypoint: "main"},
	})
	id, err := w.Load(NewModule("main.js", `
		export function main(n) { return n + 1; }
	`))
	if err != nil {
		t.Fatal(err)
	}

	got, err := w.CallEntrypoint(id, 41)
	if err != nil {
		t.Fatal(err)
	}
	if got != float64(42) {
		t.Fatalf("entrypoint = %v", got)
	}

	if _, err := w.CallEntrypoint(999); !IsKind(err, KindModuleNotFound) {
		t.Fatalf("unknown module id: err = %v, want KindModuleNotFound", err)
	}
}

func TestWorkerSerializesQueries(t *testing.T) {
	w := newTestWorker(t, WorkerOptions{})
	if _, err := w.Eval("globalThis.n = 0"); err != nil {
		t.Fatal(err)
	}

	const goroutines = 8
	const perGoroutine = 25

	var wg sync.WaitGroup
	errs := make(chan error, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				if _, err := w.Eval("globalThis.n += 1"); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	got, err := w.Eval("globalThis.n")
	if err != nil {
		t.Fatal(err)
	}
	if got != float64(goroutines*perGoroutine) {
		t.Fatalf("n = %v, want %d", got, goroutines*perGoroutine)
	}
}

func TestWorkerStop(t *testing.T) {
	w, err := NewWorker(WorkerOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Eval("1"); err != nil {
		t.Fatal(err)
	}

	w.Stop()
	w.Join()
	w.Stop() // idempotent

	if _, err := w.Eval("1"); !IsKind(err, KindWorkerStopped) {
		t.Fatalf("after stop: err = %v, want KindWorkerStopped", err)
	}
}

func TestWorkerReset(t *testing.T) {
	w := newTestWorker(t, WorkerOptions{})
	id, err := w.Load(NewModule("main.js", `export const x = 1;`))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Reset(); err != nil {
		t.Fatal(err)
	}
	if _, err := w.CallEntrypoint(id); !IsKind(err, KindModuleNotFound) {
		t.Fatalf("module id survived reset: %v", err)
	}
	// Loading works again after reset.
	if _, err := w.Load(NewModule("main.js", `export const x = 2;`)); err != nil {
		t.Fatal(err)
	}
}

func TestWorkerQueryPanicKeepsWorkerAlive(t *testing.T) {
	w := newTestWorker(t, WorkerOptions{})

	err := w.With(func(rt *Runtime) error { panic("exploding query") })
	if !IsKind(err, KindRuntime) {
		t.Fatalf("err = %v, want KindRuntime", err)
	}

	got, err := w.Eval("1 + 1")
	if err != nil {
		t.Fatalf("worker dead after query panic: %v", err)
	}
	if got != float64(2) {
		t.Fatalf("Eval = %v", got)
	}
}

func TestWorkerStopAnswersEveryCommittedQuery(t *testing.T) {
	w, err := NewWorker(WorkerOptions{QueueSize: 4})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				reply, err := w.Send(Query{Kind: QueryEval, Source: "1"})
				if err != nil {
					if !IsKind(err, KindWorkerStopped) {
						t.Errorf("Send = %v, want KindWorkerStopped", err)
					}
					return
				}
				// A committed query must always be answered.
				select {
				case <-reply:
				case <-time.After(10 * time.Second):
					t.Error("committed query never got a response")
					return
				}
			}
		}()
	}

	w.Stop()
	w.Join()
	wg.Wait()
}

func TestWorkerScriptErrorDoesNotKillWorker(t *testing.T) {
	w := newTestWorker(t, WorkerOptions{})
	if _, err := w.Eval("throw new Error('bad')"); !IsKind(err, KindRuntime) {
		t.Fatalf("err = %v, want KindRuntime", err)
	}
	got, err := w.Eval("2 + 2")
	if err != nil {
		t.Fatalf("worker unusable after script error: %v", err)
	}
	if got != float64(4) {
		t.Fatalf("Eval = %v", got)
	}
}

func TestWorkerStartupFailure(t *testing.T) {
	_, err := NewWorker(WorkerOptions{
		EngineFactory: func(RuntimeOptions) (*Runtime, error) {
			return nil, fmt.Errorf("no engine today")
		},
	})
	if err == nil {
		t.Fatal("expected a construction error")
	}
}

func TestWorkerStartupPanicBecomesError(t *testing.T) {
	_, err := NewWorker(WorkerOptions{
		EngineFactory: func(RuntimeOptions) (*Runtime, error) {
			panic("factory exploded")
		},
	})
	if !IsKind(err, KindRuntime) {
		t.Fatalf("err = %v, want KindRuntime", err)
	}
}

func TestWorkerWith(t *testing.T) {
	w := newTestWorker(t, WorkerOptions{})
	var n int
	err := w.With(func(rt *Runtime) error {
		return rt.Eval("6 * 7", &n)
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 42 {
		t.Fatalf("With eval = %d", n)
	}
}

func TestWorkerFIFOOrder(t *testing.T) {
	w := newTestWorker(t, WorkerOptions{QueueSize: 64})
	if _, err := w.Eval("globalThis.seen = []"); err != nil {
		t.Fatal(err)
	}

	// Queue from one goroutine; responses must reflect queue order.
	var replies []<-chan Response
	for i := 0; i < 10; i++ {
		reply, err := w.Send(Query{Kind: QueryEval, Source: fmt.Sprintf("seen.push(%d); seen.length", i)})
		if err != nil {
			t.Fatal(err)
		}
		replies = append(replies, reply)
	}
	for i, reply := range replies {
		resp := <-reply
		if resp.Err != nil {
			t.Fatal(resp.Err)
		}
		if resp.Value != float64(i+1) {
			t.Fatalf("query %d saw length %v, want %d", i, resp.Value, i+1)
		}
	}
}
