package jsbridge

import "sync/atomic"

// WorkerPool is a fixed set of workers handed out round-robin. Each worker
// holds an independent runtime; nothing is shared between them unless the
// options carry a SharedStore.
type WorkerPool struct {
	workers []*Worker
	cursor  atomic.Uint64
}

// NewWorkerPool starts size workers with identical options. If any worker
// fails to start, the ones already started are stopped and the error is
// returned.
func NewWorkerPool(size int, opts WorkerOptions) (*WorkerPool, error) {
	if size <= 0 {
		return nil, newError(KindRuntime, "pool size must be positive, got %d", size)
	}
	pool := &WorkerPool{workers: make([]*Worker, 0, size)}
	for i := 0; i < size; i++ {
		w, err := NewWorker(opts)
		if err != nil {
			for _, started := range pool.workers {
				started.Stop()
			}
			for _, started := range pool.workers {
				started.Join()
			}
			return nil, err
		}
		pool.workers = append(pool.workers, w)
	}
	return pool, nil
}

// NextWorker returns the next worker in round-robin order. Safe for
// concurrent use.
func (p *WorkerPool) NextWorker() *Worker {
	n := p.cursor.Add(1) - 1
	return p.workers[n%uint64(len(p.workers))]
}

// Size returns the number of workers in the pool.
func (p *WorkerPool) Size() int { return len(p.workers) }

// Stop stops every worker. Pending queries already queued still run.
func (p *WorkerPool) Stop() {
	for _, w := range p.workers {
		w.Stop()
	}
}

// Join waits for every worker thread to exit.
func (p *WorkerPool) Join() {
	for _, w := range p.workers {
		w.Join()
	}
}
