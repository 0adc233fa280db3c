package engine

import (
	"sync"
	"time"

	v8 "github.com/tommie/v8go"
)

// timerEntry is a pending setTimeout or setInterval callback.
type timerEntry struct {
	callback *v8.Function
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int32
}

// eventLoop holds the engine's Go-backed timers. Timer callbacks always run
// on the engine thread; the mutex only guards the bookkeeping, since clears
// can arrive from script while a drain is in progress.
type eventLoop struct {
	mu     sync.Mutex
	timers map[int32]*timerEntry
	nextID int32
}

func newEventLoop() *eventLoop {
	return &eventLoop{timers: make(map[int32]*timerEntry)}
}

// add registers a timer and returns its id.
func (el *eventLoop) add(callback *v8.Function, delay time.Duration, repeat bool) int32 {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.nextID++
	id := el.nextID
	entry := &timerEntry{
		callback: callback,
		deadline: time.Now().Add(delay),
		id:       id,
	}
	if repeat {
		entry.interval = delay
	}
	el.timers[id] = entry
	return id
}

// clear cancels a timer by id.
func (el *eventLoop) clear(id int32) {
	el.mu.Lock()
	defer el.mu.Unlock()
	delete(el.timers, id)
}

// hasPending reports whether any timers remain.
func (el *eventLoop) hasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers) > 0
}

// nextDeadline returns the earliest pending deadline.
func (el *eventLoop) nextDeadline() (time.Time, bool) {
	el.mu.Lock()
	defer el.mu.Unlock()
	var next time.Time
	found := false
	for _, t := range el.timers {
		if !found || t.deadline.Before(next) {
			next = t.deadline
			found = true
		}
	}
	return next, found
}

// fireDue invokes every timer whose deadline has passed, rescheduling
// intervals. Must be called on the engine thread. A callback error stops the
// drain and is returned to the pump.
func (el *eventLoop) fireDue(iso *v8.Isolate, ctx *v8.Context) error {
	for {
		now := time.Now()

		el.mu.Lock()
		var due *timerEntry
		for _, t := range el.timers {
			if t.deadline.After(now) {
				continue
			}
			if due == nil || t.deadline.Before(due.deadline) {
				due = t
			}
		}
		if due == nil {
			el.mu.Unlock()
			return nil
		}
		if due.interval > 0 {
			due.deadline = now.Add(due.interval)
		} else {
			delete(el.timers, due.id)
		}
		cb := due.callback
		el.mu.Unlock()

		undef := v8.Undefined(iso)
		if _, err := cb.Call(undef, undef); err != nil {
			return err
		}
		ctx.PerformMicrotaskCheckpoint()
	}
}

// reset drops all timers.
func (el *eventLoop) reset() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.timers = make(map[int32]*timerEntry)
	el.nextID = 0
}
