package eventloop

import (
	"fmt"
	"sync"
	"time"
)

// Runtime is the part of core.JSRuntime the event loop needs.
type Runtime interface {
	Eval(js string) error
	RunMicrotasks()
}

// timerEntry represents a pending setTimeout or setInterval callback.
// The actual callback is stored in globalThis.__timerCallbacks[id] on the
// JS side. Go only tracks scheduling metadata.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int
	cleared  bool
}

// EventLoop manages Go-backed timers for setTimeout/setInterval.
// Provides real wall-clock delays backed by Go timers.
type EventLoop struct {
	mu      sync.Mutex
	timers  map[int]*timerEntry
	nextID  int
	stopped bool
}

// New creates a new EventLoop.
func New() *EventLoop {
	return &EventLoop{
		timers: make(map[int]*timerEntry),
	}
}

// RegisterTimer creates a timer entry and returns its ID.
// The actual JS callback is stored in globalThis.__timerCallbacks[id].
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.nextID++
	id := el.nextID
	if delay < 0 {
		delay = 0
	}
	entry := &timerEntry{
		deadline: time.Now().Add(delay),
		id:       id,
	}
	if isInterval {
		if delay < 10*time.Millisecond {
			delay = 10 * time.Millisecond // minimum interval
		}
		entry.interval = delay
	}
	el.timers[id] = entry
	return id
}

// ClearTimer cancels a timer by ID.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if t, ok := el.timers[id]; ok {
		t.cleared = true
		delete(el.timers, id)
	}
}

// Stop drops every timer and makes a running Drain return after the
// current callback. Used by exit().
func (el *EventLoop) Stop() {
	el.mu.Lock()
	defer el.mu.Unlock()
	for _, t := range el.timers {
		t.cleared = true
	}
	el.timers = make(map[int]*timerEntry)
	el.stopped = true
}

// fireTimer fires a timer callback by invoking the JS-side callback map.
func (el *EventLoop) fireTimer(rt Runtime, id int) error {
	js := fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		entry.fn.apply(null, entry.args || []);
	})()`, id, id)
	return rt.Eval(js)
}

// Drain fires pending timers until none remain or the deadline is reached.
// A callback that throws does not stop the loop; the first such error is
// returned once draining ends.
// Must be called on the runtime's goroutine (JS engines are single-threaded).
func (el *EventLoop) Drain(rt Runtime, deadline time.Time) error {
	var firstErr error
	for {
		// Find the next timer to fire.
		el.mu.Lock()
		if el.stopped {
			el.mu.Unlock()
			return firstErr
		}
		var next *timerEntry
		for _, t := range el.timers {
			if t.cleared {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) {
				next = t
			}
		}
		el.mu.Unlock()

		if next == nil {
			return firstErr
		}

		// Wait until timer fires or execution deadline.
		now := time.Now()
		if next.deadline.After(now) {
			if next.deadline.After(deadline) {
				return firstErr
			}
			time.Sleep(next.deadline.Sub(now))
		}

		if time.Now().After(deadline) {
			return firstErr
		}

		el.mu.Lock()
		if next.cleared {
			el.mu.Unlock()
			continue
		}
		timerID := next.id
		if next.interval > 0 {
			next.deadline = time.Now().Add(next.interval)
		} else {
			delete(el.timers, next.id)
		}
		el.mu.Unlock()

		if err := el.fireTimer(rt, timerID); err != nil && firstErr == nil {
			firstErr = err
		}
		rt.RunMicrotasks()
	}
}

// HasPending returns true if there are any active timers.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers) > 0
}

// Reset clears all timers. Called at the end of every unit of work.
func (el *EventLoop) Reset() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.timers = make(map[int]*timerEntry)
	el.nextID = 0
	el.stopped = false
}
