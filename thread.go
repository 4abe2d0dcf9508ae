package sapi

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryguy/sapi/internal/backoff"
	"github.com/cryguy/sapi/internal/core"
	"github.com/cryguy/sapi/internal/jsapi"
	"github.com/cryguy/sapi/internal/state"
)

// Thread owns one interpreter context. Every interpreter call runs on the
// thread's goroutine, which is locked to its OS thread; host calls block
// until that goroutine has finished them.
type Thread struct {
	index  int
	p      *process
	state  *state.ThreadState
	logger *slog.Logger

	workMu sync.RWMutex
	work   chan func()
	closed bool
	done   chan struct{}

	worker atomic.Bool

	// only touched on the thread goroutine
	ctx        core.Context
	booted     bool
	generation uint64
	backoff    *backoff.ExponentialBackoff
}

func newThread(p *process, index int) *Thread {
	return &Thread{
		index:  index,
		p:      p,
		state:  state.NewThreadState(),
		logger: p.logger.With(slog.Int("thread", index)),
		backoff: &backoff.ExponentialBackoff{
			MinBackoff:             100 * time.Millisecond,
			MaxBackoff:             time.Second,
			MaxConsecutiveFailures: p.cfg.MaxConsecutiveFailures,
		},
	}
}

// NewThread binds index to a new interpreter context. Calling it again for
// a bound index fails with ErrThreadAlreadyBound and leaves the bound
// thread untouched.
func NewThread(index int) (*Thread, error) {
	p := current()
	if p == nil {
		return nil, ErrNotStarted
	}
	if index < 0 || index >= len(p.threads) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidThreadIndex, index)
	}

	p.mu.Lock()
	if p.threads[index] != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrThreadAlreadyBound, index)
	}
	t := newThread(p, index)
	p.threads[index] = t
	p.mu.Unlock()

	t.worker.Store(p.cfg.WorkerScript != "")
	t.state.Set(state.StateBooting)
	if err := t.start(); err != nil {
		p.mu.Lock()
		p.threads[index] = nil
		p.mu.Unlock()
		t.state.Set(state.StateUnbound)
		return nil, err
	}
	t.state.Set(state.StateBound)
	t.state.MarkAsWaiting(true)
	return t, nil
}

// Index returns the thread's slot in the thread table, or -1 for
// temporary and main threads.
func (t *Thread) Index() int { return t.index }

// State returns the lifecycle state name.
func (t *Thread) State() string { return t.state.Name() }

// WaitTime returns how long the thread has been idle, in ms.
func (t *Thread) WaitTime() int64 { return t.state.WaitTime() }

// start launches the thread goroutine and creates its context.
func (t *Thread) start() error {
	t.work = make(chan func())
	t.done = make(chan struct{})
	go t.loop()

	var err error
	t.do(func() { err = t.ensureContext() })
	if err != nil {
		t.stop()
		return fmt.Errorf("%w: %w", ErrThreadCreation, err)
	}
	return nil
}

func (t *Thread) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.done)
	for fn := range t.work {
		fn()
	}
}

// do runs fn on the thread goroutine and waits for it. It reports false if
// the goroutine has stopped.
func (t *Thread) do(fn func()) bool {
	t.workMu.RLock()
	defer t.workMu.RUnlock()
	if t.closed {
		return false
	}
	finished := make(chan struct{})
	t.work <- func() {
		defer close(finished)
		fn()
	}
	<-finished
	return true
}

// stop closes the context and ends the goroutine.
func (t *Thread) stop() {
	t.do(t.discard)
	t.workMu.Lock()
	if !t.closed {
		t.closed = true
		close(t.work)
	}
	t.workMu.Unlock()
	<-t.done
}

func (t *Thread) ensureContext() error {
	if t.ctx != nil {
		return nil
	}
	ctx, err := t.p.backend.NewContext(core.ContextOptions{
		MemoryLimitMB: t.p.cfg.MemoryLimitMB,
		ThreadIndex:   t.index,
	}, t.p.setupFuncs(t.index))
	if err != nil {
		return err
	}
	if err := jsapi.SetWorkerMode(ctx.Runtime(), t.worker.Load()); err != nil {
		ctx.Close()
		return err
	}
	t.ctx = ctx
	t.booted = false
	return nil
}

// discard closes the context; the next unit of work creates a fresh one.
func (t *Thread) discard() {
	if t.ctx == nil {
		return
	}
	t.ctx.Close()
	t.ctx = nil
	t.booted = false
}

// UpdateContext sets the thread's mode. In worker mode the context
// persists across units of work; otherwise it is replaced after each one.
// Repeating the current mode is a no-op.
func (t *Thread) UpdateContext(isWorker bool) {
	if t.worker.Load() == isWorker {
		return
	}
	t.do(func() {
		if t.worker.Swap(isWorker) == isWorker {
			return
		}
		if !isWorker {
			// a booted worker handler must not leak into one-shot units
			t.discard()
			return
		}
		if t.ctx != nil {
			if err := jsapi.SetWorkerMode(t.ctx.Runtime(), true); err != nil {
				t.discard()
			}
		}
	})
}

// ShutdownDummyRequest runs a unit of work without I/O so end-of-request
// hooks fire. It is safe on a context that never served a request and
// reports false only when the thread is not bound.
func (t *Thread) ShutdownDummyRequest() bool {
	switch t.state.Get() {
	case state.StateUnbound, state.StateDone:
		return false
	}
	return t.do(t.dummyRequest)
}

func (t *Thread) dummyRequest() {
	if t.ctx == nil {
		return
	}
	reqID := core.NewRequestState(true)
	defer core.ClearRequestState(reqID)

	rt := t.ctx.Runtime()
	deadline := time.Now().Add(t.p.cfg.ExecutionTimeout)
	timedOut, err := t.guarded(deadline, func() error {
		if err := jsapi.Begin(rt, reqID); err != nil {
			return err
		}
		return jsapi.End(rt, t.ctx.EventLoop())
	})
	if err != nil || timedOut {
		t.logger.LogAttrs(context.Background(), slog.LevelWarn, "dummy request failed",
			slog.Bool("timed_out", timedOut), slog.Any("error", err))
		if timedOut {
			t.discard()
		}
	}
}

// Retire runs the dummy request, closes the context and unbinds the index
// so NewThread may bind it again.
func (t *Thread) Retire() error {
	if !t.state.RequestSafeStateChange(state.StateRetiring) {
		return ErrThreadNotReady
	}
	t.do(t.dummyRequest)
	t.stop()

	if t.index >= 0 {
		t.p.mu.Lock()
		if t.p.threads[t.index] == t {
			t.p.threads[t.index] = nil
		}
		t.p.mu.Unlock()
	}
	t.state.Set(state.StateUnbound)
	return nil
}

// guarded runs fn under the execution watchdog. Interpreter panics are
// turned into errors.
func (t *Thread) guarded(deadline time.Time, fn func() error) (timedOut bool, err error) {
	var flag atomic.Bool
	ctx := t.ctx
	watchdog := time.AfterFunc(time.Until(deadline), func() {
		flag.Store(true)
		ctx.Interrupt()
	})
	defer func() {
		watchdog.Stop()
		if r := recover(); r != nil {
			err = fmt.Errorf("interpreter panic: %v", r)
		}
		timedOut = flag.Load()
	}()
	err = fn()
	return
}
