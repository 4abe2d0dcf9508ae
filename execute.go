package sapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cryguy/sapi/internal/cgi"
	"github.com/cryguy/sapi/internal/core"
	"github.com/cryguy/sapi/internal/jsapi"
	"github.com/cryguy/sapi/internal/serialize"
	"github.com/cryguy/sapi/internal/state"
)

// Exit status reported for uncaught errors, compile errors and timeouts.
const ExitFailure = 255

// ExecuteScript runs the script at path as one unit of work and returns
// its exit status.
func (t *Thread) ExecuteScript(path string, req *Request) int {
	r := Request{}
	if req != nil {
		r = *req
	}
	r.ScriptPath = path
	return t.Execute(&r).ExitCode
}

// Execute runs one unit of work. Concurrent calls on one thread run one
// after another. A nil req runs an empty unit of work.
func (t *Thread) Execute(req *Request) *Result {
	start := time.Now()
	if req == nil {
		req = &Request{}
	}
	if !t.acquire() {
		return &Result{ExitCode: ExitFailure, Error: ErrThreadNotReady}
	}
	t.state.MarkAsWaiting(false)
	defer func() {
		t.state.MarkAsWaiting(true)
		t.state.CompareAndSwap(state.StateServing, state.StateBound)
	}()

	var res *Result
	if !t.do(func() { res = t.execute(req) }) {
		res = &Result{ExitCode: ExitFailure, Error: ErrThreadNotReady}
	}
	res.Duration = time.Since(start)

	if t.logger.Enabled(context.Background(), slog.LevelDebug) {
		t.logger.LogAttrs(context.Background(), slog.LevelDebug, "unit of work done",
			slog.String("script", req.ScriptPath),
			slog.Int("exit", res.ExitCode),
			slog.Duration("duration", res.Duration),
			slog.Any("error", res.Error))
	}
	return res
}

// acquire moves the thread from Bound to Serving, waiting while another
// unit of work is running.
func (t *Thread) acquire() bool {
	for {
		if t.state.CompareAndSwap(state.StateBound, state.StateServing) {
			return true
		}
		switch t.state.Get() {
		case state.StateUnbound, state.StateRetiring, state.StateDone:
			return false
		}
		t.state.WaitFor(state.StateBound, state.StateUnbound, state.StateRetiring, state.StateDone)
	}
}

// execute runs on the thread goroutine.
func (t *Thread) execute(req *Request) *Result {
	res := &Result{}
	isWorker := t.worker.Load()
	workerScript := isWorker && t.p.cfg.WorkerScript != ""

	if err := t.ensureContext(); err != nil {
		res.ExitCode = ExitFailure
		res.Error = fmt.Errorf("%w: %w", ErrThreadCreation, err)
		return res
	}
	if workerScript {
		if err := t.ensureWorker(); err != nil {
			res.ExitCode = ExitFailure
			res.Error = err
			return res
		}
	}

	var code, name string
	switch {
	case workerScript:
		code, name = jsapi.DispatchJS, "dispatch.js"
	case req.Code != "":
		code, name = req.Code, "eval.js"
	default:
		var err error
		if code, err = t.p.opcache.Get(req.ScriptPath); err != nil {
			res.ExitCode = ExitFailure
			res.Error = err
			if !isWorker {
				t.discard()
			}
			return res
		}
		name = req.ScriptPath
	}

	env := cgi.Build(req.Vars, req.Headers, req.Env)

	reqID := core.NewRequestState(false)
	rt := t.ctx.Runtime()
	el := t.ctx.EventLoop()
	deadline := time.Now().Add(t.p.cfg.ExecutionTimeout)

	var pending bool
	timedOut, runErr := t.guarded(deadline, func() error {
		if err := jsapi.Begin(rt, reqID); err != nil {
			return err
		}
		if err := jsapi.SetServer(rt, env); err != nil {
			return err
		}
		if len(req.Argv) > 0 {
			if err := jsapi.SetArgv(rt, cgi.AppendValues(req.Argv)); err != nil {
				return err
			}
		}
		runErr := t.ctx.Run(code, name)
		if runErr == nil {
			runErr = el.Drain(rt, deadline)
			// Drain only leaves timers behind when they would fire past
			// the deadline.
			pending = runErr == nil && el.HasPending()
		}
		if runErr == nil && workerScript {
			if reason, rejected := jsapi.Rejection(rt); rejected {
				runErr = errors.New(reason)
			}
		}
		if endErr := jsapi.End(rt, el); runErr == nil {
			runErr = endErr
		}
		return runErr
	})

	st := core.ClearRequestState(reqID)
	if st != nil {
		res.Output = st.Output.Bytes()
		res.Logs = st.Logs
	}

	switch {
	case st != nil && st.Exited:
		res.ExitCode = st.ExitCode
	case timedOut || pending:
		res.ExitCode = ExitFailure
		res.Error = fmt.Errorf("%w (limit: %v)", ErrTimeout, t.p.cfg.ExecutionTimeout)
	case runErr != nil:
		res.ExitCode = ExitFailure
		res.Error = fmt.Errorf("uncaught error: %w", runErr)
	}

	if !isWorker || timedOut || pending {
		if timedOut || pending {
			t.logger.LogAttrs(context.Background(), slog.LevelWarn, "discarding context after timeout",
				slog.String("script", req.ScriptPath))
		}
		t.discard()
	}
	return res
}

// ensureWorker boots the worker script if the context has no handler yet
// or the opcode cache was reset since the last boot. Failed boots are
// retried with exponential backoff.
func (t *Thread) ensureWorker() error {
	gen := t.p.generation.Load()
	if t.booted && t.generation == gen {
		return nil
	}
	if t.booted {
		t.logger.LogAttrs(context.Background(), slog.LevelInfo, "reloading worker script")
		t.discard()
	}

	for {
		t.backoff.Wait()
		err := t.ensureContext()
		if err == nil {
			err = t.bootWorker()
		}
		if err == nil {
			t.backoff.RecordSuccess()
			t.booted = true
			t.generation = gen
			return nil
		}

		t.logger.LogAttrs(context.Background(), slog.LevelWarn, "worker script failed to boot",
			slog.String("script", t.p.cfg.WorkerScript),
			slog.Int("failures", t.backoff.FailureCount()+1),
			slog.Any("error", err))
		t.discard()
		if t.backoff.RecordFailure() {
			return fmt.Errorf("%w: %w", ErrWorkerBoot, err)
		}
	}
}

// bootWorker runs the worker script inside a dummy request. The script
// must register a handler with handleRequest.
func (t *Thread) bootWorker() error {
	code, err := t.p.opcache.Get(t.p.cfg.WorkerScript)
	if err != nil {
		return err
	}

	reqID := core.NewRequestState(true)
	rt := t.ctx.Runtime()
	deadline := time.Now().Add(t.p.cfg.ExecutionTimeout)
	timedOut, err := t.guarded(deadline, func() error {
		if err := jsapi.Begin(rt, reqID); err != nil {
			return err
		}
		return t.ctx.Run(code, t.p.cfg.WorkerScript)
	})
	st := core.ClearRequestState(reqID)

	switch {
	case timedOut:
		return ErrTimeout
	case st != nil && st.Exited:
		return fmt.Errorf("worker script exited with status %d", st.ExitCode)
	case err != nil:
		return err
	case !jsapi.HasHandler(rt):
		return errors.New("worker script did not call handleRequest")
	}

	t.dummyRequest()
	return nil
}

// Serialize calls the script-visible serialize routine on h's value. The
// returned slice belongs to the caller.
func (t *Thread) Serialize(h Handle) ([]byte, bool) {
	var res serialize.Result
	ok := t.do(func() {
		if t.ctx != nil {
			res = serialize.Serialize(t.ctx.Runtime(), h)
		}
	})
	return res.Data, ok && res.OK
}

// Unserialize passes a copy of data to the script-visible unserialize
// routine. The returned handle must be released even when ok is false.
func (t *Thread) Unserialize(data []byte) (h Handle, ok bool) {
	var res serialize.Result
	t.do(func() {
		if err := t.ensureContext(); err != nil {
			return
		}
		res = serialize.Unserialize(t.ctx.Runtime(), data)
	})
	return res.Handle, res.OK
}

// Capture evaluates expr and holds its value in a new handle.
func (t *Thread) Capture(expr string) (Handle, error) {
	var (
		h   Handle
		err error
	)
	if !t.do(func() {
		if err = t.ensureContext(); err != nil {
			return
		}
		h, err = serialize.Capture(t.ctx.Runtime(), expr)
	}) {
		return 0, ErrThreadNotReady
	}
	return h, err
}

// JSON returns the JSON encoding of h's value.
func (t *Thread) JSON(h Handle) (string, error) {
	var (
		s   string
		err error = serialize.ErrInvalidHandle
	)
	if !t.do(func() {
		if t.ctx != nil {
			s, err = serialize.JSON(t.ctx.Runtime(), h)
		}
	}) {
		return "", ErrThreadNotReady
	}
	return s, err
}

// Release drops h. Handles do not survive a context reset.
func (t *Thread) Release(h Handle) error {
	err := serialize.ErrInvalidHandle
	if !t.do(func() {
		if t.ctx != nil {
			err = serialize.Release(t.ctx.Runtime(), h)
		}
	}) {
		return ErrThreadNotReady
	}
	return err
}
