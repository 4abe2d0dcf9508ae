//go:build v8

package v8engine

import (
	"fmt"

	v8 "github.com/tommie/v8go"

	"github.com/cryguy/sapi/internal/core"
	"github.com/cryguy/sapi/internal/eventloop"
)

// Backend creates V8 isolates, one context per isolate.
type Backend struct{}

var _ core.Backend = Backend{}

func NewBackend() Backend { return Backend{} }

func (Backend) Name() string { return "v8" }

func (Backend) Version() string { return v8.Version() }

// NewContext creates an isolate and a context and runs all setup functions
// on it. A positive memory limit caps the isolate heap.
func (Backend) NewContext(opts core.ContextOptions, setup []core.SetupFunc) (core.Context, error) {
	var iso *v8.Isolate
	if opts.MemoryLimitMB > 0 {
		heap := uint64(opts.MemoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heap/2, heap))
	} else {
		iso = v8.NewIsolate()
	}
	ctx := v8.NewContext(iso)

	c := &v8Context{iso: iso, ctx: ctx, rt: newRuntime(iso, ctx), el: eventloop.New()}
	for _, fn := range setup {
		if err := fn(c.rt, c.el); err != nil {
			c.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}
	return c, nil
}

type v8Context struct {
	iso *v8.Isolate
	ctx *v8.Context
	rt  *v8Runtime
	el  *eventloop.EventLoop
}

func (c *v8Context) Runtime() core.JSRuntime          { return c.rt }
func (c *v8Context) EventLoop() *eventloop.EventLoop { return c.el }

// Run compiles and runs source under the given script name, then performs a
// microtask checkpoint.
func (c *v8Context) Run(source, name string) error {
	if _, err := c.ctx.RunScript(source, name); err != nil {
		return err
	}
	c.ctx.PerformMicrotaskCheckpoint()
	return nil
}

func (c *v8Context) Interrupt() { c.iso.TerminateExecution() }

func (c *v8Context) Close() {
	c.ctx.Close()
	c.iso.Dispose()
}
