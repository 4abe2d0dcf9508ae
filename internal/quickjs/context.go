//go:build !v8

package quickjs

import (
	"fmt"
	"runtime/debug"
	"strings"

	"modernc.org/quickjs"

	"github.com/cryguy/sapi/internal/core"
	"github.com/cryguy/sapi/internal/eventloop"
)

const modulePath = "modernc.org/quickjs"

// fallbackVersion is reported when build info is unavailable (e.g. tests
// built without module support).
const fallbackVersion = "0.17.1"

// Backend creates QuickJS interpreter contexts.
type Backend struct{}

var _ core.Backend = Backend{}

// NewBackend returns the QuickJS backend.
func NewBackend() Backend { return Backend{} }

func (Backend) Name() string { return "quickjs" }

// Version reports the version of the embedded QuickJS module.
func (Backend) Version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return fallbackVersion
	}
	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			if dep.Replace != nil {
				dep = dep.Replace
			}
			return strings.TrimPrefix(dep.Version, "v")
		}
	}
	return fallbackVersion
}

// NewContext creates a single QuickJS VM and runs all setup functions on it.
func (Backend) NewContext(opts core.ContextOptions, setup []core.SetupFunc) (core.Context, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}

	if opts.MemoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(opts.MemoryLimitMB) * 1024 * 1024)
	}

	c := &qjsContext{vm: vm, rt: newRuntime(vm), el: eventloop.New()}
	for _, fn := range setup {
		if err := fn(c.rt, c.el); err != nil {
			vm.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}
	return c, nil
}

// qjsContext is one QuickJS VM with its event loop.
type qjsContext struct {
	vm *quickjs.VM
	rt *qjsRuntime
	el *eventloop.EventLoop
}

func (c *qjsContext) Runtime() core.JSRuntime          { return c.rt }
func (c *qjsContext) EventLoop() *eventloop.EventLoop { return c.el }

// Run evaluates source in global scope and pumps microtasks. QuickJS takes
// no file name for global evaluation, so name is unused.
func (c *qjsContext) Run(source, _ string) error {
	v, err := c.vm.EvalValue(source, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	c.rt.RunMicrotasks()
	return nil
}

func (c *qjsContext) Interrupt() { c.vm.Interrupt() }

func (c *qjsContext) Close() { c.vm.Close() }
