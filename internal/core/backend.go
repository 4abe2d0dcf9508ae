package core

import "github.com/cryguy/sapi/internal/eventloop"

// Backend is the interface that engine implementations (QuickJS, V8)
// must satisfy. The root sapi package picks one of these based on build
// tags and drives every thread through it.
type Backend interface {
	// Name identifies the engine ("quickjs", "v8").
	Name() string

	// Version returns the engine version string, e.g. "0.17.1".
	Version() string

	// NewContext allocates one interpreter instance and runs setup on it.
	// The returned Context must only be used from the goroutine that
	// created it.
	NewContext(opts ContextOptions, setup []SetupFunc) (Context, error)
}

// SetupFunc installs host functions and polyfills into a fresh context.
type SetupFunc func(rt JSRuntime, el *eventloop.EventLoop) error

// ContextOptions configures a single interpreter instance.
type ContextOptions struct {
	MemoryLimitMB int // 0 means no limit
	ThreadIndex   int
}

// Context is one interpreter instance together with its event loop.
type Context interface {
	Runtime() JSRuntime
	EventLoop() *eventloop.EventLoop

	// Run compiles and runs a script. name is used in stack traces.
	Run(source, name string) error

	// Interrupt aborts the script currently running. Safe to call from
	// any goroutine.
	Interrupt()

	// Close releases the interpreter. The Context must not be used again.
	Close()
}
