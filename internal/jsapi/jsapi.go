// Package jsapi installs the host API scripts see: console, timers, echo,
// exit, handleRequest, onShutdown and the sapi object. It also owns the
// per-request JS snippets the thread runs around every unit of work.
package jsapi

import (
	"fmt"
	"log/slog"

	"github.com/cryguy/sapi/internal/core"
	"github.com/cryguy/sapi/internal/eventloop"
	"github.com/cryguy/sapi/internal/hashtable"
)

// Options configures the setup functions for one context.
type Options struct {
	ThreadIndex int
	Logger      *slog.Logger
	// Version is published as sapi.version.
	Version string
}

// SetupFuncs returns the setup functions in the order they must run.
func SetupFuncs(opts Options) []core.SetupFunc {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return []core.SetupFunc{
		setupSapiObject(opts),
		setupConsole(opts.Logger, opts.ThreadIndex),
		setupConsoleExt,
		setupTimers,
		setupOutput,
		setupExit,
		setupWorker,
	}
}

func setupSapiObject(opts Options) core.SetupFunc {
	return func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
		return rt.Eval(fmt.Sprintf(`globalThis.sapi = {
	workerMode: false,
	threadIndex: %d,
	version: %s,
};`, opts.ThreadIndex, core.JsEscape(opts.Version)))
	}
}

// SetWorkerMode publishes the context's mode flag as sapi.workerMode.
func SetWorkerMode(rt core.JSRuntime, worker bool) error {
	return rt.Eval(fmt.Sprintf("globalThis.sapi.workerMode = %t;", worker))
}

// SetServer materialises arr as globalThis.$_SERVER.
func SetServer(rt core.JSRuntime, arr *hashtable.Array) error {
	return setArray(rt, "$_SERVER", arr)
}

// SetArgv publishes the CLI arguments as $argv and $argc and mirrors them
// into $_SERVER when it exists.
func SetArgv(rt core.JSRuntime, argv *hashtable.Array) error {
	if err := setArray(rt, "$argv", argv); err != nil {
		return err
	}
	return rt.Eval(fmt.Sprintf(`globalThis.$argc = %d;
if (globalThis.$_SERVER) { $_SERVER.argv = $argv; $_SERVER.argc = $argc; }`, argv.Len()))
}

func setArray(rt core.JSRuntime, name string, arr *hashtable.Array) error {
	data, err := arr.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	if err := rt.SetGlobal("__tmp_env_json", string(data)); err != nil {
		return err
	}
	return rt.Eval(fmt.Sprintf(`globalThis[%s] = JSON.parse(globalThis.__tmp_env_json); delete globalThis.__tmp_env_json;`, core.JsEscape(name)))
}
