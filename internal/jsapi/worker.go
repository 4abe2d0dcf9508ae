package jsapi

import (
	"strconv"

	"github.com/cryguy/sapi/internal/core"
	"github.com/cryguy/sapi/internal/eventloop"
)

const workerJS = `
(function() {
	globalThis.__sapi_shutdown = [];
	globalThis.handleRequest = function(fn) {
		if (typeof fn !== 'function') throw new TypeError('handleRequest expects a function');
		if (!globalThis.sapi.workerMode) return false;
		globalThis.__sapi_handler = fn;
		return true;
	};
	globalThis.onShutdown = function(fn) {
		if (typeof fn !== 'function') throw new TypeError('onShutdown expects a function');
		globalThis.__sapi_shutdown.push({ fn: fn, args: Array.prototype.slice.call(arguments, 1) });
	};
})();
`

func setupWorker(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	return rt.Eval(workerJS)
}

// cleanupJS removes per-request globals left over from the previous unit
// of work. Built-in APIs and Go-registered helpers are preserved.
const cleanupJS = `
(function() {
	var perRequest = ['__requestID', '$_SERVER', '$argv', '$argc', '__sapi_rejection'];
	for (var i = 0; i < perRequest.length; i++) {
		try { delete globalThis[perRequest[i]]; } catch (e) {}
	}
	var names = Object.getOwnPropertyNames(globalThis);
	for (var i = 0; i < names.length; i++) {
		if (names[i].indexOf('__tmp_') === 0) {
			try { delete globalThis[names[i]]; } catch (e) {}
		}
	}
})();
`

// Begin clears the previous request's globals and binds reqID.
func Begin(rt core.JSRuntime, reqID uint64) error {
	if err := rt.Eval(cleanupJS); err != nil {
		return err
	}
	return rt.SetGlobal("__requestID", strconv.FormatUint(reqID, 10))
}

// endJS runs the onShutdown callbacks in registration order. Every
// callback runs; the first error other than exit() is rethrown.
const endJS = `
(function() {
	var fns = globalThis.__sapi_shutdown;
	globalThis.__sapi_shutdown = [];
	globalThis.__timerCallbacks = {};
	var err = null;
	for (var i = 0; i < fns.length; i++) {
		try {
			fns[i].fn.apply(null, fns[i].args);
		} catch (e) {
			if (!(e instanceof __SapiExit) && err === null) err = e;
		}
	}
	if (err !== null) throw err;
})();
`

// End runs the end-of-request hooks: onShutdown callbacks, timer reset and
// per-request global cleanup. Cleanup runs even if a callback throws.
func End(rt core.JSRuntime, el *eventloop.EventLoop) error {
	el.Reset()
	err := rt.Eval(endJS)
	rt.RunMicrotasks()
	el.Reset()
	if cerr := rt.Eval(cleanupJS); err == nil {
		err = cerr
	}
	return err
}

// HasHandler reports whether the worker script registered a handler.
func HasHandler(rt core.JSRuntime) bool {
	ok, err := rt.EvalBool(`typeof globalThis.__sapi_handler === 'function'`)
	return err == nil && ok
}

// DispatchJS calls the registered worker handler with $_SERVER. A rejected
// promise is recorded for Rejection.
const DispatchJS = `
(function() {
	var r = globalThis.__sapi_handler(globalThis.$_SERVER);
	if (r && typeof r.then === 'function') {
		r.then(null, function(e) {
			if (e instanceof __SapiExit) return;
			globalThis.__sapi_rejection = (e && e.stack) ? String(e.stack) : String(e);
		});
	}
})();
`

// Rejection returns the reason a worker handler's promise was rejected.
func Rejection(rt core.JSRuntime) (string, bool) {
	if ok, err := rt.EvalBool(`typeof globalThis.__sapi_rejection !== 'undefined'`); err != nil || !ok {
		return "", false
	}
	s, err := rt.EvalString(`globalThis.__sapi_rejection`)
	if err != nil {
		return err.Error(), true
	}
	return s, true
}
