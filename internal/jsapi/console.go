package jsapi

import (
	"context"
	"log/slog"

	"github.com/cryguy/sapi/internal/core"
	"github.com/cryguy/sapi/internal/eventloop"
)

// setupConsole replaces globalThis.console with a Go-backed version that
// captures output into the per-request log buffer and mirrors it to the
// logger at debug level.
func setupConsole(logger *slog.Logger, threadIndex int) core.SetupFunc {
	return func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
		if err := rt.RegisterFunc("__console", func(reqIDStr, level, message string) {
			core.AddLog(core.ParseReqID(reqIDStr), level, message)
			if logger.Enabled(context.Background(), slog.LevelDebug) {
				logger.LogAttrs(context.Background(), slog.LevelDebug, "console",
					slog.Int("thread", threadIndex),
					slog.String("level", level),
					slog.String("message", message))
			}
		}); err != nil {
			return err
		}
		return rt.Eval(consoleJS)
	}
}

const consoleJS = `
(function() {
	function fmt(arg) {
		if (typeof arg === 'string') return arg;
		if (typeof arg === 'object' && arg !== null) {
			if (arg instanceof Error) return arg.name + ': ' + arg.message;
			try { return JSON.stringify(arg); } catch (e) { return '[object Object]'; }
		}
		return String(arg);
	}
	var levels = ['log', 'info', 'warn', 'error', 'debug'];
	var con = {};
	levels.forEach(function(lvl) {
		con[lvl] = function() {
			var parts = [];
			for (var j = 0; j < arguments.length; j++) parts.push(fmt(arguments[j]));
			__console(globalThis.__requestID || '', lvl, parts.join(' '));
		};
	});
	globalThis.console = con;
})();
`

// consoleExtJS adds the counting, timing and assertion helpers.
const consoleExtJS = `
(function() {
var timers = {};
var counters = {};

console.time = function(label) {
	timers[label || 'default'] = Date.now();
};
console.timeEnd = function(label) {
	var l = label || 'default';
	if (timers[l] === undefined) { console.warn('Timer "' + l + '" does not exist'); return; }
	var elapsed = Date.now() - timers[l];
	delete timers[l];
	console.log(l + ': ' + elapsed + 'ms');
};
console.count = function(label) {
	var l = label || 'default';
	counters[l] = (counters[l] || 0) + 1;
	console.log(l + ': ' + counters[l]);
};
console.countReset = function(label) {
	counters[label || 'default'] = 0;
};
console.assert = function(cond) {
	if (cond) return;
	var args = Array.prototype.slice.call(arguments, 1);
	console.error.apply(null, ['Assertion failed'].concat(args));
};
console.table = console.dir = function(data) {
	console.log(JSON.stringify(data, null, 2));
};
})();
`

func setupConsoleExt(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	return rt.Eval(consoleExtJS)
}
