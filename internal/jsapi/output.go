package jsapi

import (
	"github.com/cryguy/sapi/internal/core"
	"github.com/cryguy/sapi/internal/eventloop"
)

const outputJS = `
(function() {
	globalThis.echo = function() {
		var id = globalThis.__requestID || '';
		for (var i = 0; i < arguments.length; i++) {
			var v = arguments[i];
			__sapi_write(id, v === undefined || v === null ? '' : String(v));
		}
	};
	globalThis.print = function(v) {
		echo(v);
		return 1;
	};
})();
`

func setupOutput(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__sapi_write", func(reqIDStr, s string) {
		core.Write(core.ParseReqID(reqIDStr), s)
	}); err != nil {
		return err
	}
	return rt.Eval(outputJS)
}

// exitJS defines exit()/die(). The Go side records the status and stops
// the event loop; the thrown SapiExit unwinds the script.
const exitJS = `
(function() {
	function SapiExit(code) {
		this.name = 'SapiExit';
		this.message = 'exit(' + code + ')';
		this.code = code;
	}
	SapiExit.prototype = Object.create(Error.prototype);
	SapiExit.prototype.constructor = SapiExit;
	globalThis.__SapiExit = SapiExit;

	globalThis.exit = globalThis.die = function(status) {
		var code = 0;
		if (typeof status === 'string') {
			echo(status);
		} else if (status !== undefined && status !== null) {
			code = Number(status) | 0;
		}
		__sapi_exit(globalThis.__requestID || '', code);
		throw new SapiExit(code);
	};
})();
`

func setupExit(rt core.JSRuntime, el *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__sapi_exit", func(reqIDStr string, code int) {
		core.SetExit(core.ParseReqID(reqIDStr), code)
		el.Stop()
	}); err != nil {
		return err
	}
	return rt.Eval(exitJS)
}
