// Package serialize bridges host bytes and interpreter values through the
// script-visible serialize/unserialize routines. Routines are looked up by
// name on every call, so a script may replace the defaults at any time.
//
// The bridge never retains caller memory: Unserialize copies its input and
// Serialize returns a fresh slice owned by the caller. Buffers are opaque
// bytes in both directions; unserialize() receives a Uint8Array and
// decodeUTF8 is available to routines that work on text.
package serialize

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/cryguy/sapi/internal/core"
	"github.com/cryguy/sapi/internal/eventloop"
)

// Handle refers to a value held in the context's handle table. Handles are
// only valid in the context that produced them and must be released.
type Handle int

// Result is the outcome of a bridge call.
type Result struct {
	OK     bool
	Data   []byte
	Handle Handle
}

// ErrInvalidHandle is returned for handles the table does not hold.
var ErrInvalidHandle = errors.New("serialize: invalid handle")

// installJS defines the handle table, registerClass and the default
// routines. The defaults encode JSON and tag class instances with their
// constructor name so they decode with the same prototype.
const installJS = `
(function() {
	var slots = new Map();
	var next = 1;
	Object.defineProperty(globalThis, '__sapi_handles', { value: {
		put: function(v) { var id = next++; slots.set(id, v); return id; },
		get: function(id) { return slots.get(id); },
		has: function(id) { return slots.has(id); },
		release: function(id) { return slots.delete(id); },
		size: function() { return slots.size; },
	} });

	var classes = {};
	globalThis.registerClass = function(ctor, name) {
		if (typeof ctor !== 'function') throw new TypeError('registerClass expects a constructor');
		classes[name || ctor.name] = ctor;
	};

	function encodeProps(v) {
		var out = {};
		var keys = Object.keys(v);
		for (var i = 0; i < keys.length; i++) {
			var e = encode(v[keys[i]]);
			if (e !== undefined) out[keys[i]] = e;
		}
		return out;
	}
	function encode(v) {
		if (typeof v === 'function' || typeof v === 'symbol') return undefined;
		if (typeof v === 'bigint') return { __class: 'BigInt', value: v.toString() };
		if (v === null || typeof v !== 'object') return v;
		if (Array.isArray(v)) return v.map(function(x) { var e = encode(x); return e === undefined ? null : e; });
		if (v instanceof Date) return { __class: 'Date', value: v.getTime() };
		var proto = Object.getPrototypeOf(v);
		var props = encodeProps(v);
		if ((proto === Object.prototype || proto === null) && !Object.prototype.hasOwnProperty.call(v, '__class')) {
			return props;
		}
		var name = proto && proto.constructor && proto.constructor.name;
		return { __class: name || 'Object', props: props };
	}
	function decode(v) {
		if (v === null || typeof v !== 'object') return v;
		if (Array.isArray(v)) return v.map(decode);
		if (typeof v.__class !== 'string') {
			var out = {};
			for (var k in v) out[k] = decode(v[k]);
			return out;
		}
		if (v.__class === 'Date') return new Date(v.value);
		if (v.__class === 'BigInt') return BigInt(v.value);
		var ctor = classes[v.__class] || globalThis[v.__class];
		var obj = (typeof ctor === 'function' && ctor.prototype) ? Object.create(ctor.prototype) : {};
		var p = v.props || {};
		for (var k in p) obj[k] = decode(p[k]);
		return obj;
	}

	// decodeUTF8 turns bytes into a string. Malformed sequences decode to
	// U+FFFD.
	function decodeUTF8(b) {
		if (b instanceof ArrayBuffer) b = new Uint8Array(b);
		var out = [], i = 0, n = b.length;
		while (i < n) {
			var c = b[i++], cp = 0xFFFD;
			if (c < 0x80) {
				cp = c;
			} else if (c >= 0xC2 && c < 0xE0 && i < n && (b[i] & 0xC0) === 0x80) {
				cp = ((c & 0x1F) << 6) | (b[i++] & 0x3F);
			} else if (c >= 0xE0 && c < 0xF0 && i + 1 < n && (b[i] & 0xC0) === 0x80 && (b[i+1] & 0xC0) === 0x80) {
				cp = ((c & 0x0F) << 12) | ((b[i] & 0x3F) << 6) | (b[i+1] & 0x3F);
				i += 2;
				if (cp < 0x800 || (cp >= 0xD800 && cp <= 0xDFFF)) cp = 0xFFFD;
			} else if (c >= 0xF0 && c < 0xF5 && i + 2 < n && (b[i] & 0xC0) === 0x80 && (b[i+1] & 0xC0) === 0x80 && (b[i+2] & 0xC0) === 0x80) {
				cp = ((c & 0x07) << 18) | ((b[i] & 0x3F) << 12) | ((b[i+1] & 0x3F) << 6) | (b[i+2] & 0x3F);
				i += 3;
				if (cp < 0x10000 || cp > 0x10FFFF) cp = 0xFFFD;
			}
			out.push(String.fromCodePoint(cp));
		}
		return out.join('');
	}
	globalThis.decodeUTF8 = decodeUTF8;

	globalThis.serialize = function(v) { return JSON.stringify(encode(v)); };
	globalThis.unserialize = function(s) {
		if (typeof s !== 'string') s = decodeUTF8(s);
		return decode(JSON.parse(s));
	};
})();
`

// Setup installs the handle table and the default routines.
func Setup(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	return rt.Eval(installJS)
}

// serializeJS calls the current serialize routine on a handle's value and
// leaves the result in __tmp_ser_out. It returns a status string.
const serializeJS = `
(function(h, mode) {
	var fn = globalThis.serialize;
	if (typeof fn !== 'function' || !__sapi_handles.has(h)) return 'missing';
	var r;
	try { r = fn(__sapi_handles.get(h)); } catch (e) { return 'error'; }
	if (typeof r === 'string') { globalThis.__tmp_ser_out = r; return 'string'; }
	var view = null;
	if (r instanceof ArrayBuffer) view = new Uint8Array(r);
	else if (ArrayBuffer.isView(r)) view = new Uint8Array(r.buffer, r.byteOffset, r.byteLength);
	if (view === null) return 'invalid';
	var buf = mode === 'sab' ? new SharedArrayBuffer(view.length) : new ArrayBuffer(view.length);
	new Uint8Array(buf).set(view);
	globalThis.__tmp_ser_out = buf;
	return 'binary';
})(%d, %s)
`

// Serialize invokes serialize() on the value held by h. String results are
// returned as their UTF-8 bytes; ArrayBuffer and typed array results are
// copied out unchanged.
func Serialize(rt core.JSRuntime, h Handle) Result {
	mode := ""
	bt, binary := rt.(core.BinaryTransferer)
	if binary {
		mode = bt.BinaryMode()
	}

	status, err := rt.EvalString(fmt.Sprintf(serializeJS, h, core.JsEscape(mode)))
	if err != nil {
		return Result{}
	}
	defer func() { _ = rt.Eval(`delete globalThis.__tmp_ser_out;`) }()

	switch status {
	case "string":
		s, err := rt.EvalString(`globalThis.__tmp_ser_out`)
		if err != nil {
			return Result{}
		}
		return Result{OK: true, Data: []byte(s)}
	case "binary":
		if !binary {
			return Result{}
		}
		data, err := bt.ReadBinaryFromJS("__tmp_ser_out")
		if err != nil {
			return Result{}
		}
		if data == nil {
			data = []byte{}
		}
		return Result{OK: true, Data: data}
	default:
		return Result{}
	}
}

// unserializeJS hands the input to unserialize() as a Uint8Array and
// returns the new handle, negated when the routine failed.
const unserializeJS = `
(function() {
	var s = new Uint8Array(globalThis.__tmp_unser_in);
	delete globalThis.__tmp_unser_in;
	var fn = globalThis.unserialize;
	var v = null, ok = false;
	if (typeof fn === 'function') {
		try { v = fn(s); ok = true; } catch (e) { v = null; }
	}
	var h = __sapi_handles.put(v);
	return ok ? h : -h;
})()
`

// Unserialize passes a copy of data to unserialize() as a Uint8Array and
// stores the result in a new handle. On failure the handle holds null and
// OK is false; the handle must be released either way.
func Unserialize(rt core.JSRuntime, data []byte) Result {
	if err := writeInput(rt, data); err != nil {
		return Result{}
	}
	n, err := rt.EvalInt(unserializeJS)
	if err != nil {
		_ = rt.Eval(`delete globalThis.__tmp_unser_in;`)
		return Result{}
	}
	if n < 0 {
		return Result{Handle: Handle(-n)}
	}
	return Result{OK: true, Handle: Handle(n)}
}

// writeInput copies data into globalThis.__tmp_unser_in as an ArrayBuffer.
func writeInput(rt core.JSRuntime, data []byte) error {
	if bt, ok := rt.(core.BinaryTransferer); ok {
		return bt.WriteBinaryToJS("__tmp_unser_in", data)
	}
	buf := make([]byte, 0, len(data)*4+32)
	buf = append(buf, "globalThis.__tmp_unser_in = new Uint8Array(["...)
	for i, b := range data {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendUint(buf, uint64(b), 10)
	}
	buf = append(buf, "]).buffer;"...)
	return rt.Eval(string(buf))
}

// Capture evaluates expr and stores its value in a new handle.
func Capture(rt core.JSRuntime, expr string) (Handle, error) {
	n, err := rt.EvalInt(fmt.Sprintf("__sapi_handles.put((%s))", expr))
	if err != nil {
		return 0, err
	}
	return Handle(n), nil
}

// JSON returns the JSON encoding of the value held by h.
func JSON(rt core.JSRuntime, h Handle) (string, error) {
	ok, err := rt.EvalBool(fmt.Sprintf("__sapi_handles.has(%d)", h))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrInvalidHandle
	}
	return rt.EvalString(fmt.Sprintf("String(JSON.stringify(__sapi_handles.get(%d)))", h))
}

// Release drops the value held by h.
func Release(rt core.JSRuntime, h Handle) error {
	ok, err := rt.EvalBool(fmt.Sprintf("__sapi_handles.release(%d)", h))
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidHandle
	}
	return nil
}

// Len returns the number of live handles.
func Len(rt core.JSRuntime) int {
	n, _ := rt.EvalInt("__sapi_handles.size()")
	return n
}
