//go:build !v8

package quickjs

import (
	"encoding/json"
	"fmt"
	"reflect"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"

	"github.com/cryguy/sapi/internal/core"
)

// qjsRuntime implements core.JSRuntime for the QuickJS engine.
type qjsRuntime struct {
	vm       *quickjs.VM
	tls      *libc.TLS // cached from VM internals for direct C API access
	ctx      uintptr   // cached JSContext pointer
	cRuntime uintptr   // cached JSRuntime pointer, used by the job pump

	// property atoms are per runtime, so each context interns its own
	atoms map[string]quickjs.Atom

	// set when the C API pointers could not be extracted (e.g. if
	// modernc.org/quickjs changes its unexported struct layout)
	useFallback bool
}

var _ core.JSRuntime = (*qjsRuntime)(nil)
var _ core.BinaryTransferer = (*qjsRuntime)(nil)

func newRuntime(vm *quickjs.VM) *qjsRuntime {
	r := &qjsRuntime{vm: vm, atoms: make(map[string]quickjs.Atom)}
	if err := r.extractInternals(); err != nil {
		r.useFallback = true
		return r
	}
	// Smoke-test: a trivial C API call to verify the pointers are valid.
	glob := lib.XJS_GetGlobalObject(r.tls, r.ctx)
	lib.XFreeValue(r.tls, r.ctx, glob)
	return r
}

// Eval evaluates JavaScript and discards the result.
func (r *qjsRuntime) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *qjsRuntime) EvalString(js string) (string, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	return fmt.Sprint(result), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (r *qjsRuntime) EvalBool(js string) (bool, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", result)
	}
	return b, nil
}

// EvalInt evaluates JavaScript and returns the result as a Go int.
func (r *qjsRuntime) EvalInt(js string) (int, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return 0, err
	}
	switch v := result.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("expected int, got %T", result)
	}
}

// RegisterFunc registers a Go function as a global JavaScript function.
// Multi-value Go returns (T, error) are automatically unwrapped: on success
// returns T, on error throws a TypeError. This is necessary because the
// QuickJS Go wrapper returns multi-value results as JS arrays.
func (r *qjsRuntime) RegisterFunc(name string, fn any) error {
	rawName := "__raw_" + name
	if err := r.vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	if reflect.TypeOf(fn).NumOut() < 2 {
		return r.Eval(fmt.Sprintf(`globalThis[%q] = globalThis[%q]; delete globalThis[%q];`, name, rawName, rawName))
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError("calling %s: " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, name, rawName)
	return r.Eval(wrapJS)
}

// SetGlobal sets a global property on the VM's global object. Property
// atoms are created once per name and reused.
func (r *qjsRuntime) SetGlobal(name string, value any) error {
	atom, ok := r.atoms[name]
	if !ok {
		var err error
		if atom, err = r.vm.NewAtom(name); err != nil {
			return fmt.Errorf("creating atom %q: %w", name, err)
		}
		r.atoms[name] = atom
	}
	glob := r.vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}

// RunMicrotasks pumps the QuickJS microtask queue.
func (r *qjsRuntime) RunMicrotasks() {
	if r.useFallback {
		return
	}
	r.pumpJobs()
}

// BinaryMode returns "ab": QuickJS uses plain ArrayBuffer for binary transfer.
func (r *qjsRuntime) BinaryMode() string { return "ab" }

// extractInternals uses reflect+unsafe to cache the VM's tls, context and
// runtime pointers.
func (r *qjsRuntime) extractInternals() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic extracting VM internals: %v", p)
		}
	}()

	vmPtr := uintptr(unsafe.Pointer(r.vm))

	// cContext is the first field of VM (offset 0).
	r.ctx = *(*uintptr)(unsafe.Pointer(vmPtr))
	if r.ctx == 0 {
		return fmt.Errorf("JSContext is nil")
	}

	cRuntime, tls, ok := extractRuntime(r.vm)
	if !ok {
		return fmt.Errorf("quickjs.VM runtime layout not recognised")
	}
	r.cRuntime, r.tls = cRuntime, tls
	return nil
}

// WriteBinaryToJS writes Go bytes into a JS ArrayBuffer at the given global
// variable name with a single JS_NewArrayBufferCopy.
func (r *qjsRuntime) WriteBinaryToJS(globalName string, data []byte) error {
	if len(data) == 0 {
		return r.Eval(fmt.Sprintf("globalThis[%q] = new ArrayBuffer(0);", globalName))
	}
	if r.useFallback {
		return r.writeBinaryFallback(globalName, data)
	}

	bufPtr := uintptr(unsafe.Pointer(&data[0]))
	jsVal := lib.XJS_NewArrayBufferCopy(r.tls, r.ctx, bufPtr, lib.Tsize_t(len(data)))

	cName, err := libc.CString(globalName)
	if err != nil {
		lib.XFreeValue(r.tls, r.ctx, jsVal)
		return fmt.Errorf("allocating property name: %w", err)
	}

	glob := lib.XJS_GetGlobalObject(r.tls, r.ctx)
	// JS_SetPropertyStr consumes the val reference; do not free jsVal after.
	ret := lib.XJS_SetPropertyStr(r.tls, r.ctx, glob, cName, jsVal)
	lib.XFreeValue(r.tls, r.ctx, glob)
	libc.Xfree(r.tls, cName)

	if ret < 0 {
		return fmt.Errorf("setting global %q", globalName)
	}
	return nil
}

// ReadBinaryFromJS copies the ArrayBuffer stored at globalName into Go
// memory and deletes the global.
func (r *qjsRuntime) ReadBinaryFromJS(globalName string) ([]byte, error) {
	if r.useFallback {
		return r.readBinaryFallback(globalName)
	}

	cName, err := libc.CString(globalName)
	if err != nil {
		return nil, fmt.Errorf("allocating property name: %w", err)
	}

	glob := lib.XJS_GetGlobalObject(r.tls, r.ctx)
	jsVal := lib.XJS_GetPropertyStr(r.tls, r.ctx, glob, cName)
	lib.XFreeValue(r.tls, r.ctx, glob)
	libc.Xfree(r.tls, cName)

	var size lib.Tsize_t
	dataPtr := lib.XJS_GetArrayBuffer(r.tls, r.ctx, uintptr(unsafe.Pointer(&size)), jsVal)

	var result []byte
	if dataPtr != 0 && size != 0 {
		result = make([]byte, size)
		copy(result, unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), size))
	}

	lib.XFreeValue(r.tls, r.ctx, jsVal)
	_ = r.Eval(fmt.Sprintf("delete globalThis[%q];", globalName))
	return result, nil
}

// writeBinaryFallback passes bytes as a JSON number array.
func (r *qjsRuntime) writeBinaryFallback(globalName string, data []byte) error {
	nums := make([]int, len(data))
	for i, b := range data {
		nums[i] = int(b)
	}
	enc, err := json.Marshal(nums)
	if err != nil {
		return err
	}
	return r.Eval(fmt.Sprintf("globalThis[%q] = new Uint8Array(%s).buffer;", globalName, enc))
}

func (r *qjsRuntime) readBinaryFallback(globalName string) ([]byte, error) {
	s, err := r.EvalString(fmt.Sprintf(`(function() {
		var b = globalThis[%q];
		delete globalThis[%q];
		return b ? JSON.stringify(Array.from(new Uint8Array(b))) : "[]";
	})()`, globalName, globalName))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", globalName, err)
	}
	var nums []int
	if err := json.Unmarshal([]byte(s), &nums); err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		return nil, nil
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		out[i] = byte(n)
	}
	return out, nil
}
