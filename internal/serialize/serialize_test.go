//go:build !v8

package serialize

import (
	"bytes"
	"fmt"
	"strconv"
	"testing"

	"github.com/cryguy/sapi/internal/core"
	"github.com/cryguy/sapi/internal/quickjs"
)

func newRuntime(t *testing.T) core.JSRuntime {
	t.Helper()
	c, err := quickjs.NewBackend().NewContext(core.ContextOptions{}, []core.SetupFunc{Setup})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(c.Close)
	return c.Runtime()
}

func roundTrip(t *testing.T, rt core.JSRuntime, expr string) string {
	t.Helper()
	h, err := Capture(rt, expr)
	if err != nil {
		t.Fatalf("Capture(%s): %v", expr, err)
	}
	defer Release(rt, h)

	res := Serialize(rt, h)
	if !res.OK {
		t.Fatalf("Serialize(%s) failed", expr)
	}
	back := Unserialize(rt, res.Data)
	if !back.OK {
		t.Fatalf("Unserialize(%q) failed", res.Data)
	}
	defer Release(rt, back.Handle)

	want, err := JSON(rt, h)
	if err != nil {
		t.Fatal(err)
	}
	got, err := JSON(rt, back.Handle)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("round trip of %s = %s, want %s", expr, got, want)
	}
	return got
}

func TestRoundTrip(t *testing.T) {
	rt := newRuntime(t)
	tests := []string{
		`42`,
		`-7`,
		`"héllo"`,
		`[1, "two", [3]]`,
		`({a: 1, b: [true, null, {c: "d"}]})`,
		`({})`,
		`[]`,
	}
	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			roundTrip(t, rt, expr)
		})
	}
	if n := Len(rt); n != 0 {
		t.Errorf("%d handles leaked", n)
	}
}

func TestRoundTripClassInstance(t *testing.T) {
	rt := newRuntime(t)
	if err := rt.Eval(`
		class Point { constructor(x, y) { this.x = x; this.y = y; } sum() { return this.x + this.y; } }
		registerClass(Point);
		globalThis.p = new Point(2, 3);
	`); err != nil {
		t.Fatal(err)
	}
	roundTrip(t, rt, "p")

	h, _ := Capture(rt, "p")
	res := Serialize(rt, h)
	back := Unserialize(rt, res.Data)
	if !back.OK {
		t.Fatal("Unserialize failed")
	}
	ok, err := rt.EvalBool(`(function() { var v = __sapi_handles.get(` + strconv.Itoa(int(back.Handle)) + `); return v instanceof Point && v.sum() === 5; })()`)
	if err != nil || !ok {
		t.Fatalf("decoded value lost its class: %v", err)
	}
}

func TestUnserializeCopiesInput(t *testing.T) {
	rt := newRuntime(t)
	data := []byte(`"abc"`)
	res := Unserialize(rt, data)
	copy(data, `"xyz"`)
	s, err := JSON(rt, res.Handle)
	if err != nil {
		t.Fatal(err)
	}
	if s != `"abc"` {
		t.Fatalf("value = %s, want \"abc\"", s)
	}
}

func TestUnserializeFailure(t *testing.T) {
	rt := newRuntime(t)
	res := Unserialize(rt, []byte("{not json"))
	if res.OK {
		t.Fatal("malformed input should fail")
	}
	if res.Handle == 0 {
		t.Fatal("failed unserialize should still return a handle")
	}
	s, err := JSON(rt, res.Handle)
	if err != nil || s != "null" {
		t.Fatalf("failed handle = %s, %v; want null", s, err)
	}
	if err := Release(rt, res.Handle); err != nil {
		t.Fatal(err)
	}
	if err := Release(rt, res.Handle); err != ErrInvalidHandle {
		t.Fatalf("double release = %v", err)
	}
}

func TestMissingRoutine(t *testing.T) {
	rt := newRuntime(t)
	if err := rt.Eval(`delete globalThis.serialize; globalThis.unserialize = 5;`); err != nil {
		t.Fatal(err)
	}
	h, _ := Capture(rt, "1")
	if res := Serialize(rt, h); res.OK {
		t.Fatal("Serialize without a routine should fail")
	}
	if res := Unserialize(rt, []byte("1")); res.OK {
		t.Fatal("Unserialize with a non-function routine should fail")
	}
}

func TestThrowingRoutine(t *testing.T) {
	rt := newRuntime(t)
	if err := rt.Eval(`globalThis.serialize = function() { throw new Error("no"); };`); err != nil {
		t.Fatal(err)
	}
	h, _ := Capture(rt, "1")
	if res := Serialize(rt, h); res.OK {
		t.Fatal("throwing serialize should fail")
	}
}

func TestUserOverrideAndBinaryResult(t *testing.T) {
	rt := newRuntime(t)
	if err := rt.Eval(`
		globalThis.serialize = function(v) { return new Uint8Array([v, v + 1, 255]); };
		globalThis.unserialize = function(b) { return "custom:" + decodeUTF8(b); };
	`); err != nil {
		t.Fatal(err)
	}
	h, _ := Capture(rt, "7")
	res := Serialize(rt, h)
	if !res.OK || !bytes.Equal(res.Data, []byte{7, 8, 255}) {
		t.Fatalf("Serialize = %+v", res)
	}

	back := Unserialize(rt, []byte("x"))
	s, _ := JSON(rt, back.Handle)
	if !back.OK || s != `"custom:x"` {
		t.Fatalf("Unserialize = %+v %s", back, s)
	}
}

func TestBinaryOverrideRoundTrip(t *testing.T) {
	rt := newRuntime(t)
	if err := rt.Eval(`
		globalThis.serialize = function(v) { return new Uint8Array(v); };
		globalThis.unserialize = function(b) {
			if (!(b instanceof Uint8Array)) throw new TypeError("want bytes");
			return Array.prototype.slice.call(b);
		};
	`); err != nil {
		t.Fatal(err)
	}

	h, _ := Capture(rt, "[0, 255, 128, 65]")
	res := Serialize(rt, h)
	want := []byte{0, 255, 128, 65}
	if !res.OK || !bytes.Equal(res.Data, want) {
		t.Fatalf("Serialize = %+v", res)
	}

	back := Unserialize(rt, res.Data)
	if !back.OK {
		t.Fatal("Unserialize failed")
	}
	s, err := JSON(rt, back.Handle)
	if err != nil || s != "[0,255,128,65]" {
		t.Fatalf("round trip = %s, %v", s, err)
	}
}

func TestDefaultUnserializeDecodesUTF8(t *testing.T) {
	rt := newRuntime(t)
	tests := []struct {
		in   []byte
		want string // code points of the decoded string
	}{
		{[]byte(`"h\u00e9llo"`), "104,233,108,108,111"},
		{[]byte(`"é😀"`), "233,128512"},
		{[]byte{'"', 0xff, 'a', '"'}, "65533,97"},
		{[]byte{'"', 0xe2, 0x82, '"'}, "65533,65533"},
	}
	for _, tt := range tests {
		res := Unserialize(rt, tt.in)
		if !res.OK {
			t.Errorf("Unserialize(%q) failed", tt.in)
			continue
		}
		got, err := rt.EvalString(fmt.Sprintf(
			`Array.from(__sapi_handles.get(%d), function(c) { return c.codePointAt(0); }).join(",")`, res.Handle))
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("Unserialize(%q) = %s, want %s", tt.in, got, tt.want)
		}
		_ = Release(rt, res.Handle)
	}
}

func TestNonStringResultFails(t *testing.T) {
	rt := newRuntime(t)
	_ = rt.Eval(`globalThis.serialize = function() { return 12; };`)
	h, _ := Capture(rt, "1")
	if res := Serialize(rt, h); res.OK {
		t.Fatal("numeric result should fail")
	}
}

func TestInvalidHandle(t *testing.T) {
	rt := newRuntime(t)
	if res := Serialize(rt, 999); res.OK {
		t.Fatal("unknown handle should fail")
	}
	if _, err := JSON(rt, 999); err != ErrInvalidHandle {
		t.Fatalf("JSON(999) = %v", err)
	}
}
