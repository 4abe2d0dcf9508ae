//go:build !v8

package quickjs

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/cryguy/sapi/internal/core"
	"github.com/cryguy/sapi/internal/eventloop"
)

func newTestContext(t *testing.T, setup ...core.SetupFunc) core.Context {
	t.Helper()
	c, err := NewBackend().NewContext(core.ContextOptions{MemoryLimitMB: 64}, setup)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestEvalTypes(t *testing.T) {
	rt := newTestContext(t).Runtime()

	s, err := rt.EvalString(`"a" + "b"`)
	if err != nil || s != "ab" {
		t.Fatalf("EvalString = %q, %v", s, err)
	}
	n, err := rt.EvalInt(`6 * 7`)
	if err != nil || n != 42 {
		t.Fatalf("EvalInt = %d, %v", n, err)
	}
	b, err := rt.EvalBool(`1 < 2`)
	if err != nil || !b {
		t.Fatalf("EvalBool = %v, %v", b, err)
	}
	if _, err := rt.EvalBool(`"x"`); err == nil {
		t.Fatal("EvalBool on a string should fail")
	}
}

func TestRunReportsUncaughtError(t *testing.T) {
	c := newTestContext(t)
	err := c.Run(`throw new Error("boom")`, "boom.js")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Run error = %v, want boom", err)
	}
}

func TestRegisterFunc(t *testing.T) {
	rt := newTestContext(t).Runtime()

	if err := rt.RegisterFunc("add", func(a, b int) int { return a + b }); err != nil {
		t.Fatal(err)
	}
	if err := rt.RegisterFunc("fail", func(s string) (string, error) {
		if s == "" {
			return "", errors.New("empty")
		}
		return strings.ToUpper(s), nil
	}); err != nil {
		t.Fatal(err)
	}

	n, err := rt.EvalInt(`add(2, 3)`)
	if err != nil || n != 5 {
		t.Fatalf("add = %d, %v", n, err)
	}
	s, err := rt.EvalString(`fail("ok")`)
	if err != nil || s != "OK" {
		t.Fatalf("fail(ok) = %q, %v", s, err)
	}
	s, err = rt.EvalString(`try { fail(""); "no throw" } catch (e) { e instanceof TypeError ? e.message : "wrong type" }`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(s, "empty") {
		t.Fatalf("error path = %q", s)
	}
	if ok, _ := rt.EvalBool(`typeof __raw_add === "undefined"`); !ok {
		t.Error("raw function left on globalThis")
	}
}

func TestSetGlobalReusesAtoms(t *testing.T) {
	c := newTestContext(t)
	rt := c.Runtime().(*qjsRuntime)

	for i := range 3 {
		if err := rt.SetGlobal("__counter", i); err != nil {
			t.Fatal(err)
		}
	}
	if len(rt.atoms) != 1 {
		t.Errorf("atoms = %d, want 1", len(rt.atoms))
	}
	n, err := rt.EvalInt(`__counter`)
	if err != nil || n != 2 {
		t.Fatalf("__counter = %d, %v", n, err)
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	rt := newTestContext(t).Runtime()
	bt, ok := rt.(core.BinaryTransferer)
	if !ok {
		t.Fatal("runtime does not implement BinaryTransferer")
	}

	in := []byte{0, 1, 2, 254, 255}
	if err := bt.WriteBinaryToJS("__bin", in); err != nil {
		t.Fatal(err)
	}
	n, err := rt.EvalInt(`__bin.byteLength`)
	if err != nil || n != len(in) {
		t.Fatalf("byteLength = %d, %v", n, err)
	}
	out, err := bt.ReadBinaryFromJS("__bin")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(in, out) {
		t.Fatalf("round trip = %v, want %v", out, in)
	}
	if gone, _ := rt.EvalBool(`typeof __bin === "undefined"`); !gone {
		t.Error("ReadBinaryFromJS should delete the global")
	}
}

func TestMicrotasks(t *testing.T) {
	c := newTestContext(t)
	if err := c.Run(`globalThis.done = false; Promise.resolve().then(() => { globalThis.done = true; });`, "p.js"); err != nil {
		t.Fatal(err)
	}
	rt := c.Runtime().(*qjsRuntime)
	if rt.useFallback {
		t.Skip("job pump unavailable")
	}
	if ok, _ := rt.EvalBool(`done`); !ok {
		t.Fatal("promise callback did not run")
	}
}

func TestSetupErrorClosesContext(t *testing.T) {
	_, err := NewBackend().NewContext(core.ContextOptions{}, []core.SetupFunc{
		func(rt core.JSRuntime, el *eventloop.EventLoop) error { return errors.New("nope") },
	})
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("err = %v", err)
	}
}

func TestVersion(t *testing.T) {
	v := NewBackend().Version()
	if v == "" || strings.HasPrefix(v, "v") {
		t.Fatalf("Version = %q", v)
	}
}
