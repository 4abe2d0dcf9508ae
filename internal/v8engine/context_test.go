//go:build v8

package v8engine

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
}

func TestRunReportsUncaughtError(t *testing.T) {
	c := newTestContext(t)
	if err := c.Run(`throw new Error("boom")`, "boom.js"); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Run error = %v, want boom", err)
	}
}

func TestRegisterFuncThrowsOnError(t *testing.T) {
	rt := newTestContext(t).Runtime()
	if err := rt.RegisterFunc("check", func(s string) (string, error) {
		if s == "" {
			return "", errors.New("empty")
		}
		return s + "!", nil
	}); err != nil {
		t.Fatal(err)
	}

	s, err := rt.EvalString(`check("hi")`)
	if err != nil || s != "hi!" {
		t.Fatalf("check(hi) = %q, %v", s, err)
	}
	s, err = rt.EvalString(`try { check(""); "no throw" } catch (e) { String(e) }`)
	if err != nil || !strings.Contains(s, "empty") {
		t.Fatalf("error path = %q, %v", s, err)
	}
}

func TestSetGlobalLargeInt(t *testing.T) {
	rt := newTestContext(t).Runtime()
	if err := rt.SetGlobal("big", int64(1)<<40); err != nil {
		t.Fatal(err)
	}
	ok, err := rt.EvalBool(`big === 1099511627776`)
	if err != nil || !ok {
		t.Fatalf("big = %v, %v", ok, err)
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	rt := newTestContext(t).Runtime()
	bt := rt.(core.BinaryTransferer)
	if bt.BinaryMode() != "sab" {
		t.Fatalf("BinaryMode = %q", bt.BinaryMode())
	}

	in := []byte{0, 1, 2, 254, 255}
	if err := bt.WriteBinaryToJS("__bin", in); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.EvalString(`
		var sab = new SharedArrayBuffer(__bin.byteLength);
		new Uint8Array(sab).set(new Uint8Array(__bin));
		globalThis.__bin_sab = sab;
		""`); err != nil {
		t.Fatal(err)
	}
	out, err := bt.ReadBinaryFromJS("__bin_sab")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(in, out) {
		t.Fatalf("round trip = %v, want %v", out, in)
	}
}

func TestInterruptStopsLoop(t *testing.T) {
	c := newTestContext(t)
	if err := c.Runtime().RegisterFunc("stop", func() { c.Interrupt() }); err != nil {
		t.Fatal(err)
	}
	if err := c.Run(`stop(); while (true) {}`, "loop.js"); err == nil {
		t.Fatal("terminated script should report an error")
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
