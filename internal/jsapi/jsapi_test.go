//go:build !v8

package jsapi

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zaptest"

	"github.com/cryguy/sapi/internal/cgi"
	"github.com/cryguy/sapi/internal/core"
	"github.com/cryguy/sapi/internal/hashtable"
	"github.com/cryguy/sapi/internal/quickjs"
	"github.com/cryguy/sapi/internal/zstr"
)

func newContext(t *testing.T) core.Context {
	t.Helper()
	logger := slog.New(zapslog.NewHandler(zaptest.NewLogger(t).Core()))
	c, err := quickjs.NewBackend().NewContext(core.ContextOptions{}, SetupFuncs(Options{
		ThreadIndex: 3,
		Logger:      logger,
		Version:     "test",
	}))
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func begin(t *testing.T, c core.Context) uint64 {
	t.Helper()
	id := core.NewRequestState(false)
	t.Cleanup(func() { core.ClearRequestState(id) })
	if err := Begin(c.Runtime(), id); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return id
}

func TestSapiObject(t *testing.T) {
	c := newContext(t)
	rt := c.Runtime()

	n, err := rt.EvalInt(`sapi.threadIndex`)
	if err != nil || n != 3 {
		t.Fatalf("threadIndex = %d, %v", n, err)
	}
	if w, _ := rt.EvalBool(`sapi.workerMode`); w {
		t.Fatal("workerMode should start false")
	}
	if err := SetWorkerMode(rt, true); err != nil {
		t.Fatal(err)
	}
	if w, _ := rt.EvalBool(`sapi.workerMode`); !w {
		t.Fatal("workerMode not published")
	}
}

func TestEchoAndConsole(t *testing.T) {
	c := newContext(t)
	id := begin(t, c)

	if err := c.Run(`echo("a", 1, null); print("b"); console.log("hi", {x: 1}); console.error(new Error("bad"))`, "t.js"); err != nil {
		t.Fatal(err)
	}
	st := core.GetRequestState(id)
	if got := st.Output.String(); got != "a1b" {
		t.Errorf("output = %q, want a1b", got)
	}
	if len(st.Logs) != 2 {
		t.Fatalf("logs = %d, want 2", len(st.Logs))
	}
	if st.Logs[0].Level != "log" || st.Logs[0].Message != `hi {"x":1}` {
		t.Errorf("log[0] = %+v", st.Logs[0])
	}
	if st.Logs[1].Message != "Error: bad" {
		t.Errorf("log[1] = %+v", st.Logs[1])
	}
}

func TestExit(t *testing.T) {
	c := newContext(t)
	id := begin(t, c)

	err := c.Run(`setTimeout(function() { echo("late"); }, 0); echo("x"); exit(3); echo("unreachable");`, "exit.js")
	if err == nil {
		t.Fatal("exit should unwind the script")
	}
	st := core.GetRequestState(id)
	if !st.Exited || st.ExitCode != 3 {
		t.Fatalf("exit = %v/%d, want true/3", st.Exited, st.ExitCode)
	}
	if err := c.EventLoop().Drain(c.Runtime(), time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if got := st.Output.String(); got != "x" {
		t.Errorf("output = %q, want x", got)
	}
}

func TestExitWithString(t *testing.T) {
	c := newContext(t)
	id := begin(t, c)

	_ = c.Run(`die("bye")`, "die.js")
	st := core.GetRequestState(id)
	if !st.Exited || st.ExitCode != 0 || st.Output.String() != "bye" {
		t.Fatalf("state = exited %v code %d output %q", st.Exited, st.ExitCode, st.Output.String())
	}
}

func TestOnShutdownRunsOnceInOrder(t *testing.T) {
	c := newContext(t)
	id := begin(t, c)
	rt := c.Runtime()

	if err := c.Run(`onShutdown(function(a) { echo(a); }, "1"); onShutdown(function() { throw new Error("x"); }); onShutdown(function() { echo("3"); });`, "s.js"); err != nil {
		t.Fatal(err)
	}
	err := End(rt, c.EventLoop())
	if err == nil || !strings.Contains(err.Error(), "x") {
		t.Fatalf("End error = %v", err)
	}
	if got := core.GetRequestState(id).Output.String(); got != "13" {
		t.Errorf("output = %q, want 13", got)
	}
	if err := End(rt, c.EventLoop()); err != nil {
		t.Fatalf("second End = %v", err)
	}
	if gone, _ := rt.EvalBool(`typeof __requestID === 'undefined'`); !gone {
		t.Error("End should clear __requestID")
	}
}

func TestHandleRequest(t *testing.T) {
	c := newContext(t)
	rt := c.Runtime()

	if ok, _ := rt.EvalBool(`handleRequest(function() {})`); ok {
		t.Fatal("handleRequest outside worker mode should return false")
	}
	if HasHandler(rt) {
		t.Fatal("handler registered outside worker mode")
	}

	_ = SetWorkerMode(rt, true)
	if ok, _ := rt.EvalBool(`handleRequest(function(s) { echo(s.REQUEST_URI); })`); !ok {
		t.Fatal("handleRequest in worker mode should return true")
	}
	if !HasHandler(rt) {
		t.Fatal("handler not registered")
	}

	id := begin(t, c)
	arr := hashtable.New(1)
	arr.UpdateKey(zstr.Init().RequestURI, "/x")
	if err := SetServer(rt, arr); err != nil {
		t.Fatal(err)
	}
	if err := c.Run(DispatchJS, "dispatch.js"); err != nil {
		t.Fatal(err)
	}
	if got := core.GetRequestState(id).Output.String(); got != "/x" {
		t.Errorf("output = %q, want /x", got)
	}
}

func TestRejection(t *testing.T) {
	c := newContext(t)
	rt := c.Runtime()
	_ = SetWorkerMode(rt, true)
	_ = rt.Eval(`handleRequest(async function() { throw new Error("async boom"); })`)
	begin(t, c)

	if err := c.Run(DispatchJS, "dispatch.js"); err != nil {
		t.Fatal(err)
	}
	reason, ok := Rejection(rt)
	if !ok || !strings.Contains(reason, "async boom") {
		t.Fatalf("Rejection = %q, %v", reason, ok)
	}
	begin(t, c)
	if _, ok := Rejection(rt); ok {
		t.Fatal("Begin should clear the rejection")
	}
}

func TestSetServerAndArgv(t *testing.T) {
	zstr.Init()
	c := newContext(t)
	rt := c.Runtime()
	begin(t, c)

	arr := hashtable.New(4)
	cgi.RegisterBulk(arr, &core.ServerVars{RemoteAddr: []byte("10.0.0.1")})
	if err := SetServer(rt, arr); err != nil {
		t.Fatal(err)
	}
	if err := SetArgv(rt, cgi.AppendValues([]string{"a.js", "x", "y"})); err != nil {
		t.Fatal(err)
	}

	s, err := rt.EvalString(`$_SERVER.REMOTE_ADDR + "|" + $_SERVER.SERVER_SOFTWARE + "|" + $argv.join(",") + "|" + $argc + "|" + $_SERVER.argc`)
	if err != nil {
		t.Fatal(err)
	}
	if s != "10.0.0.1|sapi|a.js,x,y|3|3" {
		t.Fatalf("globals = %q", s)
	}
}

func TestTimers(t *testing.T) {
	c := newContext(t)
	id := begin(t, c)

	err := c.Run(`
		setTimeout(function(v) { echo(v); }, 20, "b");
		var t = setTimeout(function() { echo("never"); }, 5);
		clearTimeout(t);
		setTimeout(function() { echo("a"); }, 1);
	`, "timers.js")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.EventLoop().Drain(c.Runtime(), time.Now().Add(2*time.Second)); err != nil {
		t.Fatal(err)
	}
	if got := core.GetRequestState(id).Output.String(); got != "ab" {
		t.Errorf("output = %q, want ab", got)
	}
}
