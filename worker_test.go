package sapi

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const counterWorker = `
var n = 0;
onShutdown(function() { echo("boot-shutdown"); });
handleRequest(function(server) {
	n++;
	echo(n + ":" + server.REQUEST_URI);
});
`

func TestWorkerModePersistsContext(t *testing.T) {
	script := writeScript(t, "worker.js", counterWorker)
	start(t, Config{WorkerScript: script})
	th := bind(t, 0)

	for i, uri := range []string{"/a", "/b", "/c"} {
		res := th.Execute(&Request{Vars: &ServerVars{RequestURI: []byte(uri)}})
		if res.Error != nil {
			t.Fatalf("request %d: %v", i, res.Error)
		}
		want := string(rune('1'+i)) + ":" + uri
		if string(res.Output) != want {
			t.Fatalf("request %d output = %q, want %q", i, res.Output, want)
		}
	}
}

func TestWorkerRequestGlobalsAreReset(t *testing.T) {
	script := writeScript(t, "worker.js", `
handleRequest(function(server) {
	echo(typeof server.QUERY_STRING);
});
`)
	start(t, Config{WorkerScript: script})
	th := bind(t, 0)

	res := th.Execute(&Request{Vars: &ServerVars{QueryString: []byte("a=1")}})
	if string(res.Output) != "string" {
		t.Fatalf("first output = %q", res.Output)
	}
	res = th.Execute(&Request{})
	if string(res.Output) != "undefined" {
		t.Fatalf("previous request's variables leaked: %q", res.Output)
	}
}

func TestWorkerExitAndErrors(t *testing.T) {
	script := writeScript(t, "worker.js", `
handleRequest(function(server) {
	switch (server.REQUEST_URI) {
	case "/exit": exit(9);
	case "/throw": throw new Error("sync");
	case "/async": return Promise.reject(new Error("async"));
	}
	echo("ok");
});
`)
	start(t, Config{WorkerScript: script})
	th := bind(t, 0)

	tests := []struct {
		uri  string
		exit int
	}{
		{"/exit", 9},
		{"/throw", ExitFailure},
		{"/async", ExitFailure},
		{"/", 0},
	}
	for _, tt := range tests {
		res := th.Execute(&Request{Vars: &ServerVars{RequestURI: []byte(tt.uri)}})
		if res.ExitCode != tt.exit {
			t.Errorf("%s: exit %d (err %v), want %d", tt.uri, res.ExitCode, res.Error, tt.exit)
		}
	}
}

func TestWorkerBootFailure(t *testing.T) {
	script := writeScript(t, "worker.js", `echo("never registers a handler");`)
	start(t, Config{WorkerScript: script, MaxConsecutiveFailures: 1})
	th := bind(t, 0)

	res := th.Execute(&Request{})
	if res.ExitCode != ExitFailure || !errors.Is(res.Error, ErrWorkerBoot) {
		t.Fatalf("result = %d %v, want ErrWorkerBoot", res.ExitCode, res.Error)
	}
}

func TestWorkerShutdownHooksRunPerRequest(t *testing.T) {
	script := writeScript(t, "worker.js", `
handleRequest(function(server) {
	onShutdown(function(uri) { echo(" done " + uri); }, server.REQUEST_URI);
	echo("handled");
});
`)
	start(t, Config{WorkerScript: script})
	th := bind(t, 0)

	for _, uri := range []string{"/x", "/y"} {
		res := th.Execute(&Request{Vars: &ServerVars{RequestURI: []byte(uri)}})
		if want := "handled done " + uri; string(res.Output) != want {
			t.Fatalf("output = %q, want %q", res.Output, want)
		}
	}
}

func TestWorkerReloadsAfterOpcacheReset(t *testing.T) {
	script := writeScript(t, "worker.js", counterWorker)
	start(t, Config{WorkerScript: script})
	th := bind(t, 0)

	th.Execute(&Request{Vars: &ServerVars{RequestURI: []byte("/a")}})
	res := th.Execute(&Request{Vars: &ServerVars{RequestURI: []byte("/b")}})
	if string(res.Output) != "2:/b" {
		t.Fatalf("output = %q", res.Output)
	}

	ResetOpcache()
	res = th.Execute(&Request{Vars: &ServerVars{RequestURI: []byte("/c")}})
	if string(res.Output) != "1:/c" {
		t.Fatalf("worker not rebooted after reset: %q", res.Output)
	}
}

func TestWatcherTriggersReload(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "worker.js")
	if err := os.WriteFile(script, []byte(`handleRequest(function() { echo("v1"); });`), 0644); err != nil {
		t.Fatal(err)
	}
	start(t, Config{WorkerScript: script, Watch: []string{dir}})
	th := bind(t, 0)

	if res := th.Execute(&Request{}); string(res.Output) != "v1" {
		t.Fatalf("output = %q, err %v", res.Output, res.Error)
	}

	other := writeScript(t, "other.js", `echo("other")`)
	if _, err := current().opcache.Get(other); err != nil {
		t.Fatal(err)
	}

	gen := current().generation.Load()
	if err := os.WriteFile(script, []byte(`handleRequest(function() { echo("v2"); });`), 0644); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for current().generation.Load() == gen {
		if time.Now().After(deadline) {
			t.Fatal("watcher never reloaded the worker")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if n := current().opcache.Len(); n != 1 {
		t.Errorf("opcache holds %d entries, want only the unrelated script", n)
	}

	if res := th.Execute(&Request{}); string(res.Output) != "v2" {
		t.Fatalf("output after change = %q, err %v", res.Output, res.Error)
	}
}

func TestUpdateContextSwitchesMode(t *testing.T) {
	start(t, Config{})
	th := bind(t, 0)

	th.UpdateContext(true)
	th.UpdateContext(true)
	th.Execute(&Request{Code: `globalThis.kept = "yes"`})
	res := th.Execute(&Request{Code: `echo(typeof kept === "string" ? kept : "no"); echo(sapi.workerMode)`})
	if string(res.Output) != "yestrue" {
		t.Fatalf("worker-mode context output = %q", res.Output)
	}

	th.UpdateContext(false)
	res = th.Execute(&Request{Code: `echo(typeof kept); echo(sapi.workerMode)`})
	if string(res.Output) != "undefinedfalse" {
		t.Fatalf("one-shot context output = %q", res.Output)
	}
}
