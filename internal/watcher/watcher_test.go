package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zaptest"
)

func newWatcher(t *testing.T) *Watcher {
	t.Helper()
	w, err := New(slog.New(zapslog.NewHandler(zaptest.NewLogger(t).Core())))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Shutdown)
	return w
}

func waitEvent(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func expectNoEvent(t *testing.T, w *Watcher, d time.Duration) {
	t.Helper()
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(d):
	}
}

func TestFileChangeIsDebounced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.js")
	if err := os.WriteFile(path, []byte("1"), 0644); err != nil {
		t.Fatal(err)
	}

	w := newWatcher(t)
	h, err := w.Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	for i := range 5 {
		if err := os.WriteFile(path, []byte{byte('0' + i)}, 0644); err != nil {
			t.Fatal(err)
		}
	}
	ev := waitEvent(t, w)
	if ev.Handle != h || ev.Path != path {
		t.Fatalf("event = %+v", ev)
	}
	expectNoEvent(t, w, 3*DebounceDelay)
}

func TestNewSubdirectoryIsWatched(t *testing.T) {
	dir := t.TempDir()
	w := newWatcher(t)
	if _, err := w.Open(dir); err != nil {
		t.Fatal(err)
	}

	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, w)

	nested := filepath.Join(sub, "b.js")
	if err := os.WriteFile(nested, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if ev := waitEvent(t, w); ev.Path != nested {
		t.Fatalf("event path = %s, want %s", ev.Path, nested)
	}
}

func TestCloseStopsEvents(t *testing.T) {
	dir := t.TempDir()
	w := newWatcher(t)
	h, err := w.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	w.Close(h)

	if err := os.WriteFile(filepath.Join(dir, "c.js"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	expectNoEvent(t, w, 3*DebounceDelay)
}

func TestSharedPathSurvivesClose(t *testing.T) {
	dir := t.TempDir()
	w := newWatcher(t)
	h1, _ := w.Open(dir)
	h2, err := w.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	w.Close(h1)

	if err := os.WriteFile(filepath.Join(dir, "d.js"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if ev := waitEvent(t, w); ev.Handle != h2 {
		t.Fatalf("event handle = %d, want %d", ev.Handle, h2)
	}
}

func TestOpenMissingPath(t *testing.T) {
	w := newWatcher(t)
	if _, err := w.Open(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("Open of a missing path should fail")
	}
}

func TestShutdownClosesEvents(t *testing.T) {
	w, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Shutdown()
	if _, ok := <-w.Events(); ok {
		t.Fatal("events channel should be closed")
	}
	w.Shutdown()
}
