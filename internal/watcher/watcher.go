// Package watcher reports file changes for watched paths. Directories are
// watched recursively and events are debounced per handle, since editors
// often write files in several steps.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the quiet period after the last change before a handle
// reports an event.
const DebounceDelay = 150 * time.Millisecond

// Handle identifies one Open call.
type Handle uint64

// Event is delivered once per debounce window. Path is the last file that
// changed in that window.
type Event struct {
	Handle Handle
	Path   string
	Op     fsnotify.Op
}

type watch struct {
	root  string
	paths []string
	timer *time.Timer
	last  Event
}

// Watcher multiplexes one fsnotify watcher over many handles.
type Watcher struct {
	fs     *fsnotify.Watcher
	logger *slog.Logger

	mu      sync.Mutex
	handles map[Handle]*watch
	byPath  map[string]map[Handle]struct{}
	next    Handle
	closed  bool

	events chan Event
	wg     sync.WaitGroup
}

// New starts a watcher. Shutdown must be called to release it.
func New(logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{
		fs:      fw,
		logger:  logger,
		handles: make(map[Handle]*watch),
		byPath:  make(map[string]map[Handle]struct{}),
		events:  make(chan Event, 64),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Events returns the channel of debounced events. It is closed by Shutdown.
func (w *Watcher) Events() <-chan Event { return w.events }

// Open starts watching path. Directories are walked and every
// subdirectory is watched; directories created later are added as they
// appear.
func (w *Watcher) Open(path string) (Handle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, fmt.Errorf("watcher is shut down")
	}

	w.next++
	h := w.next
	wt := &watch{root: abs}
	w.handles[h] = wt

	if !info.IsDir() {
		if err := w.addLocked(h, abs); err != nil {
			w.closeLocked(h)
			return 0, err
		}
		return h, nil
	}

	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.addLocked(h, p)
		}
		return nil
	})
	if err != nil {
		w.closeLocked(h)
		return 0, err
	}
	return h, nil
}

// Close stops watching for h. Paths still used by other handles stay
// watched.
func (w *Watcher) Close(h Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeLocked(h)
}

// Shutdown stops the watcher and closes the events channel.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for _, wt := range w.handles {
		if wt.timer != nil {
			wt.timer.Stop()
		}
	}
	w.mu.Unlock()

	_ = w.fs.Close()
	w.wg.Wait()

	w.mu.Lock()
	close(w.events)
	w.mu.Unlock()
}

func (w *Watcher) addLocked(h Handle, p string) error {
	set, ok := w.byPath[p]
	if !ok {
		if err := w.fs.Add(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}
		set = make(map[Handle]struct{})
		w.byPath[p] = set
	}
	if _, ok := set[h]; !ok {
		set[h] = struct{}{}
		w.handles[h].paths = append(w.handles[h].paths, p)
	}
	return nil
}

func (w *Watcher) closeLocked(h Handle) {
	wt, ok := w.handles[h]
	if !ok {
		return
	}
	if wt.timer != nil {
		wt.timer.Stop()
	}
	for _, p := range wt.paths {
		set := w.byPath[p]
		delete(set, h)
		if len(set) == 0 {
			delete(w.byPath, p)
			_ = w.fs.Remove(p)
		}
	}
	delete(w.handles, h)
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.dispatch(event)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.LogAttrs(context.Background(), slog.LevelWarn, "file watcher error", slog.Any("error", err))
		}
	}
}

// dispatch routes an fsnotify event to every handle watching the file or
// its directory and restarts their debounce timers.
func (w *Watcher) dispatch(event fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	targets := make(map[Handle]struct{})
	for h := range w.byPath[event.Name] {
		targets[h] = struct{}{}
	}
	for h := range w.byPath[filepath.Dir(event.Name)] {
		targets[h] = struct{}{}
	}

	isNewDir := false
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			isNewDir = true
		}
	}

	for h := range targets {
		wt := w.handles[h]
		if isNewDir {
			if err := w.addLocked(h, event.Name); err != nil {
				w.logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to watch new directory",
					slog.String("path", event.Name), slog.Any("error", err))
			}
		}
		wt.last = Event{Handle: h, Path: event.Name, Op: event.Op}
		if wt.timer != nil {
			wt.timer.Stop()
		}
		wt.timer = time.AfterFunc(DebounceDelay, func() { w.fire(h) })
	}
}

func (w *Watcher) fire(h Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wt, ok := w.handles[h]
	if !ok || w.closed {
		return
	}
	select {
	case w.events <- wt.last:
	default:
		w.logger.LogAttrs(context.Background(), slog.LevelDebug, "dropping file event",
			slog.String("path", wt.last.Path))
	}
}
