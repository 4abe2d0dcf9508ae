// Package sapi embeds a JavaScript interpreter behind a per-thread,
// CGI-style execution interface. A host calls Init once, binds one Thread
// per OS thread it serves from, and runs units of work on them. Each unit
// sees its request metadata as $_SERVER.
package sapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cryguy/sapi/internal/core"
	"github.com/cryguy/sapi/internal/eventloop"
	"github.com/cryguy/sapi/internal/jsapi"
	"github.com/cryguy/sapi/internal/opcache"
	"github.com/cryguy/sapi/internal/serialize"
	"github.com/cryguy/sapi/internal/state"
	"github.com/cryguy/sapi/internal/watcher"
	"github.com/cryguy/sapi/internal/zstr"
)

var (
	ErrMainThreadCreation = errors.New("unable to create main thread")
	ErrAlreadyStarted     = errors.New("sapi is already started")
	ErrNotStarted         = errors.New("sapi is not started")
	ErrInvalidThreadIndex = errors.New("invalid thread index")
	ErrThreadAlreadyBound = errors.New("thread index is already bound")
	ErrThreadCreation     = errors.New("unable to create interpreter context")
	ErrThreadNotReady     = errors.New("thread is not bound")
	ErrWorkerBoot         = errors.New("worker script failed to boot")
	ErrTimeout            = errors.New("execution timed out")
	ErrCompile            = opcache.ErrCompile
)

// process is everything Init creates.
type process struct {
	cfg     core.Config
	logger  *slog.Logger
	backend core.Backend
	keys    *zstr.Keys
	opcache *opcache.Cache
	watcher *watcher.Watcher
	preload []preloadScript

	main *Thread

	mu      sync.Mutex
	threads []*Thread

	// bumped on every opcache reset; worker threads reboot when it moves
	generation atomic.Uint64
}

type preloadScript struct {
	path string
	code string
}

var (
	procMu sync.Mutex
	proc   *process
)

func current() *process {
	procMu.Lock()
	defer procMu.Unlock()
	return proc
}

// Init builds the key cache, opens the opcode cache, creates the main
// context and sizes the thread table. Preload scripts run in the main
// context first and then in every context created afterwards.
func Init(cfg Config) error {
	procMu.Lock()
	defer procMu.Unlock()
	if proc != nil {
		return ErrAlreadyStarted
	}

	p, err := newProcess(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMainThreadCreation, err)
	}
	proc = p
	return nil
}

func newProcess(cfg Config) (*process, error) {
	cfg = cfg.WithDefaults()
	p := &process{
		cfg:     cfg,
		logger:  cfg.Logger,
		backend: newBackend(),
		keys:    zstr.Init(),
		threads: make([]*Thread, cfg.MaxThreads),
	}

	cache, err := opcache.Open(cfg.OpcacheDir, p.logger)
	if err != nil {
		return nil, err
	}
	p.opcache = cache

	for _, path := range cfg.Preload {
		code, err := cache.Get(path)
		if err != nil {
			_ = cache.Close()
			return nil, fmt.Errorf("preloading %s: %w", path, err)
		}
		p.preload = append(p.preload, preloadScript{path: path, code: code})
	}

	p.main = newThread(p, -1)
	if err := p.main.start(); err != nil {
		_ = cache.Close()
		return nil, err
	}
	p.main.state.Set(state.StateBound)

	if len(cfg.Watch) > 0 {
		if err := p.startWatcher(); err != nil {
			p.main.stop()
			_ = cache.Close()
			return nil, err
		}
	}

	p.logger.LogAttrs(context.Background(), slog.LevelInfo, "sapi started",
		slog.String("engine", p.backend.Name()),
		slog.String("engine_version", p.backend.Version()),
		slog.Int("threads", cfg.NumThreads),
		slog.Int("max_threads", cfg.MaxThreads),
		slog.Int("keys", p.keys.Len()))
	return p, nil
}

func (p *process) startWatcher() error {
	w, err := watcher.New(p.logger)
	if err != nil {
		return err
	}
	for _, path := range p.cfg.Watch {
		if _, err := w.Open(path); err != nil {
			w.Shutdown()
			return fmt.Errorf("watching %s: %w", path, err)
		}
	}
	p.watcher = w

	go func() {
		for ev := range w.Events() {
			dropped := p.opcache.InvalidateDependents(ev.Path)
			p.generation.Add(1)
			p.logger.LogAttrs(context.Background(), slog.LevelInfo, "file changed, reloading workers",
				slog.String("path", ev.Path),
				slog.Int("dropped_scripts", dropped))
		}
	}()
	return nil
}

func (p *process) resetOpcache() bool {
	ok := p.opcache.Reset()
	p.generation.Add(1)
	return ok
}

// setupFuncs returns the context setup for thread index.
func (p *process) setupFuncs(index int) []core.SetupFunc {
	setup := jsapi.SetupFuncs(jsapi.Options{
		ThreadIndex: index,
		Logger:      p.logger,
		Version:     p.backend.Version(),
	})
	setup = append(setup, serialize.Setup)
	for _, s := range p.preload {
		setup = append(setup, func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
			if err := rt.Eval(s.code); err != nil {
				return fmt.Errorf("preload %s: %w", s.path, err)
			}
			return nil
		})
	}
	return setup
}

// Shutdown retires every bound thread, runs the main context's dummy
// request and releases the opcode cache and the watcher.
func Shutdown() {
	procMu.Lock()
	p := proc
	proc = nil
	procMu.Unlock()
	if p == nil {
		return
	}

	p.mu.Lock()
	threads := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		if t != nil {
			threads = append(threads, t)
		}
	}
	p.mu.Unlock()
	for _, t := range threads {
		_ = t.Retire()
	}

	p.main.ShutdownDummyRequest()
	p.main.stop()
	p.main.state.Set(state.StateDone)

	if p.watcher != nil {
		p.watcher.Shutdown()
	}
	hits, misses := p.opcache.Stats()
	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "opcache stats",
		slog.Int64("hits", hits),
		slog.Int64("misses", misses),
		slog.Int("entries", p.opcache.Len()))
	if err := p.opcache.Close(); err != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelWarn, "closing opcache", slog.Any("error", err))
	}
	p.logger.LogAttrs(context.Background(), slog.LevelInfo, "sapi stopped")
}
