// Package opcache caches compiled scripts keyed by absolute path. Scripts
// with imports, or written in TypeScript/JSX, are bundled with esbuild;
// plain scripts are used as-is. An entry stays valid while every input file
// keeps its size and modification time.
package opcache

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	esbuild "github.com/evanw/esbuild/pkg/api"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// ErrCompile is wrapped by every compilation failure.
var ErrCompile = errors.New("compile error")

const schema = `CREATE TABLE IF NOT EXISTS scripts (
	path        TEXT PRIMARY KEY,
	code        BLOB NOT NULL,
	deps        TEXT NOT NULL,
	compiled_at INTEGER NOT NULL
)`

// Dep is one input file of a compiled script.
type Dep struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mtime"`
}

// Entry is a compiled script.
type Entry struct {
	Path       string
	Code       string
	Deps       []Dep
	CompiledAt time.Time
}

// Cache holds compiled scripts in memory and, when opened with a
// directory, in a SQLite database that survives restarts.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	db      *sql.DB
	logger  *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// Open creates a cache. An empty dir keeps entries in memory only.
func Open(dir string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{entries: make(map[string]*Entry), logger: logger}
	if dir == "" {
		return c, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating opcache directory: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "opcache.sqlite3"))
	if err != nil {
		return nil, fmt.Errorf("opening opcache database: %w", err)
	}
	// Enable WAL mode for better concurrent access.
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating opcache schema: %w", err)
	}
	c.db = db
	return c, nil
}

// Get returns the compiled code for path, compiling it if no valid entry
// exists.
func (c *Cache) Get(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[abs]; ok && valid(e) {
		c.hits.Add(1)
		return e.Code, nil
	}
	if e := c.load(abs); e != nil {
		c.entries[abs] = e
		c.hits.Add(1)
		return e.Code, nil
	}

	c.misses.Add(1)
	e, err := Compile(abs)
	if err != nil {
		delete(c.entries, abs)
		return "", err
	}
	c.entries[abs] = e
	c.store(e)
	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "compiled script",
		slog.String("path", abs),
		slog.Int("deps", len(e.Deps)),
		slog.Int("bytes", len(e.Code)))
	return e.Code, nil
}

// InvalidateDependents drops every entry that has changed among its
// inputs, either as a file or as a directory holding one. It returns the
// number of entries dropped.
func (c *Cache) InvalidateDependents(changed string) int {
	abs, err := filepath.Abs(changed)
	if err != nil {
		return 0
	}
	prefix := abs + string(filepath.Separator)

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for path, e := range c.entries {
		for _, d := range e.Deps {
			if d.Path == abs || strings.HasPrefix(d.Path, prefix) {
				delete(c.entries, path)
				if c.db != nil {
					_, _ = c.db.Exec("DELETE FROM scripts WHERE path = ?", path)
				}
				n++
				break
			}
		}
	}
	return n
}

// Reset drops every entry. It reports whether the cache was cleared.
func (c *Cache) Reset() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	if c.db != nil {
		if _, err := c.db.Exec("DELETE FROM scripts"); err != nil {
			c.logger.LogAttrs(context.Background(), slog.LevelWarn, "opcache reset failed", slog.Any("error", err))
			return false
		}
	}
	return true
}

// Len returns the number of entries held in memory.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns the hit and miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Close closes the backing database, if any.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *Cache) load(path string) *Entry {
	if c.db == nil {
		return nil
	}
	var (
		blob       []byte
		deps       string
		compiledAt int64
	)
	err := c.db.QueryRow("SELECT code, deps, compiled_at FROM scripts WHERE path = ?", path).Scan(&blob, &deps, &compiledAt)
	if err != nil {
		return nil
	}
	code, err := io.ReadAll(brotli.NewReader(bytes.NewReader(blob)))
	if err != nil {
		return nil
	}
	e := &Entry{Path: path, Code: string(code), CompiledAt: time.Unix(0, compiledAt)}
	if err := json.Unmarshal([]byte(deps), &e.Deps); err != nil || !valid(e) {
		return nil
	}
	return e
}

func (c *Cache) store(e *Entry) {
	if c.db == nil {
		return
	}
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, _ = w.Write([]byte(e.Code))
	if err := w.Close(); err != nil {
		return
	}
	deps, err := json.Marshal(e.Deps)
	if err != nil {
		return
	}
	if _, err := c.db.Exec("INSERT OR REPLACE INTO scripts (path, code, deps, compiled_at) VALUES (?, ?, ?, ?)",
		e.Path, buf.Bytes(), string(deps), e.CompiledAt.UnixNano()); err != nil {
		c.logger.LogAttrs(context.Background(), slog.LevelWarn, "opcache store failed",
			slog.String("path", e.Path), slog.Any("error", err))
	}
}

// valid reports whether every input of e is unchanged on disk.
func valid(e *Entry) bool {
	for _, d := range e.Deps {
		info, err := os.Stat(d.Path)
		if err != nil || info.Size() != d.Size || info.ModTime().UnixNano() != d.ModTime {
			return false
		}
	}
	return len(e.Deps) > 0
}

// Compile compiles the script at the absolute path without caching it.
func Compile(path string) (*Entry, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if !needsLoader(path) && !mayImport(string(source)) {
		return plainEntry(path, source)
	}

	e := &Entry{Path: path, CompiledAt: time.Now()}
	dir := filepath.Dir(path)
	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   []string{path},
		AbsWorkingDir: dir,
		Bundle:        true,
		Format:        esbuild.FormatIIFE,
		Write:         false,
		Platform:      esbuild.PlatformBrowser,
		Target:        esbuild.ES2022,
		Metafile:      true,
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, m := range result.Errors {
			if m.Location != nil {
				msgs = append(msgs, fmt.Sprintf("%s:%d: %s", m.Location.File, m.Location.Line, m.Text))
			} else {
				msgs = append(msgs, m.Text)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrCompile, strings.Join(msgs, "; "))
	}
	if len(result.OutputFiles) == 0 {
		return nil, fmt.Errorf("%w: bundling produced no output", ErrCompile)
	}
	e.Code = string(result.OutputFiles[0].Contents)

	var meta struct {
		Inputs map[string]struct {
			Imports []json.RawMessage `json:"imports"`
		} `json:"inputs"`
	}
	if err := json.Unmarshal([]byte(result.Metafile), &meta); err != nil {
		return nil, fmt.Errorf("reading metafile: %w", err)
	}
	// "import" or "require(" only appeared in comments or strings; keep the
	// source unwrapped so its top-level declarations stay global.
	if !needsLoader(path) && len(meta.Inputs) == 1 {
		for _, in := range meta.Inputs {
			if len(in.Imports) == 0 {
				return plainEntry(path, source)
			}
		}
	}
	for in := range meta.Inputs {
		p := in
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		dep, err := stat(p)
		if err != nil {
			continue
		}
		e.Deps = append(e.Deps, dep)
	}
	if len(e.Deps) == 0 {
		dep, err := stat(path)
		if err != nil {
			return nil, err
		}
		e.Deps = []Dep{dep}
	}
	return e, nil
}

func stat(path string) (Dep, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Dep{}, err
	}
	return Dep{Path: path, Size: info.Size(), ModTime: info.ModTime().UnixNano()}, nil
}

func plainEntry(path string, source []byte) (*Entry, error) {
	dep, err := stat(path)
	if err != nil {
		return nil, err
	}
	return &Entry{Path: path, Code: string(source), Deps: []Dep{dep}, CompiledAt: time.Now()}, nil
}

// needsLoader reports whether path is written in TypeScript or JSX.
func needsLoader(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".tsx", ".jsx", ".mts", ".cts":
		return true
	}
	return false
}

// mayImport is a cheap pre-check; the metafile decides whether the script
// really has imports.
func mayImport(source string) bool {
	return strings.Contains(source, "import ") ||
		strings.Contains(source, "import{") ||
		strings.Contains(source, "import(") ||
		strings.Contains(source, "require(")
}
