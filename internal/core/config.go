package core

import (
	"log/slog"
	"time"
)

// Config holds the process-wide configuration of the bridge.
// Zero values are replaced by defaults in WithDefaults.
type Config struct {
	NumThreads       int           // threads the host intends to bind
	MaxThreads       int           // size of the thread table, >= NumThreads
	MemoryLimitMB    int           // per-context memory limit, 0 is unlimited
	ExecutionTimeout time.Duration // wall-clock limit for one unit of work

	OpcacheDir string   // persist compiled scripts here when set
	Preload    []string // scripts run once in the main context at Init
	Watch      []string // paths whose changes reset the opcode cache

	// WorkerScript is booted once per thread in worker mode. Empty means
	// every unit of work runs its own script.
	WorkerScript string

	// MaxConsecutiveFailures bounds worker boot retries. -1 retries forever.
	MaxConsecutiveFailures int

	Logger *slog.Logger
}

// Defaults.
const (
	DefaultExecutionTimeout       = 30 * time.Second
	DefaultMaxConsecutiveFailures = 6
)

// WithDefaults returns a copy of c with defaults filled in.
func (c Config) WithDefaults() Config {
	if c.NumThreads <= 0 {
		c.NumThreads = 1
	}
	if c.MaxThreads < c.NumThreads {
		c.MaxThreads = c.NumThreads
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = DefaultExecutionTimeout
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
