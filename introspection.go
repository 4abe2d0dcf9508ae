package sapi

import (
	"strconv"
	"strings"
)

// VersionInfo describes the embedded interpreter.
type VersionInfo struct {
	Engine         string
	MajorVersion   int
	MinorVersion   int
	ReleaseVersion int
	ExtraVersion   string
	Version        string
	VersionID      int
}

// Version reports the embedded interpreter's version. VersionID is
// major*10000 + minor*100 + release.
func Version() VersionInfo {
	b := newBackend()
	return parseVersion(b.Name(), b.Version())
}

func parseVersion(engine, v string) VersionInfo {
	info := VersionInfo{Engine: engine, Version: v}
	rest := v
	nums := [3]*int{&info.MajorVersion, &info.MinorVersion, &info.ReleaseVersion}
	for i, dst := range nums {
		end := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' })
		if end < 0 {
			end = len(rest)
		}
		*dst, _ = strconv.Atoi(rest[:end])
		rest = rest[end:]
		if i < len(nums)-1 {
			if !strings.HasPrefix(rest, ".") {
				break
			}
			rest = rest[1:]
		}
	}
	info.ExtraVersion = rest
	info.VersionID = info.MajorVersion*10000 + info.MinorVersion*100 + info.ReleaseVersion
	return info
}

// BuildInfo describes how the bridge was built.
type BuildInfo struct {
	Engine string
	// ThreadSafe is always true: every context is confined to one thread.
	ThreadSafe bool
	// SignalLimits is true when execution limits are delivered by signals.
	SignalLimits bool
	// TimerLimits is true when execution limits are enforced by a timer.
	TimerLimits bool
}

// BuildConfig reports build-time properties.
func BuildConfig() BuildInfo {
	return BuildInfo{
		Engine:       newBackend().Name(),
		ThreadSafe:   true,
		SignalLimits: false,
		TimerLimits:  true,
	}
}

// CurrentMemoryLimit returns the per-context memory limit in bytes, or -1
// when contexts are unlimited or Init has not run.
func CurrentMemoryLimit() int64 {
	p := current()
	if p == nil || p.cfg.MemoryLimitMB <= 0 {
		return -1
	}
	return int64(p.cfg.MemoryLimitMB) * 1024 * 1024
}

// ResetOpcache drops every compiled script. Worker threads reboot their
// worker script on their next unit of work.
func ResetOpcache() bool {
	p := current()
	if p == nil {
		return false
	}
	return p.resetOpcache()
}
