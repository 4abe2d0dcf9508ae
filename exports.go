package sapi

import (
	"github.com/cryguy/sapi/internal/core"
	"github.com/cryguy/sapi/internal/serialize"
)

// Type aliases re-exporting internal types so hosts can use sapi.Config,
// sapi.Request, etc. without importing the internal packages.

type Config = core.Config
type Request = core.Request
type Result = core.Result
type ServerVars = core.ServerVars
type LogEntry = core.LogEntry
type Handle = serialize.Handle

// Defaults re-exported from core.
const (
	DefaultExecutionTimeout       = core.DefaultExecutionTimeout
	DefaultMaxConsecutiveFailures = core.DefaultMaxConsecutiveFailures
)
