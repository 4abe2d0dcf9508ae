package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const MaxLogEntries = 1000
const MaxLogMessageSize = 4096

// RequestState holds per-request mutable state (logs, output, exit status).
// The thread sets it before calling into JS and clears it after.
type RequestState struct {
	Logs   []LogEntry
	Output bytes.Buffer

	ExitCode int
	Exited   bool

	// Dummy is set for the synthetic teardown request; it has no output.
	Dummy bool
}

var (
	requestCounter atomic.Uint64
	requestStates  sync.Map // uint64 -> *RequestState
)

// NewRequestState creates a new request state and returns its unique ID.
func NewRequestState(dummy bool) uint64 {
	id := requestCounter.Add(1)
	requestStates.Store(id, &RequestState{Dummy: dummy})
	return id
}

// GetRequestState returns the state for the given request ID, or nil.
func GetRequestState(id uint64) *RequestState {
	v, ok := requestStates.Load(id)
	if !ok {
		return nil
	}
	return v.(*RequestState)
}

// ClearRequestState removes the state for the given request ID and returns it.
func ClearRequestState(id uint64) *RequestState {
	v, ok := requestStates.LoadAndDelete(id)
	if !ok {
		return nil
	}
	return v.(*RequestState)
}

// AddLog appends a log entry to the request state identified by id.
func AddLog(id uint64, level, message string) {
	state := GetRequestState(id)
	if state == nil {
		return
	}
	if len(state.Logs) >= MaxLogEntries {
		return
	}
	if len(message) > MaxLogMessageSize {
		message = message[:MaxLogMessageSize] + "...(truncated)"
	}
	state.Logs = append(state.Logs, LogEntry{
		Level:   level,
		Message: message,
		Time:    time.Now(),
	})
}

// Write appends script output to the request state identified by id.
// Output written during the dummy request is dropped.
func Write(id uint64, s string) {
	state := GetRequestState(id)
	if state == nil || state.Dummy {
		return
	}
	state.Output.WriteString(s)
}

// SetExit records the exit status requested by the script. Only the first
// call counts.
func SetExit(id uint64, code int) {
	state := GetRequestState(id)
	if state == nil || state.Exited {
		return
	}
	state.Exited = true
	state.ExitCode = code
}

// ParseReqID parses a request ID string to uint64.
func ParseReqID(s string) uint64 {
	if s == "" || s == "undefined" {
		return 0
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		var n uint64
		fmt.Sscanf(s, "%d", &n)
		return n
	}
	return id
}

// JsEscape quotes s as a JavaScript string literal. JSON string syntax is
// a subset of JavaScript's, unlike Go's %q which may emit \x and \U
// escapes.
func JsEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
