package core

import (
	"net/http"
	"time"
)

// ServerVars is the request-metadata record. Each field is the raw value of
// one CGI variable; nil or empty means the variable is absent. Values are
// copied by the environment builder, so the caller may reuse the buffers as
// soon as the builder returns.
type ServerVars struct {
	RemoteAddr     []byte
	RemoteHost     []byte
	RemotePort     []byte
	DocumentRoot   []byte
	PathInfo       []byte
	PHPSelf        []byte
	DocumentURI    []byte
	ScriptFilename []byte
	ScriptName     []byte
	HTTPS          []byte
	SSLProtocol    []byte
	RequestScheme  []byte
	ServerName     []byte
	ServerPort     []byte
	ContentLength  []byte
	ServerProtocol []byte
	HTTPHost       []byte
	RequestURI     []byte
	SSLCipher      []byte

	// optional
	AuthType       []byte
	RemoteIdent    []byte
	RemoteUser     []byte
	ContentType    []byte
	PathTranslated []byte
	QueryString    []byte
	RequestMethod  []byte
}

// Request is one unit of work.
type Request struct {
	// ScriptPath is the script to run. Ignored in worker mode, where the
	// worker script handles every request.
	ScriptPath string

	// Code is inline source, used instead of ScriptPath when set.
	Code string

	Vars    *ServerVars
	Headers http.Header

	// Env is registered last and may overwrite any other variable.
	Env map[string]string

	// Argv is exposed as $argv and $_SERVER.argv.
	Argv []string
}

// Result wraps the outcome of a unit of work with execution metadata.
type Result struct {
	ExitCode int
	Output   []byte
	Logs     []LogEntry
	Error    error
	Duration time.Duration
}

// LogEntry is a single console.log/warn/error captured from a script.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}
