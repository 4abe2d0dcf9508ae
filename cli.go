package sapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cryguy/sapi/internal/opcache"
	"github.com/cryguy/sapi/internal/state"
	"github.com/cryguy/sapi/internal/zstr"
)

// Stdout receives the output of ExecuteScriptCLI and ExecuteCode.
var Stdout io.Writer = os.Stdout

// ExecuteScriptCLI runs script once with args as $argv[1:] and returns its
// exit status. It does not need Init; without it a default configuration
// is used.
func ExecuteScriptCLI(script string, args []string) int {
	abs, err := filepath.Abs(script)
	if err != nil {
		abs = script
	}
	vars := &ServerVars{
		ScriptFilename: []byte(abs),
		ScriptName:     []byte(script),
		PHPSelf:        []byte(script),
		PathTranslated: []byte(abs),
		DocumentRoot:   []byte(""),
	}
	return runCLI(&Request{
		ScriptPath: script,
		Vars:       vars,
		Env:        environ(),
		Argv:       append([]string{script}, args...),
	})
}

// ExecuteCode runs code once, as `-r` does, and returns its exit status.
func ExecuteCode(code string) int {
	return runCLI(&Request{
		Code: code,
		Env:  environ(),
		Argv: []string{"Standard input code"},
	})
}

func runCLI(req *Request) int {
	zstr.Init()

	p := current()
	if p == nil {
		var err error
		if p, err = cliProcess(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return ExitFailure
		}
		defer func() { _ = p.opcache.Close() }()
	}

	t := newThread(p, -1)
	if err := t.start(); err != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelError, "cli context", slog.Any("error", err))
		return ExitFailure
	}
	t.state.Set(state.StateBound)
	defer func() { _ = t.Retire() }()

	res := t.Execute(req)
	if len(res.Output) > 0 {
		_, _ = Stdout.Write(res.Output)
	}
	for _, l := range res.Logs {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", l.Level, l.Message)
	}
	if res.Error != nil {
		fmt.Fprintln(os.Stderr, res.Error)
	}
	return res.ExitCode
}

// cliProcess is the configuration used when the host never called Init.
func cliProcess() (*process, error) {
	cfg := Config{}.WithDefaults()
	cache, err := opcache.Open("", cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &process{
		cfg:     cfg,
		logger:  cfg.Logger,
		backend: newBackend(),
		keys:    zstr.Get(),
		opcache: cache,
	}, nil
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}
