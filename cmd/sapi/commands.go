package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"

	"github.com/cryguy/sapi"
	"github.com/cryguy/sapi/internal/cgi"
)

// Globals are flags shared by every command.
type Globals struct {
	Debug      bool          `help:"Enable debug logging." env:"SAPI_DEBUG"`
	MemoryMB   int           `help:"Per-context memory limit in MiB, 0 is unlimited." env:"SAPI_MEMORY_LIMIT" default:"0"`
	Timeout    time.Duration `help:"Execution limit for one unit of work." env:"SAPI_TIMEOUT" default:"30s"`
	OpcacheDir string        `help:"Persist compiled scripts in this directory." env:"SAPI_OPCACHE_DIR" type:"path"`
	Preload    []string      `help:"Scripts run in every context before any unit of work." env:"SAPI_PRELOAD"`
}

func (g *Globals) config(logger *slog.Logger) sapi.Config {
	return sapi.Config{
		MemoryLimitMB:    g.MemoryMB,
		ExecutionTimeout: g.Timeout,
		OpcacheDir:       g.OpcacheDir,
		Preload:          g.Preload,
		Logger:           logger,
	}
}

type RunCmd struct {
	Script string   `help:"Script to run." arg:"" type:"existingfile"`
	Args   []string `help:"Arguments exposed as $argv." arg:"" optional:""`
}

func (cmd *RunCmd) Run(ctx *kong.Context, g *Globals) error {
	logger, flush := newLogger(g.Debug)
	defer flush()
	if err := sapi.Init(g.config(logger)); err != nil {
		return err
	}
	code := sapi.ExecuteScriptCLI(cmd.Script, cmd.Args)
	sapi.Shutdown()
	flush()
	ctx.Exit(code)
	return nil
}

type EvalCmd struct {
	Code string `help:"Code to run. Reads standard input when omitted." arg:"" optional:""`
}

func (cmd *EvalCmd) Run(ctx *kong.Context, g *Globals) error {
	code := cmd.Code
	if code == "" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		code = string(b)
	}

	logger, flush := newLogger(g.Debug)
	defer flush()
	if err := sapi.Init(g.config(logger)); err != nil {
		return err
	}
	status := sapi.ExecuteCode(code)
	sapi.Shutdown()
	flush()
	ctx.Exit(status)
	return nil
}

type ServeCmd struct {
	Listen  string   `help:"Address to listen on." env:"SAPI_LISTEN" default:":8080"`
	Root    string   `help:"Document root." env:"SAPI_ROOT" default:"." type:"existingdir"`
	Threads int      `help:"Threads serving requests." env:"SAPI_THREADS" default:"4"`
	Worker  string   `help:"Worker script booted once per thread." env:"SAPI_WORKER" type:"existingfile"`
	Watch   []string `help:"Paths whose changes reset the opcode cache." env:"SAPI_WATCH"`
	Index   string   `help:"Script served for directories and unknown paths." default:"index.js"`
	Status  string   `help:"Serve the thread table as JSON at this URL path." env:"SAPI_STATUS_PATH"`
}

func (cmd *ServeCmd) Run(ctx *kong.Context, g *Globals) error {
	logger, flush := newLogger(g.Debug)
	defer flush()

	root, err := filepath.Abs(cmd.Root)
	if err != nil {
		return err
	}

	cfg := g.config(logger)
	cfg.NumThreads = cmd.Threads
	cfg.WorkerScript = cmd.Worker
	cfg.Watch = cmd.Watch
	if err := sapi.Init(cfg); err != nil {
		return err
	}
	defer sapi.Shutdown()

	threads := make(chan *sapi.Thread, cmd.Threads)
	for i := 0; i < cmd.Threads; i++ {
		t, err := sapi.NewThread(i)
		if err != nil {
			return err
		}
		threads <- t
	}

	srv := &http.Server{
		Addr:              cmd.Listen,
		Handler:           &handler{root: root, index: cmd.Index, status: cmd.Status, threads: threads, logger: logger},
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ExecutionTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", slog.String("addr", cmd.Listen), slog.String("root", root))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type handler struct {
	root    string
	index   string
	status  string
	threads chan *sapi.Thread
	logger  *slog.Logger
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.status != "" && r.URL.Path == h.status {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sapi.DebugState())
		return
	}

	vars := cgi.FromRequest(r, cgi.Options{DocumentRoot: h.root})
	script := string(vars.ScriptFilename)
	if fi, err := os.Stat(script); err != nil || fi.IsDir() {
		if fi != nil && fi.IsDir() {
			script = filepath.Join(script, h.index)
		} else {
			script = filepath.Join(h.root, h.index)
		}
		vars.ScriptFilename = []byte(script)
		vars.ScriptName = []byte("/" + h.index)
	}

	var t *sapi.Thread
	select {
	case t = <-h.threads:
	case <-r.Context().Done():
		return
	}
	res := t.Execute(&sapi.Request{
		ScriptPath: script,
		Vars:       vars,
		Headers:    r.Header,
	})
	h.threads <- t

	for _, l := range res.Logs {
		h.logger.Info(l.Message, slog.String("level", l.Level), slog.String("uri", r.RequestURI))
	}
	if res.Error != nil {
		h.logger.Warn("request failed",
			slog.String("uri", r.RequestURI),
			slog.Int("exit", res.ExitCode),
			slog.Any("error", res.Error))
	}
	if res.ExitCode != 0 {
		w.WriteHeader(http.StatusInternalServerError)
	}
	_, _ = w.Write(res.Output)
}

type InfoCmd struct{}

func (cmd *InfoCmd) Run(g *Globals) error {
	v := sapi.Version()
	b := sapi.BuildConfig()
	fmt.Printf("sapi %s\n", buildVersion())
	fmt.Printf("engine: %s %s (id %d)\n", v.Engine, v.Version, v.VersionID)
	fmt.Printf("thread safe: %t, timer limits: %t\n", b.ThreadSafe, b.TimerLimits)
	if g.MemoryMB > 0 {
		fmt.Printf("memory limit: %s\n", humanize.IBytes(uint64(g.MemoryMB)*1024*1024))
	} else {
		fmt.Println("memory limit: unlimited")
	}
	return nil
}

type Commands struct {
	Run   RunCmd   `cmd:"" help:"Run a script once."`
	Eval  EvalCmd  `cmd:"" help:"Run code given on the command line or standard input."`
	Serve ServeCmd `cmd:"" help:"Serve scripts over HTTP."`
	Info  InfoCmd  `cmd:"" name:"version" help:"Show engine and build information."`
}
