// Command anima runs the anima conversational agent.
//
// Usage:
//
//	anima start      start the agent as a background daemon
//	anima stop       stop the running daemon
//	anima restart    stop the daemon, then start it again
//	anima status     report the daemon state
//	anima foreground run attached to the current terminal
//	anima init       write an example config.yaml to the working directory
//	anima version    print build information
//
// Flags:
//
//	-config PATH     config file (default: ./config.yaml,
//	                 ~/.config/anima/config.yaml, /etc/anima/config.yaml)
//	--platform NAME  override the transport platform
//	                 (console, signal, telegram, mqtt)
//	--pidfile PATH   override the daemon PID file
//	--logfile PATH   override the daemon log file
//	-h, --help       print usage
//
// A .env file in the working directory is loaded before the config so
// secrets like TELEGRAM_BOT_TOKEN can live outside the YAML.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"

	"github.com/awalczyk/anima-agent/examples"
	"github.com/awalczyk/anima-agent/internal/agent"
	"github.com/awalczyk/anima-agent/internal/buildinfo"
	"github.com/awalczyk/anima-agent/internal/config"
	"github.com/awalczyk/anima-agent/internal/daemon"
	"github.com/awalczyk/anima-agent/internal/embeddings"
	"github.com/awalczyk/anima-agent/internal/fetch"
	"github.com/awalczyk/anima-agent/internal/llm"
	"github.com/awalczyk/anima-agent/internal/memory"
	"github.com/awalczyk/anima-agent/internal/search"
	"github.com/awalczyk/anima-agent/internal/transport"
)

// shutdownGrace bounds the farewell-and-persist sequence after the run
// context is cancelled.
const shutdownGrace = 30 * time.Second

// main is intentionally minimal. It constructs the OS-level
// environment (context, stdio, argv) and delegates immediately to
// [run], which is testable.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "anima: %v\n", err)
		os.Exit(1)
	}
}

// options holds the parsed command line.
type options struct {
	command  string
	config   string
	platform string
	pidFile  string
	logFile  string
	help     bool
}

// run parses the command line and dispatches the subcommand.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	if opts.help || opts.command == "" {
		writeUsage(stdout)
		if opts.command == "" && !opts.help {
			return fmt.Errorf("no command given")
		}
		return nil
	}

	// version and init need no configuration.
	switch opts.command {
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "init":
		return cmdInit(stdout, opts.config)
	}

	// Optional; a missing .env is the normal case.
	_ = godotenv.Load()

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger, err := newLogger(stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	mgr := daemon.NewManager(
		cfg.Resolve(cfg.Daemon.PIDFile),
		cfg.Resolve(cfg.Daemon.LogFile),
		logger,
	)

	switch opts.command {
	case "start":
		return cmdStart(stdout, mgr, opts)
	case "stop":
		return cmdStop(stdout, mgr)
	case "restart":
		if err := cmdStop(stdout, mgr); err != nil {
			logger.Warn("stop before restart failed", "error", err)
		}
		return cmdStart(stdout, mgr, opts)
	case "status":
		return cmdStatus(stdout, mgr, cfg)
	case "foreground":
		return runAgent(ctx, cfg, logger, mgr)
	default:
		return fmt.Errorf("unknown command %q (valid: start, stop, restart, status, foreground, init, version)", opts.command)
	}
}

// parseArgs parses arguments by hand. The flag package relies on
// package-level globals that fight with parallel tests, and the
// surface here is a handful of commands and four flags.
func parseArgs(args []string) (options, error) {
	var opts options
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-h" || arg == "--help" || arg == "help":
			opts.help = true
		case arg == "-config" || arg == "--config":
			i++
			if i >= len(args) {
				return opts, fmt.Errorf("%s requires a path", arg)
			}
			opts.config = args[i]
		case strings.HasPrefix(arg, "-config="):
			opts.config = strings.TrimPrefix(arg, "-config=")
		case strings.HasPrefix(arg, "--config="):
			opts.config = strings.TrimPrefix(arg, "--config=")
		case arg == "--platform":
			i++
			if i >= len(args) {
				return opts, fmt.Errorf("--platform requires a name")
			}
			opts.platform = args[i]
		case strings.HasPrefix(arg, "--platform="):
			opts.platform = strings.TrimPrefix(arg, "--platform=")
		case arg == "--pidfile":
			i++
			if i >= len(args) {
				return opts, fmt.Errorf("--pidfile requires a path")
			}
			opts.pidFile = args[i]
		case strings.HasPrefix(arg, "--pidfile="):
			opts.pidFile = strings.TrimPrefix(arg, "--pidfile=")
		case arg == "--logfile":
			i++
			if i >= len(args) {
				return opts, fmt.Errorf("--logfile requires a path")
			}
			opts.logFile = args[i]
		case strings.HasPrefix(arg, "--logfile="):
			opts.logFile = strings.TrimPrefix(arg, "--logfile=")
		case strings.HasPrefix(arg, "-"):
			return opts, fmt.Errorf("unknown flag %q", arg)
		case opts.command == "":
			opts.command = arg
		default:
			return opts, fmt.Errorf("unexpected argument %q", arg)
		}
	}
	return opts, nil
}

func writeUsage(w io.Writer) {
	fmt.Fprint(w, `usage: anima <command> [flags]

commands:
  start       start the agent as a background daemon
  stop        stop the running daemon
  restart     stop the daemon, then start it again
  status      report the daemon state
  foreground  run attached to the current terminal
  init        write an example config.yaml to the working directory
  version     print build information

flags:
  -config PATH     config file path
  --platform NAME  override the transport platform
  --pidfile PATH   override the daemon PID file
  --logfile PATH   override the daemon log file
  -h, --help       print this message
`)
}

// cmdInit writes the embedded example config. It refuses to overwrite
// an existing file.
func cmdInit(stdout io.Writer, path string) error {
	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", path)
	}
	if err := os.WriteFile(path, examples.ConfigYAML, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return nil
}

// loadConfig locates and loads the config file, then applies the
// command-line overrides. Without any config file the defaults are
// used; an explicitly named file must exist.
func loadConfig(opts options) (*config.Config, error) {
	var cfg *config.Config
	path, err := config.FindConfig(opts.config)
	switch {
	case err != nil && opts.config != "":
		return nil, err
	case err != nil:
		cfg = config.Default()
	default:
		cfg, err = config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if opts.platform != "" {
		cfg.Transport.Platform = opts.platform
	}
	if opts.pidFile != "" {
		cfg.Daemon.PIDFile = opts.pidFile
	}
	if opts.logFile != "" {
		cfg.Daemon.LogFile = opts.logFile
	}
	// Overrides may have changed the platform; its requirements must
	// still hold.
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: config.ReplaceLogLevelNames,
	})
	return slog.New(handler), nil
}

// cmdStart re-executes the binary as a detached foreground process.
// The original flags are passed through so the child resolves the same
// configuration.
func cmdStart(stdout io.Writer, mgr *daemon.Manager, opts options) error {
	childArgs := []string{"foreground"}
	if opts.config != "" {
		childArgs = append(childArgs, "-config", opts.config)
	}
	if opts.platform != "" {
		childArgs = append(childArgs, "--platform", opts.platform)
	}
	if opts.pidFile != "" {
		childArgs = append(childArgs, "--pidfile", opts.pidFile)
	}
	if opts.logFile != "" {
		childArgs = append(childArgs, "--logfile", opts.logFile)
	}

	pid, err := mgr.Start(childArgs)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "anima started (pid %d)\n", pid)
	return nil
}

func cmdStop(stdout io.Writer, mgr *daemon.Manager) error {
	if err := mgr.Stop(); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "anima stopped")
	return nil
}

func cmdStatus(stdout io.Writer, mgr *daemon.Manager, cfg *config.Config) error {
	state, pid, err := mgr.Status()
	if err != nil {
		return err
	}
	switch state {
	case daemon.StateRunning:
		fmt.Fprintf(stdout, "anima is running (pid %d)\n", pid)
	case daemon.StateStale:
		fmt.Fprintf(stdout, "anima is not running (stale pid file, pid %d)\n", pid)
	default:
		fmt.Fprintln(stdout, "anima is not running")
	}

	rec, err := daemon.ReadStatus(cfg.Resolve(cfg.Daemon.StatusFile))
	if err == nil && rec.Status != "" {
		fmt.Fprintf(stdout, "last recorded state: %s", rec.Status)
		if rec.Platform != "" {
			fmt.Fprintf(stdout, " (platform %s)", rec.Platform)
		}
		fmt.Fprintln(stdout)
	}
	return nil
}

// runAgent wires the full pipeline and runs the control loop until the
// context is cancelled. When running as the daemonized child it also
// owns the PID file and the status record.
func runAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger, mgr *daemon.Manager) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	daemonized := os.Getenv(daemon.EnvMarker) == "1"
	if daemonized {
		if err := mgr.WritePID(os.Getpid()); err != nil {
			logger.Warn("refresh pid file failed", "error", err)
		}
		defer func() {
			if err := mgr.RemovePID(); err != nil {
				logger.Warn("remove pid file failed", "error", err)
			}
		}()
	}
	statusFile := cfg.Resolve(cfg.Daemon.StatusFile)

	a, err := buildAgent(ctx, cfg, logger)
	if err != nil {
		_ = daemon.WriteStatus(statusFile, daemon.StatusRecord{
			Status:    daemon.StatusError,
			ErrorTime: time.Now().Unix(),
			Error:     err.Error(),
			PID:       os.Getpid(),
			Platform:  cfg.Transport.Platform,
		})
		return err
	}

	if err := daemon.WriteStatus(statusFile, daemon.StatusRecord{
		Status:    daemon.StatusRunning,
		StartTime: time.Now().Unix(),
		PID:       os.Getpid(),
		Platform:  cfg.Transport.Platform,
	}); err != nil {
		logger.Warn("write status file failed", "error", err)
	}

	logger.Info("anima started",
		"version", buildinfo.Version,
		"platform", cfg.Transport.Platform,
		"model", cfg.Model.Name,
		"pid", os.Getpid(),
		"daemonized", daemonized,
	)

	runErr := a.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	a.Shutdown(shutdownCtx)

	if err := daemon.WriteStatus(statusFile, daemon.StatusRecord{
		Status:   daemon.StatusStopped,
		StopTime: time.Now().Unix(),
		PID:      os.Getpid(),
		Platform: cfg.Transport.Platform,
	}); err != nil {
		logger.Warn("write status file failed", "error", err)
	}
	logger.Info("anima stopped")
	return runErr
}

// buildAgent constructs the model adapter, memory store, transport and
// search stack, then assembles the agent.
func buildAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*agent.Agent, error) {
	model := llm.NewOllamaModel(cfg.Model, logger)

	embedCfg := embeddings.Config{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
	}
	if embedCfg.BaseURL == "" {
		embedCfg.BaseURL = cfg.Model.OllamaURL
	}
	embedder := embeddings.New(embedCfg)

	memCfg := cfg.Memory
	memCfg.Path = cfg.Resolve(memCfg.Path)
	store, err := memory.NewStore(memCfg, embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	trCfg := cfg.Transport
	trCfg.Console.InboxFile = cfg.Resolve(trCfg.Console.InboxFile)
	trCfg.Console.OutboxFile = cfg.Resolve(trCfg.Console.OutboxFile)
	trCfg.Telegram.OffsetFile = cfg.Resolve(trCfg.Telegram.OffsetFile)
	tr, err := transport.New(ctx, trCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open transport: %w", err)
	}

	a, err := agent.New(cfg, agent.Deps{
		Model:     model,
		Memory:    store,
		Transport: tr,
		Search:    search.NewManager(cfg.Search),
		Fetch:     fetch.New(),
		Logger:    logger,
	})
	if err != nil {
		tr.Close()
		return nil, err
	}
	return a, nil
}
