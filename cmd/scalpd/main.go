// Command scalpd runs the intraday option scalping engine and its
// operational tooling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	yaml "gopkg.in/yaml.v3"

	"github.com/quantrail/scalpd/internal/app"
	"github.com/quantrail/scalpd/internal/config"
	"github.com/quantrail/scalpd/internal/kv"
	"github.com/quantrail/scalpd/internal/positions"
	"github.com/quantrail/scalpd/internal/report"
)

var version = "dev"

const usage = `usage: scalpd <command> [flags]

commands:
  start     run the engine in the configured mode
  paper     run the engine against the simulated broker
  live      run the engine against the real broker
  status    show heartbeat, drawdown, and session PnL
  report    show an archived session report
  export    write closed trades as CSV to stdout
  config    print the effective configuration (secrets masked)
  version   print the version

common flags:
  -config path    configuration file (default config.yaml)
`

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return exitConfig
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "start":
		return runEngine(rest, "")
	case "paper":
		return runEngine(rest, "paper")
	case "live":
		return runEngine(rest, "live")
	case "status":
		return runStatus(rest)
	case "report":
		return runReport(rest)
	case "export":
		return runExport(rest)
	case "config":
		return runConfig(rest)
	case "version":
		fmt.Println("scalpd", version)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		return exitConfig
	}
}

func loadConfig(fs *flag.FlagSet, args []string, forceMode string) (*config.Config, int) {
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, exitConfig
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "scalpd:", err)
		return nil, exitConfig
	}
	if forceMode != "" && cfg.Global.Mode != forceMode {
		cfg.Global.Mode = forceMode
		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, "scalpd:", err)
			return nil, exitConfig
		}
	}
	return cfg, exitOK
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Global.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()
}

func runEngine(args []string, forceMode string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	cfg, code := loadConfig(fs, args, forceMode)
	if code != exitOK {
		return code
	}
	logger := newLogger(cfg)

	engine, err := app.New(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("wiring failed")
		return exitRuntime
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("engine stopped with error")
		return exitRuntime
	}
	return exitOK
}

// openStore connects to the shared store for the read-only commands. They
// need Redis: an in-process store has nothing another process wrote.
func openStore(cfg *config.Config) (kv.Store, kv.Keys, error) {
	if cfg.Redis.Addr == "" {
		return nil, kv.Keys{}, errors.New("this command needs redis.addr configured")
	}
	store, err := kv.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, zerolog.Nop())
	if err != nil {
		return nil, kv.Keys{}, err
	}
	return store, kv.NewKeys(cfg.Redis.Namespace), nil
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	cfg, code := loadConfig(fs, args, "")
	if code != exitOK {
		return code
	}
	store, keys, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "scalpd:", err)
		return exitRuntime
	}
	defer store.Close()

	status, err := report.ReadStatus(context.Background(), store, keys)
	if err != nil {
		fmt.Fprintln(os.Stderr, "scalpd:", err)
		return exitRuntime
	}

	if status.LastHeartbeat.IsZero() {
		fmt.Println("engine:     not running (no heartbeat)")
	} else {
		fmt.Printf("engine:     last heartbeat %s (%s ago)\n",
			status.LastHeartbeat.Format(time.RFC3339), time.Since(status.LastHeartbeat).Round(time.Second))
	}
	printSession(status.Session)
	fmt.Printf("drawdown:   %s\n", status.Drawdown)
	return exitOK
}

func runReport(args []string) int {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	sessionID := fs.String("session-id", "", "session to show")
	latest := fs.Bool("latest", false, "show the most recent session")
	cfg, code := loadConfig(fs, args, "")
	if code != exitOK {
		return code
	}
	if (*sessionID == "" && !*latest) || (*sessionID != "" && *latest) {
		fmt.Fprintln(os.Stderr, "scalpd: pass exactly one of --session-id or --latest")
		return exitConfig
	}

	store, keys, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "scalpd:", err)
		return exitRuntime
	}
	defer store.Close()
	ctx := context.Background()

	var session report.Session
	if *latest {
		status, err := report.ReadStatus(ctx, store, keys)
		if err != nil {
			fmt.Fprintln(os.Stderr, "scalpd:", err)
			return exitRuntime
		}
		session = status.Session
		if session.SessionID == "" {
			fmt.Fprintln(os.Stderr, "scalpd: no session recorded yet")
			return exitRuntime
		}
	} else {
		session, err = report.ReadReport(ctx, store, keys, *sessionID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "scalpd:", err)
			return exitRuntime
		}
	}
	printSession(session)
	return exitOK
}

func printSession(s report.Session) {
	fmt.Printf("session:    %s\n", s.SessionID)
	if !s.StartTime.IsZero() {
		fmt.Printf("started:    %s\n", s.StartTime.Format(time.RFC3339))
	}
	fmt.Printf("equity:     %s at start\n", s.StartEquity)
	fmt.Printf("realized:   %s\n", s.RealizedPnL)
	fmt.Printf("unrealized: %s\n", s.UnrealizedPnL)
	fmt.Printf("fees:       %s\n", s.Fees)
	fmt.Printf("total pnl:  %s\n", s.TotalPnL)
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	sinceRaw := fs.String("since", "", "include trades closed on or after this date (YYYY-MM-DD)")
	cfg, code := loadConfig(fs, args, "")
	if code != exitOK {
		return code
	}

	since := time.Time{}
	if *sinceRaw != "" {
		parsed, err := time.Parse("2006-01-02", *sinceRaw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scalpd: bad --since %q: %v\n", *sinceRaw, err)
			return exitConfig
		}
		since = parsed
	}

	store, keys, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "scalpd:", err)
		return exitRuntime
	}
	defer store.Close()

	closed, err := positions.LoadClosed(context.Background(), store, keys)
	if err != nil {
		fmt.Fprintln(os.Stderr, "scalpd:", err)
		return exitRuntime
	}
	if err := report.WriteCSV(os.Stdout, closed, since); err != nil {
		fmt.Fprintln(os.Stderr, "scalpd:", err)
		return exitRuntime
	}
	return exitOK
}

func runConfig(args []string) int {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	cfg, code := loadConfig(fs, args, "")
	if code != exitOK {
		return code
	}
	redacted := cfg.Redacted()
	out, err := yaml.Marshal(&redacted)
	if err != nil {
		fmt.Fprintln(os.Stderr, "scalpd:", err)
		return exitRuntime
	}
	os.Stdout.Write(out)
	return exitOK
}
