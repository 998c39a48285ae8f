package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"podlocator/go-poller/internal/app"
	"podlocator/go-poller/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		envFile string
		once    bool
		login   bool
	)

	flagSet := pflag.NewFlagSet("poller", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file read before the process environment")
	flagSet.BoolVar(&once, "once", false, "run a single polling round and exit")
	flagSet.BoolVar(&login, "login", false, "restore or create the session file and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if once && login {
		return fmt.Errorf("--once and --login are mutually exclusive")
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	application := app.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case login:
		return application.Login(ctx)
	case once:
		return application.RunOnce(ctx)
	}

	if err := application.Run(ctx); err != nil {
		logger.Error("application terminated", "error", err)
		return err
	}

	logger.Info("application stopped cleanly")
	return nil
}

// newLogger writes to stderr so stdout stays free for login prompts. A
// terminal gets text, anything else gets JSON.
func newLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel(level)}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func logLevel(level string) slog.Leveler {
	var lvl slog.Level

	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	lv := new(slog.LevelVar)
	lv.Set(lvl)
	return lv
}
