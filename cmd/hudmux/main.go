package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"hudmux/internal/config"
	"hudmux/internal/engine"
	"hudmux/internal/metrics"
	"hudmux/internal/terminal"
	"hudmux/internal/trace"
)

var version = "dev"

// flags holds the parsed command line.
type flags struct {
	configPath  string
	logPath     string
	metricsAddr string
	verbose     bool
	version     bool
}

func parseFlags() flags {
	var f flags

	flag.StringVar(&f.configPath, "config", "", "path to config.toml (default: search XDG config dirs, then ./hudmux.toml)")
	flag.StringVar(&f.logPath, "log", "", "log file (default: $XDG_STATE_HOME/hudmux/hudmux.log, \"-\" disables logging)")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. 127.0.0.1:9464")
	flag.BoolVar(&f.verbose, "verbose", false, "enable debug logging")
	flag.BoolVar(&f.version, "version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: hudmux [flags]\n\n")
		fmt.Fprintf(os.Stderr, "hudmux runs a shell in a region of the terminal and keeps\n")
		fmt.Fprintf(os.Stderr, "command-output widgets refreshed around it.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()
	return f
}

// openLog returns a logger writing to path. The terminal belongs to the
// session, so nothing is ever logged to stderr while it runs.
func openLog(path string, verbose bool) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if path == "-" {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), io.NopCloser(nil), nil
	}
	if path == "" {
		path = filepath.Join(config.StateDir(), "hudmux.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log: %w", err)
	}
	return slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})), f, nil
}

func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.LoadFromFile(path)
		return cfg, path, err
	}
	return config.Load()
}

func run(f flags) (int, error) {
	cfg, cfgPath, err := loadConfig(f.configPath)
	if err != nil {
		return 1, fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := openLog(f.logPath, f.verbose)
	if err != nil {
		return 1, err
	}
	defer closer.Close()
	logger.Info("hudmux starting", "version", version, "config", cfgPath, "pid", os.Getpid())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tty, err := terminal.Open()
	if err != nil {
		return 1, err
	}
	defer tty.Close()

	runID := uuid.NewString()
	tp, err := trace.NewProvider(ctx, runID)
	if err != nil {
		logger.Warn("tracing disabled", "err", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("trace shutdown", "err", err)
		}
	}()

	var m *metrics.Metrics
	if f.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
		go func() {
			if err := metrics.Serve(ctx, f.metricsAddr, reg); err != nil {
				logger.Error("metrics server", "addr", f.metricsAddr, "err", err)
			}
		}()
	}

	code, err := engine.Run(ctx, cfg, engine.Deps{
		Terminal: tty,
		Logger:   logger,
		Tracer:   tp.Tracer("hudmux/widget"),
		Metrics:  m,
		RunID:    runID,
	})
	if err != nil {
		logger.Error("session failed", "code", code, "err", err)
	} else {
		logger.Info("session finished", "code", code)
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return code, err
}

func main() {
	f := parseFlags()
	if f.version {
		fmt.Println("hudmux", version)
		return
	}
	code, err := run(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hudmux: %v\n", err)
	}
	os.Exit(code)
}
