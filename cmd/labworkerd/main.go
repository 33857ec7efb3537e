package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/buildinfo"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/config"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/daemon"
)

func main() {
	var showVersion bool
	var configPath string
	var debug bool

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.BoolVar(&debug, "debug", false, "force debug logging")
	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "labworkerd: %v\n", err)
		os.Exit(1)
	}
	if debug {
		cfg.LogLevel = "debug"
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "labworkerd: %v\n", err)
		os.Exit(1)
	}
	if warning, err := config.CheckConfigPermissions(cfg.ConfigPath); err != nil {
		logger.WithError(err).Error("config permissions")
		os.Exit(1)
	} else if warning != "" {
		logger.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithField("config", cfg.ConfigPath).Info(buildinfo.String())
	if err := daemon.Run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("worker exited")
		os.Exit(1)
	}
}

// newLogger builds the process logger. Format "auto" picks colored text on
// a terminal and JSON otherwise.
func newLogger(cfg config.Config, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)

	level := cfg.LogLevel
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	logger.SetLevel(parsed)

	format := cfg.LogFormat
	if format == "" || format == "auto" {
		format = "json"
		if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			format = "text"
		}
	}
	switch format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("log_format must be auto, text or json (got %q)", format)
	}
	return logger, nil
}
