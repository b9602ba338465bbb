package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/streamattn/streamattn/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:  "streamattn",
		Usage: "Streaming-softmax attention kernels CLI",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			serveCmd(),
			benchCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogger builds the process logger from the logging flags and
// installs it into the command context for FromContext callers.
func setupLogger(ctx context.Context, cfg Config) (context.Context, logger.Logger) {
	level := logLevel
	if cfg.LogLevel != "" && level == "info" {
		level = cfg.LogLevel
	}
	if debug {
		level = "debug"
	}
	format := logFormat
	if cfg.LogFormat != "" && format == "pretty" {
		format = cfg.LogFormat
	}

	lvl := logger.ParseLevel(level)
	var log logger.Logger
	switch format {
	case "json":
		log = logger.JSON(os.Stderr, lvl)
	case "text":
		log = logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	default:
		log = logger.Pretty(os.Stderr, lvl)
	}
	return logger.WithContext(ctx, log), log
}
