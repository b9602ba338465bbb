package main

import "github.com/urfave/cli/v3"

var (
	logLevel  string
	logFormat string
	debug     bool
	blockM    int64
	blockN    int64
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func kernelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "block-m",
			Usage:       "query rows per tile (0 = default)",
			Destination: &blockM,
		},
		&cli.Int64Flag{
			Name:        "block-n",
			Usage:       "key rows per tile, multiple of 4 (0 = default)",
			Destination: &blockN,
		},
	}
}
