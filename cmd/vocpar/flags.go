package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/vocpar/vocpar/internal/logger"
)

var (
	numEmbeddings    int64
	orgNumEmbeddings int64
	embeddingDim     int64
	paddingSize      int64
	worldSize        int64
	parallelism      string
	logLevel         string
	logFormat        string
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, text, json)",
			Value:       "pretty",
			Destination: &logFormat,
		},
	}
}

func topologyFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "num-embeddings",
			Aliases:     []string{"vocab"},
			Usage:       "total vocabulary size including added tokens",
			Destination: &numEmbeddings,
		},
		&cli.Int64Flag{
			Name:        "org-num-embeddings",
			Aliases:     []string{"org-vocab"},
			Usage:       "original vocabulary size (default: num-embeddings)",
			Destination: &orgNumEmbeddings,
		},
		&cli.Int64Flag{
			Name:        "padding-size",
			Usage:       "vocabulary padding alignment",
			Value:       64,
			Destination: &paddingSize,
		},
		&cli.Int64Flag{
			Name:        "world-size",
			Aliases:     []string{"w"},
			Usage:       "number of ranks in the group",
			Value:       1,
			Destination: &worldSize,
		},
	}
}

func newLogger(level, format string) logger.Logger {
	lvl := logger.ParseLevel(level)
	var w io.Writer = os.Stderr
	switch format {
	case "json":
		return logger.JSON(w, lvl)
	case "text":
		return logger.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
	default:
		return logger.Pretty(w, lvl)
	}
}
