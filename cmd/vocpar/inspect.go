package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/vocpar/vocpar/pkg/ckpt"
)

func inspectCmd() *cli.Command {
	var (
		path     string
		showRows bool
		rowLimit int
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect the contents of a .vcpt weight file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "file",
				Aliases:     []string{"f"},
				Usage:       "path to .vcpt file",
				Destination: &path,
				Required:    true,
			},
			&cli.BoolFlag{Name: "rows", Usage: "print leading weight rows", Destination: &showRows},
			&cli.IntFlag{Name: "row-limit", Usage: "limit row listing (0 = no limit)", Value: 8, Destination: &rowLimit},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx

			stat, err := os.Stat(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat %q: %v", path, err), 1)
			}
			if stat.IsDir() {
				return cli.Exit("error: vocpar inspect only supports .vcpt files", 1)
			}

			f, err := ckpt.Open(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open checkpoint: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			fmt.Printf("Checkpoint: %s (%s)\n", filepath.Base(path), formatBytes(uint64(stat.Size())))
			fmt.Printf("rows:    %d\n", f.Rows())
			fmt.Printf("cols:    %d\n", f.Cols())
			fmt.Printf("bias:    %v\n", f.HasBias())

			if showRows {
				w := f.Weight()
				shown := w.R
				if rowLimit > 0 && rowLimit < shown {
					shown = rowLimit
				}
				for i := 0; i < shown; i++ {
					fmt.Printf("%6d  %s\n", i, formatRow(w.Row(i)))
				}
				if shown < w.R {
					fmt.Printf("... (%d shown of %d)\n", shown, w.R)
				}
			}
			return nil
		},
	}
}

func formatRow(row []float32) string {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
