package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/vocpar/vocpar/internal/simulate"
	"github.com/vocpar/vocpar/internal/vocab"
	"github.com/vocpar/vocpar/pkg/ckpt"
)

func simulateCmd() *cli.Command {
	var (
		checkpoint    string
		batchSizes    string
		tokensPerRank int64
		seed          int64
	)

	return &cli.Command{
		Name:  "simulate",
		Usage: "Run an in-process multi-rank forward pass and verify it against a single-device reference",
		Flags: append(topologyFlags(),
			&cli.Int64Flag{
				Name:        "embedding-dim",
				Aliases:     []string{"dim"},
				Usage:       "embedding dimension",
				Destination: &embeddingDim,
			},
			&cli.StringFlag{
				Name:        "parallelism",
				Aliases:     []string{"p"},
				Usage:       "parallel strategy (tensor-parallel, head-group)",
				Destination: &parallelism,
			},
			&cli.StringFlag{
				Name:        "checkpoint",
				Aliases:     []string{"c"},
				Usage:       "path to a .vcpt weight file (default: random weights)",
				Destination: &checkpoint,
			},
			&cli.StringFlag{
				Name:        "batch-sizes",
				Usage:       "comma-separated per-rank batch sizes (head-group only)",
				Destination: &batchSizes,
			},
			&cli.Int64Flag{
				Name:        "tokens-per-rank",
				Usage:       "token ids per rank",
				Value:       8,
				Destination: &tokensPerRank,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "rng seed",
				Value:       1,
				Destination: &seed,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx
			fileCfg, err := loadConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load config: %v", err), 1)
			}
			applyTopologyConfig(c, fileCfg)
			log := newLogger(logLevel, logFormat)

			if numEmbeddings <= 0 {
				return cli.Exit("error: --num-embeddings is required", 1)
			}
			if embeddingDim <= 0 {
				return cli.Exit("error: --embedding-dim is required", 1)
			}

			par, err := vocab.ParseParallelism(parallelism)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			cfg := simulate.Config{
				NumEmbeddings:    int(numEmbeddings),
				OrgNumEmbeddings: int(orgNumEmbeddings),
				EmbeddingDim:     int(embeddingDim),
				PaddingSize:      int(paddingSize),
				WorldSize:        int(worldSize),
				Parallelism:      par,
				TokensPerRank:    int(tokensPerRank),
				Seed:             seed,
			}

			if batchSizes != "" {
				sizes, err := parseBatchSizes(batchSizes)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				cfg.BatchSizes = sizes
			}

			if checkpoint != "" {
				f, err := ckpt.Open(checkpoint)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: open checkpoint: %v", err), 1)
				}
				defer func() { _ = f.Close() }()
				w := f.Weight()
				cfg.Weights = &w
				log.Info("loaded checkpoint weights", "path", checkpoint, "rows", f.Rows(), "cols", f.Cols())
			}

			res, err := simulate.Run(cfg, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			fmt.Printf("parallelism:     %s\n", res.Parallelism)
			fmt.Printf("world size:      %d\n", res.WorldSize)
			fmt.Printf("padded vocab:    %d\n", res.PaddedVocab)
			fmt.Printf("shard width:     %d\n", res.ShardWidth)
			fmt.Printf("batch sizes:     %v\n", res.BatchSizes)
			fmt.Printf("tokens checked:  %d\n", res.TokensChecked)
			fmt.Printf("embedding exact: %v\n", res.EmbeddingExact)
			fmt.Printf("logits exact:    %v\n", res.LogitsExact)

			if !res.EmbeddingExact || !res.LogitsExact {
				return cli.Exit("error: sharded results diverged from reference", 1)
			}
			return nil
		},
	}
}

func parseBatchSizes(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	sizes := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid batch size %q: %w", p, err)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}
