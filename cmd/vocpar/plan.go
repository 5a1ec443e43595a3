package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/vocpar/vocpar/internal/shard"
)

func planCmd() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Print the per-rank vocabulary shard layout for a topology",
		Flags: topologyFlags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx
			cfg, err := loadConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load config: %v", err), 1)
			}
			applyTopologyConfig(c, cfg)

			if numEmbeddings <= 0 {
				return cli.Exit("error: --num-embeddings is required", 1)
			}
			orgVocab := orgNumEmbeddings
			if orgVocab <= 0 {
				orgVocab = numEmbeddings
			}

			orgPadded := shard.PadVocabSize(int(orgVocab), int(paddingSize))
			totalPadded := shard.PadVocabSize(orgPadded+int(numEmbeddings-orgVocab), int(paddingSize))

			fmt.Printf("vocab=%d org=%d padded=%d world=%d per_rank=%d\n",
				numEmbeddings, orgVocab, totalPadded, worldSize, totalPadded/int(worldSize))
			fmt.Printf("%4s  %-16s %-16s %8s %6s\n", "rank", "org range", "added range", "padding", "width")
			for rank := 0; rank < int(worldSize); rank++ {
				idx, err := shard.Compute(totalPadded, orgPadded, int(numEmbeddings), int(orgVocab), rank, int(worldSize))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				fmt.Printf("%4d  %-16s %-16s %8d %6d\n",
					rank,
					formatRange(idx.OrgVocabStart, idx.OrgVocabEnd),
					formatRange(idx.AddedVocabStart, idx.AddedVocabEnd),
					idx.NumOrgVocabPadding,
					idx.NumElementsPadded)
			}
			return nil
		},
	}
}

func formatRange(lo, hi int) string {
	if hi <= lo {
		return "-"
	}
	return fmt.Sprintf("[%d, %d)", lo, hi)
}
