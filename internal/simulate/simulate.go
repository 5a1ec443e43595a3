// Package simulate runs every rank of a vocabulary-parallel configuration
// in one process and cross-checks the collective results against the plain
// single-table reference. The CLI and the diagnostics API use it to vet a
// topology before it is deployed.
package simulate

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/vocpar/vocpar/internal/collective"
	"github.com/vocpar/vocpar/internal/logger"
	"github.com/vocpar/vocpar/internal/shard"
	"github.com/vocpar/vocpar/internal/tensor"
	"github.com/vocpar/vocpar/internal/vocab"
)

// Config describes one simulation run.
type Config struct {
	NumEmbeddings    int
	OrgNumEmbeddings int
	EmbeddingDim     int
	PaddingSize      int
	WorldSize        int
	Parallelism      vocab.Parallelism

	// BatchSizes gives per-rank token counts for the head-group strategy.
	// Empty means an uneven default split of TokensPerRank*WorldSize.
	BatchSizes []int

	// TokensPerRank sizes the generated batches; zero means 8.
	TokensPerRank int

	// Weights overrides the generated weight matrix, e.g. with one read
	// from a checkpoint. Must be [NumEmbeddings, EmbeddingDim].
	Weights *tensor.Mat

	Seed int64
}

// Result summarises a run. Embedding and logits results are compared
// element-for-element against the reference, so Exact means bit-equal.
type Result struct {
	WorldSize      int    `json:"world_size"`
	Parallelism    string `json:"parallelism"`
	PaddedVocab    int    `json:"padded_vocab"`
	ShardWidth     int    `json:"shard_width"`
	BatchSizes     []int  `json:"batch_sizes"`
	TokensChecked  int    `json:"tokens_checked"`
	EmbeddingExact bool   `json:"embedding_exact"`
	LogitsExact    bool   `json:"logits_exact"`
}

// Run executes the configured group and reports whether the partitioned
// pipeline reproduced the reference exactly.
func Run(cfg Config, log logger.Logger) (*Result, error) {
	if log == nil {
		log = logger.Default()
	}
	if cfg.WorldSize < 1 {
		return nil, fmt.Errorf("%w: world size %d", shard.ErrConfig, cfg.WorldSize)
	}
	orgVocab := cfg.OrgNumEmbeddings
	if orgVocab == 0 {
		orgVocab = cfg.NumEmbeddings
	}
	perRank := cfg.TokensPerRank
	if perRank <= 0 {
		perRank = 8
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	var full tensor.Mat
	if cfg.Weights != nil {
		if cfg.Weights.R != cfg.NumEmbeddings || cfg.Weights.C != cfg.EmbeddingDim {
			return nil, fmt.Errorf("%w: weights are [%d, %d], config expects [%d, %d]",
				shard.ErrConfig, cfg.Weights.R, cfg.Weights.C, cfg.NumEmbeddings, cfg.EmbeddingDim)
		}
		full = *cfg.Weights
	} else {
		full = tensor.NewMat(cfg.NumEmbeddings, cfg.EmbeddingDim)
		tensor.FillRand(&full, cfg.Seed)
	}

	sizes := cfg.BatchSizes
	if cfg.Parallelism == vocab.HeadGroupParallel && len(sizes) == 0 {
		// Deliberately ragged so the variable-length gather is exercised.
		sizes = make([]int, cfg.WorldSize)
		for i := range sizes {
			sizes[i] = perRank + i
		}
	}

	batches := make([][]int, cfg.WorldSize)
	if cfg.Parallelism == vocab.HeadGroupParallel {
		if len(sizes) != cfg.WorldSize {
			return nil, fmt.Errorf("%w: %d batch sizes for %d ranks", shard.ErrConfig, len(sizes), cfg.WorldSize)
		}
		for rank, n := range sizes {
			batches[rank] = randomIDs(rng, n, cfg.NumEmbeddings)
		}
	} else {
		// Tensor parallelism runs the identical batch on every rank.
		ids := randomIDs(rng, perRank, cfg.NumEmbeddings)
		for rank := range batches {
			batches[rank] = ids
		}
	}

	tableCfg := vocab.Config{
		NumEmbeddings:    cfg.NumEmbeddings,
		EmbeddingDim:     cfg.EmbeddingDim,
		OrgNumEmbeddings: cfg.OrgNumEmbeddings,
		PaddingSize:      cfg.PaddingSize,
		Parallelism:      cfg.Parallelism,
	}
	if cfg.Parallelism == vocab.HeadGroupParallel {
		tableCfg.BatchSizes = vocab.StaticBatchSizes(sizes)
	}

	res := &Result{
		WorldSize:      cfg.WorldSize,
		Parallelism:    cfg.Parallelism.String(),
		BatchSizes:     sizes,
		EmbeddingExact: true,
		LogitsExact:    true,
	}
	var mu sync.Mutex

	err := collective.Run(cfg.WorldSize, func(g collective.Group) error {
		table, err := vocab.NewVocabParallelEmbedding(g, tableCfg, log)
		if err != nil {
			return err
		}
		if err := table.LoadWeights(&full); err != nil {
			return err
		}
		head, err := vocab.NewParallelLMHead(g, tableCfg, false)
		if err != nil {
			return err
		}
		if err := head.LoadWeights(&full, nil); err != nil {
			return err
		}

		ids := batches[g.Rank()]
		emb, err := table.Forward(ids)
		if err != nil {
			return err
		}
		logits, err := vocab.NewLogitsProcessor(head, log).GetLogits(emb, nil)
		if err != nil {
			return err
		}

		wantEmb := referenceEmbed(&full, ids)
		wantLogits, err := referenceLogits(&full, wantEmb, orgVocab)
		if err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		if g.Rank() == 0 {
			idx := table.ShardIndices()
			res.PaddedVocab = idx.NumElementsPadded * g.WorldSize()
			res.ShardWidth = idx.NumElementsPadded
		}
		res.TokensChecked += len(ids)
		if !matsEqual(emb, wantEmb) {
			res.EmbeddingExact = false
		}
		if !matsEqual(logits, wantLogits) {
			res.LogitsExact = false
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("simulation complete",
		"world", res.WorldSize, "parallelism", res.Parallelism,
		"tokens", res.TokensChecked,
		"embedding_exact", res.EmbeddingExact, "logits_exact", res.LogitsExact)
	return res, nil
}

func randomIDs(rng *rand.Rand, n, vocabSize int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = rng.Intn(vocabSize)
	}
	return ids
}

func referenceEmbed(full *tensor.Mat, ids []int) tensor.Mat {
	out := tensor.NewMat(len(ids), full.C)
	for i, id := range ids {
		full.RowTo(out.Row(i), id)
	}
	return out
}

func referenceLogits(full *tensor.Mat, hidden tensor.Mat, orgVocab int) (tensor.Mat, error) {
	proj, err := vocab.UnquantizedMethod{}.Apply(full, hidden, nil)
	if err != nil {
		return tensor.Mat{}, err
	}
	out := tensor.NewMat(proj.R, orgVocab)
	for i := 0; i < proj.R; i++ {
		copy(out.Row(i), proj.Row(i)[:orgVocab])
	}
	return out, nil
}

func matsEqual(a, b tensor.Mat) bool {
	if a.R != b.R || a.C != b.C {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}
