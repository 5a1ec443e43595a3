// Package vocab implements vocabulary-parallel embedding tables and logits
// projection. The vocabulary is padded to an alignment boundary and split
// into equal shards across a communication group; each rank holds one shard
// of the weights and collectives reconstruct globally-correct results.
//
// Two strategies cover the two group topologies: the ordinary
// tensor-parallel group uses a masked local lookup followed by an
// all-reduce, while a dedicated head group gathers every rank's batch,
// looks it up once against the local shard and redistributes the
// partitioned output columns with an all-to-all.
package vocab

import (
	"errors"
	"fmt"

	"github.com/vocpar/vocpar/internal/shard"
)

// ErrCapability reports that a layer requires a lookup capability its
// configured method does not implement.
var ErrCapability = errors.New("method lacks embedding capability")

// Parallelism selects the communication strategy for a table or head.
// It is resolved once by the caller at construction.
type Parallelism int

const (
	// StandardTensorParallel shards the vocabulary across the ordinary
	// tensor-parallel group and reconstructs results with an all-reduce.
	StandardTensorParallel Parallelism = iota

	// HeadGroupParallel assigns the table to a dedicated head group:
	// per-rank batches are gathered, looked up against the local shard and
	// redistributed with an all-to-all.
	HeadGroupParallel
)

func (p Parallelism) String() string {
	switch p {
	case StandardTensorParallel:
		return "tensor-parallel"
	case HeadGroupParallel:
		return "head-group"
	}
	return "unknown"
}

// ParseParallelism maps a configuration string to a Parallelism.
func ParseParallelism(s string) (Parallelism, error) {
	switch s {
	case "", "tensor-parallel", "tp":
		return StandardTensorParallel, nil
	case "head-group", "head":
		return HeadGroupParallel, nil
	}
	return 0, fmt.Errorf("%w: unknown parallelism %q", shard.ErrConfig, s)
}

// BatchSizeOracle reports every rank's token count for the current forward
// step. The head-group strategy needs it to size its variable-length
// gather; the standard strategy never consults it.
type BatchSizeOracle interface {
	// BatchSizes returns per-rank token counts indexed by group rank.
	BatchSizes() ([]int, error)
}

// StaticBatchSizes is a fixed BatchSizeOracle, mostly for tests and
// single-step runs.
type StaticBatchSizes []int

func (s StaticBatchSizes) BatchSizes() ([]int, error) { return s, nil }

// BatchSizesFromCumulative converts cumulative token boundaries, as tracked
// per data-parallel rank by an execution framework, into per-rank sizes.
func BatchSizesFromCumulative(cu []int) ([]int, error) {
	sizes := make([]int, len(cu))
	prev := 0
	for i, c := range cu {
		if c < prev {
			return nil, fmt.Errorf("%w: cumulative batch boundaries not monotonic at rank %d", shard.ErrConfig, i)
		}
		sizes[i] = c - prev
		prev = c
	}
	return sizes, nil
}

// Config describes a vocabulary-parallel table or head.
type Config struct {
	// NumEmbeddings is the total vocabulary size including added tokens.
	NumEmbeddings int

	// EmbeddingDim is the embedding dimension.
	EmbeddingDim int

	// OrgNumEmbeddings is the original vocabulary size before added
	// tokens. Zero means no added tokens (equal to NumEmbeddings).
	OrgNumEmbeddings int

	// PaddingSize aligns the padded vocabulary; zero selects
	// shard.DefaultVocabPaddingSize.
	PaddingSize int

	// Parallelism selects the communication strategy.
	Parallelism Parallelism

	// Method overrides the lookup/projection arithmetic. Nil selects
	// UnquantizedMethod.
	Method Method

	// BatchSizes supplies per-rank batch sizes; required for
	// HeadGroupParallel, ignored otherwise.
	BatchSizes BatchSizeOracle
}

// layout carries the shard geometry shared by the embedding table and the
// LM head. All values are fixed at construction.
type layout struct {
	numEmbeddings       int
	orgVocabSize        int
	paddingSize         int
	orgVocabSizePadded  int
	numEmbeddingsPadded int
	embeddingDim        int

	// numEmbeddingsPerPartition is the per-rank slice of the padded
	// vocabulary dimension.
	numEmbeddingsPerPartition int

	indices shard.Indices
}

func resolveLayout(cfg Config, rank, worldSize int) (layout, error) {
	if cfg.NumEmbeddings <= 0 {
		return layout{}, fmt.Errorf("%w: vocabulary size %d", shard.ErrConfig, cfg.NumEmbeddings)
	}
	if cfg.EmbeddingDim <= 0 {
		return layout{}, fmt.Errorf("%w: embedding dimension %d", shard.ErrConfig, cfg.EmbeddingDim)
	}
	l := layout{
		numEmbeddings: cfg.NumEmbeddings,
		orgVocabSize:  cfg.OrgNumEmbeddings,
		paddingSize:   cfg.PaddingSize,
		embeddingDim:  cfg.EmbeddingDim,
	}
	if l.orgVocabSize == 0 {
		l.orgVocabSize = cfg.NumEmbeddings
	}
	if l.paddingSize == 0 {
		l.paddingSize = shard.DefaultVocabPaddingSize
	}
	numAdded := l.numEmbeddings - l.orgVocabSize
	if numAdded < 0 {
		return layout{}, fmt.Errorf("%w: original vocab %d exceeds total vocab %d",
			shard.ErrConfig, l.orgVocabSize, l.numEmbeddings)
	}
	l.orgVocabSizePadded = shard.PadVocabSize(l.orgVocabSize, l.paddingSize)
	l.numEmbeddingsPadded = shard.PadVocabSize(l.orgVocabSizePadded+numAdded, l.paddingSize)

	// The padding size is an alignment, not a world-size multiple; an
	// incompatible pair is a configuration error, not something to round.
	if l.numEmbeddingsPadded%worldSize != 0 {
		return layout{}, fmt.Errorf("%w: padded vocab %d not divisible by world size %d",
			shard.ErrConfig, l.numEmbeddingsPadded, worldSize)
	}
	l.numEmbeddingsPerPartition = l.numEmbeddingsPadded / worldSize
	if l.numEmbeddingsPerPartition < 1 {
		return layout{}, fmt.Errorf("%w: empty vocabulary shard", shard.ErrConfig)
	}

	idx, err := shard.Compute(l.numEmbeddingsPadded, l.orgVocabSizePadded,
		l.numEmbeddings, l.orgVocabSize, rank, worldSize)
	if err != nil {
		return layout{}, err
	}
	if idx.NumElementsPadded != l.numEmbeddingsPerPartition {
		return layout{}, fmt.Errorf("%w: shard width %d does not match partition width %d",
			shard.ErrConfig, idx.NumElementsPadded, l.numEmbeddingsPerPartition)
	}
	l.indices = idx
	return l, nil
}

func (l layout) resolveBatchSizes(oracle BatchSizeOracle, rank, worldSize, localBatch int) ([]int, error) {
	if oracle == nil {
		return nil, fmt.Errorf("%w: head-group strategy requires a batch size oracle", shard.ErrConfig)
	}
	sizes, err := oracle.BatchSizes()
	if err != nil {
		return nil, err
	}
	// A size table that disagrees with the group's rank list cannot be
	// reconciled; truncating or padding it would desynchronise the group.
	if len(sizes) != worldSize {
		return nil, fmt.Errorf("%w: oracle reports %d ranks, group has %d",
			shard.ErrConfig, len(sizes), worldSize)
	}
	if sizes[rank] != localBatch {
		return nil, fmt.Errorf("%w: oracle reports %d tokens for rank %d, batch has %d",
			shard.ErrConfig, sizes[rank], rank, localBatch)
	}
	for i, s := range sizes {
		if s < 0 {
			return nil, fmt.Errorf("%w: negative batch size %d for rank %d", shard.ErrConfig, s, i)
		}
	}
	return sizes, nil
}
