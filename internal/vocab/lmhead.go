package vocab

import (
	"fmt"

	"github.com/vocpar/vocpar/internal/collective"
	"github.com/vocpar/vocpar/internal/shard"
	"github.com/vocpar/vocpar/internal/tensor"
)

// ParallelLMHead is the output projection partitioned across a
// communication group. Its weight is always sharded along the vocabulary
// dimension ([numEmbeddingsPerPartition, dim] per rank, plus an optional
// bias shard) regardless of strategy; the strategy only decides how
// LogitsProcessor stitches the partial logits back together.
type ParallelLMHead struct {
	layout
	group       collective.Group
	parallelism Parallelism
	method      Method
	batchSizes  BatchSizeOracle

	weight tensor.Mat
	bias   []float32
}

// NewParallelLMHead constructs one rank's partition of the output
// projection. Unlike an embedding table, the head only needs projection
// arithmetic, so any Method is acceptable.
func NewParallelLMHead(group collective.Group, cfg Config, withBias bool) (*ParallelLMHead, error) {
	l, err := resolveLayout(cfg, group.Rank(), group.WorldSize())
	if err != nil {
		return nil, err
	}
	method := cfg.Method
	if method == nil {
		method = UnquantizedMethod{}
	}
	h := &ParallelLMHead{
		layout:      l,
		group:       group,
		parallelism: cfg.Parallelism,
		method:      method,
		batchSizes:  cfg.BatchSizes,
		weight:      tensor.NewMat(l.numEmbeddingsPerPartition, l.embeddingDim),
	}
	if withBias {
		h.bias = make([]float32, l.numEmbeddingsPerPartition)
	}
	return h, nil
}

// ShardIndices returns this rank's vocabulary slice.
func (h *ParallelLMHead) ShardIndices() shard.Indices { return h.indices }

// Weight exposes the local weight shard for the loading phase.
func (h *ParallelLMHead) Weight() *tensor.Mat { return &h.weight }

// Bias returns the local bias shard, or nil when the head has no bias.
func (h *ParallelLMHead) Bias() []float32 { return h.bias }

// LoadWeights copies this rank's vocabulary slice out of the full
// [vocab, dim] projection matrix, and the matching bias slice when both the
// head and the checkpoint carry one.
func (h *ParallelLMHead) LoadWeights(full *tensor.Mat, bias []float32) error {
	if full.R != h.numEmbeddings || full.C != h.embeddingDim {
		return fmt.Errorf("%w: loaded weights are [%d, %d], head expects [%d, %d]",
			shard.ErrConfig, full.R, full.C, h.numEmbeddings, h.embeddingDim)
	}
	if bias != nil && len(bias) != h.numEmbeddings {
		return fmt.Errorf("%w: loaded bias has %d entries, head expects %d",
			shard.ErrConfig, len(bias), h.numEmbeddings)
	}
	if bias != nil && h.bias == nil {
		return fmt.Errorf("%w: checkpoint carries a bias but the head has none", shard.ErrConfig)
	}

	tensor.Zero(h.weight.Data)
	if h.bias != nil {
		tensor.Zero(h.bias)
	}

	idx := h.indices
	addedBase := idx.NumOrgElements() + idx.NumOrgVocabPadding
	for v := idx.OrgVocabStart; v < idx.OrgVocabEnd; v++ {
		copy(h.weight.Row(v-idx.OrgVocabStart), full.Row(v))
		if bias != nil {
			h.bias[v-idx.OrgVocabStart] = bias[v]
		}
	}
	for v := idx.AddedVocabStart; v < idx.AddedVocabEnd; v++ {
		copy(h.weight.Row(addedBase+(v-idx.AddedVocabStart)), full.Row(v))
		if bias != nil {
			h.bias[addedBase+(v-idx.AddedVocabStart)] = bias[v]
		}
	}
	return nil
}
