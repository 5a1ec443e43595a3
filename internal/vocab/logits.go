package vocab

import (
	"github.com/vocpar/vocpar/internal/logger"
	"github.com/vocpar/vocpar/internal/tensor"
)

// LogitsProcessor turns hidden states into vocabulary logits through a
// ParallelLMHead. It mirrors the embedding table's two strategies in the
// reverse direction: the standard path projects locally and gathers the
// disjoint logit column shards, the head-group path gathers hidden states,
// projects and redistributes with an all-to-all.
//
// Output logits always span exactly the original vocabulary; padding
// columns never escape.
type LogitsProcessor struct {
	head *ParallelLMHead
	log  logger.Logger
}

// NewLogitsProcessor binds a processor to one rank's LM head partition.
func NewLogitsProcessor(head *ParallelLMHead, log logger.Logger) *LogitsProcessor {
	if log == nil {
		log = logger.Default()
	}
	return &LogitsProcessor{head: head, log: log}
}

// GetLogits projects hidden states [n, dim] to logits [n, orgVocabSize].
// bias overrides the head's own bias shard when non-nil. All ranks of the
// group must call GetLogits for the same step.
func (p *LogitsProcessor) GetLogits(hidden tensor.Mat, bias []float32) (tensor.Mat, error) {
	if bias == nil {
		bias = p.head.bias
	}
	if p.head.parallelism == HeadGroupParallel {
		return p.getLogitsHeadGroup(hidden, bias)
	}
	return p.getLogitsStandard(hidden, bias)
}

func (p *LogitsProcessor) getLogitsStandard(hidden tensor.Mat, bias []float32) (tensor.Mat, error) {
	h := p.head
	local, err := h.method.Apply(&h.weight, hidden, bias)
	if err != nil {
		return tensor.Mat{}, err
	}

	world := h.group.WorldSize()
	if world == 1 {
		return trimVocab(local, h.orgVocabSize), nil
	}

	// Logit shards are disjoint column ranges, so this is a gather and a
	// column restitch, not a reduction.
	per := h.numEmbeddingsPerPartition
	n := hidden.R
	counts := make([]int, world)
	for i := range counts {
		counts[i] = n * per
	}
	flat, err := h.group.AllGather(local.Data, counts)
	if err != nil {
		return tensor.Mat{}, err
	}
	p.log.Debug("logits all-gather", "rank", h.group.Rank(), "batch", n)

	full := tensor.NewMat(n, world*per)
	for src := 0; src < world; src++ {
		for i := 0; i < n; i++ {
			copy(full.Row(i)[src*per:(src+1)*per], flat[(src*n+i)*per:(src*n+i+1)*per])
		}
	}
	return trimVocab(full, h.orgVocabSize), nil
}

func (p *LogitsProcessor) getLogitsHeadGroup(hidden tensor.Mat, bias []float32) (tensor.Mat, error) {
	h := p.head
	world := h.group.WorldSize()
	localN := hidden.R
	sizes, err := h.resolveBatchSizes(h.batchSizes, h.group.Rank(), world, localN)
	if err != nil {
		return tensor.Mat{}, err
	}

	counts := make([]int, world)
	total := 0
	for i, s := range sizes {
		counts[i] = s * h.embeddingDim
		total += s
	}
	flatHidden, err := h.group.AllGather(hidden.Data, counts)
	if err != nil {
		return tensor.Mat{}, err
	}
	p.log.Debug("logits head-group gather",
		"rank", h.group.Rank(), "batch", localN, "combined", total)

	gathered := tensor.NewMatFromData(total, h.embeddingDim, flatHidden)
	local, err := h.method.Apply(&h.weight, gathered, bias)
	if err != nil {
		return tensor.Mat{}, err
	}

	per := h.numEmbeddingsPerPartition
	flat, err := redistribute(h.group, local.Data, sizes, localN, per)
	if err != nil {
		return tensor.Mat{}, err
	}
	full := tensor.NewMatFromData(localN, world*per, flat)
	return trimVocab(full, h.orgVocabSize), nil
}

// trimVocab drops padding columns, keeping the first cols of each row.
func trimVocab(m tensor.Mat, cols int) tensor.Mat {
	if m.C == cols {
		return m
	}
	out := tensor.NewMat(m.R, cols)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i)[:cols])
	}
	return out
}
