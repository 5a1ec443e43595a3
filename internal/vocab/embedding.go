package vocab

import (
	"fmt"

	"github.com/vocpar/vocpar/internal/collective"
	"github.com/vocpar/vocpar/internal/logger"
	"github.com/vocpar/vocpar/internal/shard"
	"github.com/vocpar/vocpar/internal/tensor"
)

// VocabParallelEmbedding is an embedding table partitioned across a
// communication group.
//
// Under StandardTensorParallel the padded vocabulary is sharded: every rank
// looks up the whole batch against its own slice with out-of-shard ids
// masked to zero, and an all-reduce sums the per-rank rows (exactly one
// rank contributes a non-zero row per id).
//
// Under HeadGroupParallel the embedding dimension is sharded instead: the
// group gathers every rank's batch, each rank looks the combined batch up
// against its column slice, and an all-to-all returns each rank its own
// tokens' columns from every shard.
type VocabParallelEmbedding struct {
	layout
	group       collective.Group
	parallelism Parallelism
	method      EmbeddingMethod
	batchSizes  BatchSizeOracle
	log         logger.Logger

	// shardWidth is the per-token output width of the local lookup:
	// the full embedding dimension under StandardTensorParallel, the
	// per-rank column slice under HeadGroupParallel.
	shardWidth int

	weight tensor.Mat
}

// NewVocabParallelEmbedding constructs one rank's partition of an embedding
// table. The weight shard is allocated zeroed; LoadWeights populates it
// before the first Forward call.
func NewVocabParallelEmbedding(group collective.Group, cfg Config, log logger.Logger) (*VocabParallelEmbedding, error) {
	l, err := resolveLayout(cfg, group.Rank(), group.WorldSize())
	if err != nil {
		return nil, err
	}
	method := cfg.Method
	if method == nil {
		method = UnquantizedMethod{}
	}
	// A strictly-embedding layer cannot work with a projection-only
	// method; surface that at construction, not first forward.
	embed, ok := method.(EmbeddingMethod)
	if !ok {
		return nil, fmt.Errorf("%w: %T implements no row lookup", ErrCapability, method)
	}
	if log == nil {
		log = logger.Default()
	}

	e := &VocabParallelEmbedding{
		layout:      l,
		group:       group,
		parallelism: cfg.Parallelism,
		method:      embed,
		batchSizes:  cfg.BatchSizes,
		log:         log,
	}
	switch cfg.Parallelism {
	case HeadGroupParallel:
		if l.embeddingDim%group.WorldSize() != 0 {
			return nil, fmt.Errorf("%w: embedding dim %d not divisible by head group size %d",
				shard.ErrConfig, l.embeddingDim, group.WorldSize())
		}
		e.shardWidth = l.embeddingDim / group.WorldSize()
		e.weight = tensor.NewMat(l.numEmbeddings, e.shardWidth)
	default:
		e.shardWidth = l.embeddingDim
		e.weight = tensor.NewMat(l.numEmbeddingsPerPartition, l.embeddingDim)
	}
	return e, nil
}

// ShardIndices returns this rank's vocabulary slice.
func (e *VocabParallelEmbedding) ShardIndices() shard.Indices { return e.indices }

// NumEmbeddingsPerPartition returns the padded per-rank vocabulary width.
func (e *VocabParallelEmbedding) NumEmbeddingsPerPartition() int {
	return e.numEmbeddingsPerPartition
}

// Weight exposes the local weight shard for the loading phase. The shard
// must not be mutated once forward calls have started.
func (e *VocabParallelEmbedding) Weight() *tensor.Mat { return &e.weight }

// Forward maps token ids to embedding rows, returning [len(ids), dim].
// All ranks of the group must call Forward for the same step.
func (e *VocabParallelEmbedding) Forward(ids []int) (tensor.Mat, error) {
	if e.parallelism == HeadGroupParallel {
		return e.forwardHeadGroup(ids)
	}
	return e.forwardStandard(ids)
}

func (e *VocabParallelEmbedding) forwardStandard(ids []int) (tensor.Mat, error) {
	if e.group.WorldSize() == 1 {
		if e.indices.NumOrgVocabPadding == 0 {
			// Local layout is the identity mapping; look up directly.
			return e.method.Embedding(&e.weight, ids)
		}
		// Added ids sit past the padding gap in local storage, so they
		// still need translating; no masking or communication though.
		local, _ := shard.MaskedInput(ids, e.indices)
		return e.method.Embedding(&e.weight, local)
	}

	local, invalid := shard.MaskedInput(ids, e.indices)
	out, err := e.method.Embedding(&e.weight, local)
	if err != nil {
		return tensor.Mat{}, err
	}
	// This rank contributes nothing for ids it does not own.
	masked := 0
	for i, bad := range invalid {
		if bad {
			out.ZeroRow(i)
			masked++
		}
	}
	e.log.Debug("embedding all-reduce",
		"rank", e.group.Rank(), "batch", len(ids), "masked", masked)

	flat, err := e.group.AllReduceSum(out.Data)
	if err != nil {
		return tensor.Mat{}, err
	}
	return tensor.NewMatFromData(len(ids), e.embeddingDim, flat), nil
}

func (e *VocabParallelEmbedding) forwardHeadGroup(ids []int) (tensor.Mat, error) {
	world := e.group.WorldSize()
	sizes, err := e.resolveBatchSizes(e.batchSizes, e.group.Rank(), world, len(ids))
	if err != nil {
		return tensor.Mat{}, err
	}

	combined, err := e.group.AllGatherTokens(ids, sizes)
	if err != nil {
		return tensor.Mat{}, err
	}
	e.log.Debug("embedding head-group gather",
		"rank", e.group.Rank(), "batch", len(ids), "combined", len(combined))

	// The combined batch is looked up once per rank, each against its own
	// exclusive column slice; no masking is needed.
	out, err := e.method.Embedding(&e.weight, combined)
	if err != nil {
		return tensor.Mat{}, err
	}
	flat, err := redistribute(e.group, out.Data, sizes, len(ids), e.shardWidth)
	if err != nil {
		return tensor.Mat{}, err
	}
	return tensor.NewMatFromData(len(ids), world*e.shardWidth, flat), nil
}

// LoadWeights copies this rank's slice out of the full [vocab, dim] weight
// matrix. It implements the loading contract: called once, before any
// forward call, with no concurrent readers.
func (e *VocabParallelEmbedding) LoadWeights(full *tensor.Mat) error {
	if full.R != e.numEmbeddings || full.C != e.embeddingDim {
		return fmt.Errorf("%w: loaded weights are [%d, %d], table expects [%d, %d]",
			shard.ErrConfig, full.R, full.C, e.numEmbeddings, e.embeddingDim)
	}
	tensor.Zero(e.weight.Data)

	if e.parallelism == HeadGroupParallel {
		colStart := e.group.Rank() * e.shardWidth
		for v := 0; v < e.numEmbeddings; v++ {
			copy(e.weight.Row(v), full.Row(v)[colStart:colStart+e.shardWidth])
		}
		return nil
	}

	idx := e.indices
	for v := idx.OrgVocabStart; v < idx.OrgVocabEnd; v++ {
		copy(e.weight.Row(v-idx.OrgVocabStart), full.Row(v))
	}
	addedBase := idx.NumOrgElements() + idx.NumOrgVocabPadding
	for v := idx.AddedVocabStart; v < idx.AddedVocabEnd; v++ {
		copy(e.weight.Row(addedBase+(v-idx.AddedVocabStart)), full.Row(v))
	}
	return nil
}

// redistribute sends each originating rank its rows of the combined batch
// and interleaves what arrives back, producing the flattened
// [localBatch, worldSize*width] result. flat must be the row-major
// [sum(sizes), width] local output for the combined batch.
func redistribute(g collective.Group, flat []float32, sizes []int, localBatch, width int) ([]float32, error) {
	world := g.WorldSize()
	sendCounts := make([]int, world)
	recvCounts := make([]int, world)
	for d := 0; d < world; d++ {
		sendCounts[d] = sizes[d] * width
		recvCounts[d] = localBatch * width
	}
	recv, err := g.AllToAll(flat, sendCounts, recvCounts)
	if err != nil {
		return nil, err
	}
	// recv is [world, localBatch, width]; swap the first two axes so each
	// token's slices from all ranks become contiguous in rank order.
	out := make([]float32, localBatch*world*width)
	for src := 0; src < world; src++ {
		for i := 0; i < localBatch; i++ {
			copy(out[(i*world+src)*width:(i*world+src+1)*width],
				recv[(src*localBatch+i)*width:(src*localBatch+i+1)*width])
		}
	}
	return out, nil
}
