package vocab

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/vocpar/vocpar/internal/collective"
	"github.com/vocpar/vocpar/internal/shard"
	"github.com/vocpar/vocpar/internal/tensor"
)

// refEmbed gathers rows of the full weight matrix, the single-rank reference.
func refEmbed(full *tensor.Mat, ids []int) tensor.Mat {
	out := tensor.NewMat(len(ids), full.C)
	for i, id := range ids {
		full.RowTo(out.Row(i), id)
	}
	return out
}

func matEqual(a, b tensor.Mat) error {
	if a.R != b.R || a.C != b.C {
		return fmt.Errorf("shape [%d,%d] vs [%d,%d]", a.R, a.C, b.R, b.C)
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return fmt.Errorf("element %d: %v vs %v", i, a.Data[i], b.Data[i])
		}
	}
	return nil
}

// TestForwardStandardMatchesReference simulates all ranks of a
// tensor-parallel group and checks that the masked lookup plus all-reduce
// reproduces the plain full-table lookup exactly, including added tokens
// that live past the padding gap.
func TestForwardStandardMatchesReference(t *testing.T) {
	const (
		numEmbeddings = 110
		orgVocab      = 100
		dim           = 8
		world         = 4
	)
	full := tensor.NewMat(numEmbeddings, dim)
	tensor.FillRand(&full, 11)
	ids := []int{0, 5, 99, 100, 109, 42, 96, 0}
	want := refEmbed(&full, ids)

	var mu sync.Mutex
	got := make([]tensor.Mat, world)

	err := collective.Run(world, func(g collective.Group) error {
		table, err := NewVocabParallelEmbedding(g, Config{
			NumEmbeddings:    numEmbeddings,
			EmbeddingDim:     dim,
			OrgNumEmbeddings: orgVocab,
		}, nil)
		if err != nil {
			return err
		}
		if err := table.LoadWeights(&full); err != nil {
			return err
		}
		out, err := table.Forward(ids)
		if err != nil {
			return err
		}
		mu.Lock()
		got[g.Rank()] = out
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for rank := range got {
		if err := matEqual(got[rank], want); err != nil {
			t.Fatalf("rank %d output differs from reference: %v", rank, err)
		}
	}
}

// TestForwardSingleRank checks the direct path taken by a one-member group.
func TestForwardSingleRank(t *testing.T) {
	const numEmbeddings, dim = 100, 4
	full := tensor.NewMat(numEmbeddings, dim)
	tensor.FillRand(&full, 3)
	ids := []int{7, 0, 99}

	err := collective.Run(1, func(g collective.Group) error {
		table, err := NewVocabParallelEmbedding(g, Config{
			NumEmbeddings: numEmbeddings,
			EmbeddingDim:  dim,
		}, nil)
		if err != nil {
			return err
		}
		if err := table.LoadWeights(&full); err != nil {
			return err
		}
		out, err := table.Forward(ids)
		if err != nil {
			return err
		}
		return matEqual(out, refEmbed(&full, ids))
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// TestForwardSingleRankAddedTokens checks the one-member group when added
// tokens sit past the padding gap in local storage.
func TestForwardSingleRankAddedTokens(t *testing.T) {
	const numEmbeddings, orgVocab, dim = 110, 100, 4
	full := tensor.NewMat(numEmbeddings, dim)
	tensor.FillRand(&full, 5)
	ids := []int{0, 99, 100, 109}

	err := collective.Run(1, func(g collective.Group) error {
		table, err := NewVocabParallelEmbedding(g, Config{
			NumEmbeddings:    numEmbeddings,
			EmbeddingDim:     dim,
			OrgNumEmbeddings: orgVocab,
		}, nil)
		if err != nil {
			return err
		}
		if err := table.LoadWeights(&full); err != nil {
			return err
		}
		out, err := table.Forward(ids)
		if err != nil {
			return err
		}
		return matEqual(out, refEmbed(&full, ids))
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// TestForwardHeadGroupRoundTrip checks the gather + all-to-all strategy:
// with ragged per-rank batches, every rank must get back its own tokens'
// full embedding rows, assembled from all ranks' column shards.
func TestForwardHeadGroupRoundTrip(t *testing.T) {
	const (
		numEmbeddings = 110
		orgVocab      = 100
		dim           = 6
		world         = 3
	)
	full := tensor.NewMat(numEmbeddings, dim)
	tensor.FillRand(&full, 17)
	batches := [][]int{{3, 77}, {}, {109, 0, 55}}
	sizes := StaticBatchSizes{2, 0, 3}

	var mu sync.Mutex
	got := make([]tensor.Mat, world)

	err := collective.Run(world, func(g collective.Group) error {
		table, err := NewVocabParallelEmbedding(g, Config{
			NumEmbeddings:    numEmbeddings,
			EmbeddingDim:     dim,
			OrgNumEmbeddings: orgVocab,
			Parallelism:      HeadGroupParallel,
			BatchSizes:       sizes,
		}, nil)
		if err != nil {
			return err
		}
		if err := table.LoadWeights(&full); err != nil {
			return err
		}
		out, err := table.Forward(batches[g.Rank()])
		if err != nil {
			return err
		}
		mu.Lock()
		got[g.Rank()] = out
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for rank := range got {
		want := refEmbed(&full, batches[rank])
		if err := matEqual(got[rank], want); err != nil {
			t.Fatalf("rank %d output differs from reference: %v", rank, err)
		}
	}
}

// TestHeadGroupOracleMismatch checks that an oracle whose rank list length
// disagrees with the group is treated as a fatal configuration error.
func TestHeadGroupOracleMismatch(t *testing.T) {
	err := collective.Run(2, func(g collective.Group) error {
		table, err := NewVocabParallelEmbedding(g, Config{
			NumEmbeddings: 128,
			EmbeddingDim:  4,
			Parallelism:   HeadGroupParallel,
			BatchSizes:    StaticBatchSizes{1, 1, 1},
		}, nil)
		if err != nil {
			return err
		}
		_, err = table.Forward([]int{0})
		return err
	})
	if !errors.Is(err, shard.ErrConfig) {
		t.Fatalf("expected a configuration error, got %v", err)
	}
}

type applyOnlyMethod struct{}

func (applyOnlyMethod) Apply(w *tensor.Mat, hidden tensor.Mat, bias []float32) (tensor.Mat, error) {
	return UnquantizedMethod{}.Apply(w, hidden, bias)
}

// TestConstructionErrors checks the fatal configuration and capability
// failures at table construction.
func TestConstructionErrors(t *testing.T) {
	mesh, err := collective.NewMesh(3)
	if err != nil {
		t.Fatalf("NewMesh: %v", err)
	}
	g := mesh.Group(0)

	// Padded vocab 50048 is not divisible by 3 ranks.
	_, err = NewVocabParallelEmbedding(g, Config{NumEmbeddings: 50000, EmbeddingDim: 8}, nil)
	if !errors.Is(err, shard.ErrConfig) {
		t.Fatalf("expected a configuration error for indivisible vocab, got %v", err)
	}

	// 192 columns split over 3 ranks is fine, but a projection-only method
	// cannot serve an embedding layer.
	_, err = NewVocabParallelEmbedding(g, Config{
		NumEmbeddings: 192, EmbeddingDim: 9, Method: applyOnlyMethod{},
	}, nil)
	if !errors.Is(err, ErrCapability) {
		t.Fatalf("expected a capability error, got %v", err)
	}

	// Head-group parallelism needs the embedding dim to split evenly.
	_, err = NewVocabParallelEmbedding(g, Config{
		NumEmbeddings: 192, EmbeddingDim: 8, Parallelism: HeadGroupParallel,
	}, nil)
	if !errors.Is(err, shard.ErrConfig) {
		t.Fatalf("expected a configuration error for indivisible dim, got %v", err)
	}

	// The LM head accepts a projection-only method.
	if _, err := NewParallelLMHead(g, Config{
		NumEmbeddings: 192, EmbeddingDim: 9, Method: applyOnlyMethod{},
	}, false); err != nil {
		t.Fatalf("NewParallelLMHead: %v", err)
	}
}

// TestLoadWeightsValidation checks shape validation of the loading contract.
func TestLoadWeightsValidation(t *testing.T) {
	mesh, err := collective.NewMesh(2)
	if err != nil {
		t.Fatalf("NewMesh: %v", err)
	}
	table, err := NewVocabParallelEmbedding(mesh.Group(0), Config{
		NumEmbeddings: 128, EmbeddingDim: 4,
	}, nil)
	if err != nil {
		t.Fatalf("NewVocabParallelEmbedding: %v", err)
	}
	bad := tensor.NewMat(64, 4)
	if err := table.LoadWeights(&bad); !errors.Is(err, shard.ErrConfig) {
		t.Fatalf("expected a configuration error for bad shape, got %v", err)
	}
}

// TestBatchSizesFromCumulative checks the cumulative-boundary conversion.
func TestBatchSizesFromCumulative(t *testing.T) {
	sizes, err := BatchSizesFromCumulative([]int{3, 3, 7})
	if err != nil {
		t.Fatalf("BatchSizesFromCumulative: %v", err)
	}
	if sizes[0] != 3 || sizes[1] != 0 || sizes[2] != 4 {
		t.Fatalf("unexpected sizes %v", sizes)
	}
	if _, err := BatchSizesFromCumulative([]int{3, 2}); !errors.Is(err, shard.ErrConfig) {
		t.Fatalf("expected a configuration error for non-monotonic boundaries, got %v", err)
	}
}
