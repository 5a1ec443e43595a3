package vocab

import (
	"sync"
	"testing"

	"github.com/vocpar/vocpar/internal/collective"
	"github.com/vocpar/vocpar/internal/tensor"
)

// refLogits projects hidden states through the full weight matrix and trims
// to the original vocabulary, the single-rank reference.
func refLogits(t *testing.T, full *tensor.Mat, hidden tensor.Mat, bias []float32, orgVocab int) tensor.Mat {
	t.Helper()
	out, err := UnquantizedMethod{}.Apply(full, hidden, bias)
	if err != nil {
		t.Fatalf("reference projection: %v", err)
	}
	return trimVocab(out, orgVocab)
}

// TestGetLogitsStandard checks the projection + column gather path against
// the full-matrix reference, and that padding columns are trimmed.
func TestGetLogitsStandard(t *testing.T) {
	const (
		numEmbeddings = 110
		orgVocab      = 100
		dim           = 8
		world         = 4
		n             = 3
	)
	full := tensor.NewMat(numEmbeddings, dim)
	tensor.FillRand(&full, 23)
	bias := make([]float32, numEmbeddings)
	for i := range bias {
		bias[i] = float32(i%7) * 0.25
	}
	hidden := tensor.NewMat(n, dim)
	tensor.FillRand(&hidden, 29)

	want := refLogits(t, &full, hidden, bias, orgVocab)

	var mu sync.Mutex
	got := make([]tensor.Mat, world)

	err := collective.Run(world, func(g collective.Group) error {
		head, err := NewParallelLMHead(g, Config{
			NumEmbeddings:    numEmbeddings,
			EmbeddingDim:     dim,
			OrgNumEmbeddings: orgVocab,
		}, true)
		if err != nil {
			return err
		}
		if err := head.LoadWeights(&full, bias); err != nil {
			return err
		}
		proc := NewLogitsProcessor(head, nil)
		out, err := proc.GetLogits(hidden, nil)
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
		if got[rank].C != orgVocab {
			t.Fatalf("rank %d logits width %d, want %d", rank, got[rank].C, orgVocab)
		}
		if err := matEqual(got[rank], want); err != nil {
			t.Fatalf("rank %d logits differ from reference: %v", rank, err)
		}
	}
}

// TestGetLogitsSingleRank checks that the one-member group still trims the
// padded columns.
func TestGetLogitsSingleRank(t *testing.T) {
	const numEmbeddings, dim, n = 100, 4, 2
	full := tensor.NewMat(numEmbeddings, dim)
	tensor.FillRand(&full, 31)
	hidden := tensor.NewMat(n, dim)
	tensor.FillRand(&hidden, 37)
	want := refLogits(t, &full, hidden, nil, numEmbeddings)

	err := collective.Run(1, func(g collective.Group) error {
		head, err := NewParallelLMHead(g, Config{
			NumEmbeddings: numEmbeddings,
			EmbeddingDim:  dim,
		}, false)
		if err != nil {
			return err
		}
		if err := head.LoadWeights(&full, nil); err != nil {
			return err
		}
		out, err := NewLogitsProcessor(head, nil).GetLogits(hidden, nil)
		if err != nil {
			return err
		}
		if out.C != numEmbeddings {
			t.Errorf("logits width %d, want %d", out.C, numEmbeddings)
		}
		return matEqual(out, want)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// TestGetLogitsHeadGroup checks the gather + project + all-to-all path with
// ragged per-rank batches against the full-matrix reference.
func TestGetLogitsHeadGroup(t *testing.T) {
	const (
		numEmbeddings = 110
		orgVocab      = 100
		dim           = 6
		world         = 3
	)
	full := tensor.NewMat(numEmbeddings, dim)
	tensor.FillRand(&full, 41)
	sizes := StaticBatchSizes{1, 3, 0}

	hiddens := make([]tensor.Mat, world)
	for rank, n := range sizes {
		hiddens[rank] = tensor.NewMat(n, dim)
		tensor.FillRand(&hiddens[rank], int64(100+rank))
	}

	var mu sync.Mutex
	got := make([]tensor.Mat, world)

	err := collective.Run(world, func(g collective.Group) error {
		head, err := NewParallelLMHead(g, Config{
			NumEmbeddings:    numEmbeddings,
			EmbeddingDim:     dim,
			OrgNumEmbeddings: orgVocab,
			Parallelism:      HeadGroupParallel,
			BatchSizes:       sizes,
		}, false)
		if err != nil {
			return err
		}
		if err := head.LoadWeights(&full, nil); err != nil {
			return err
		}
		out, err := NewLogitsProcessor(head, nil).GetLogits(hiddens[g.Rank()], nil)
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
		want := refLogits(t, &full, hiddens[rank], nil, orgVocab)
		if err := matEqual(got[rank], want); err != nil {
			t.Fatalf("rank %d logits differ from reference: %v", rank, err)
		}
	}
}
