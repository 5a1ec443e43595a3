package vocab

import (
	"fmt"

	"github.com/vocpar/vocpar/internal/tensor"
)

// Method performs the arithmetic of a projection against a weight shard.
// It is the seam where quantized implementations plug in; the partitioning
// and communication logic never looks inside it.
type Method interface {
	// Apply projects hidden states [n, dim] through weight [rows, dim],
	// producing [n, rows]. bias, when non-nil, must have length rows and
	// is added to every output row.
	Apply(weight *tensor.Mat, hidden tensor.Mat, bias []float32) (tensor.Mat, error)
}

// EmbeddingMethod is implemented by methods that can also index weight rows
// directly. A layer that is strictly an embedding requires this capability;
// a projection-only head does not.
type EmbeddingMethod interface {
	Method

	// Embedding gathers weight rows by id, producing [len(ids), cols].
	Embedding(weight *tensor.Mat, ids []int) (tensor.Mat, error)
}

// UnquantizedMethod is the plain float32 Method used when no quantization
// scheme is configured.
type UnquantizedMethod struct{}

func (UnquantizedMethod) Embedding(weight *tensor.Mat, ids []int) (tensor.Mat, error) {
	out := tensor.NewMat(len(ids), weight.C)
	for i, id := range ids {
		if id < 0 || id >= weight.R {
			return tensor.Mat{}, fmt.Errorf("token id %d outside table of %d rows", id, weight.R)
		}
		weight.RowTo(out.Row(i), id)
	}
	return out, nil
}

func (UnquantizedMethod) Apply(weight *tensor.Mat, hidden tensor.Mat, bias []float32) (tensor.Mat, error) {
	if hidden.C != weight.C {
		return tensor.Mat{}, fmt.Errorf("hidden width %d does not match weight width %d", hidden.C, weight.C)
	}
	if bias != nil && len(bias) != weight.R {
		return tensor.Mat{}, fmt.Errorf("bias length %d does not match %d output rows", len(bias), weight.R)
	}
	out := tensor.NewMat(hidden.R, weight.R)
	for i := 0; i < hidden.R; i++ {
		row := out.Row(i)
		tensor.MatVec(row, weight, hidden.Row(i))
		if bias != nil {
			tensor.Add(row, bias)
		}
	}
	return out, nil
}
