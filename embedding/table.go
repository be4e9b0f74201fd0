package embedding

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"seqclf/bilstm"
)

// Table is a trainable lookup table of shape [vocab, dim]. Row 0 is the
// padding row and always embeds to zeros.
type Table struct {
	base
	Weights *tensor.Dense
}

// NewTable returns a vocab x dim table initialised from N(0, 1).
func NewTable(vocab, dim int, labels map[string]int) *Table {
	w := gorgonia.Gaussian(0, 1)(tensor.Float32, vocab, dim)
	return &Table{
		base:    base{labels: labels, placement: bilstm.CPU},
		Weights: tensor.New(tensor.WithShape(vocab, dim), tensor.WithBacking(w)),
	}
}

// NewTableFrom wraps existing [vocab, dim] float32 weights.
func NewTableFrom(weights *tensor.Dense, labels map[string]int) (*Table, error) {
	if weights.Dims() != 2 {
		return nil, errors.Wrapf(bilstm.ErrShape, "table weights must be [vocab, dim], got %v", weights.Shape())
	}
	if _, ok := weights.Data().([]float32); !ok {
		return nil, errors.Wrapf(bilstm.ErrShape, "table weights must be float32, got %v", weights.Dtype())
	}
	return &Table{base: base{labels: labels, placement: bilstm.CPU}, Weights: weights}, nil
}

// OnDevice records the placement of the table.
func (t *Table) OnDevice(d bilstm.Device) *Table {
	t.placement = d
	return t
}

// VocabSize is the number of rows, padding included.
func (t *Table) VocabSize() int { return t.Weights.Shape()[0] }

// EmbeddingSize is the width of every row.
func (t *Table) EmbeddingSize() int { return t.Weights.Shape()[1] }

// Embed looks up every index in the table.
func (t *Table) Embed(indices tensor.Tensor) (tensor.Tensor, error) {
	dim := t.EmbeddingSize()
	vocab := t.VocabSize()
	data := t.Weights.Data().([]float32)
	return lookup(indices, dim, func(idx int) ([]float32, error) {
		if idx < 0 || idx >= vocab {
			return nil, errors.Wrapf(ErrIndexOutOfRange, "index %d, vocab %d", idx, vocab)
		}
		return data[idx*dim : (idx+1)*dim], nil
	})
}
