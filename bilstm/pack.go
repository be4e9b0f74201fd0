package bilstm

import (
	"sort"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// PackedSequence is a batch of variable-length sequences stored time-major
// without padding. Rows of step t hold the BatchSizes[t] longest sequences
// in descending-length order, so every step is a prefix of the previous one.
type PackedSequence struct {
	// Data is [sum(lengths), width].
	Data *tensor.Dense

	// BatchSizes[t] is the number of sequences still active at step t.
	BatchSizes []int

	// SortedIndices[j] is the original batch index of sorted row j.
	SortedIndices []int

	// UnsortedIndices[i] is the sorted row of original batch index i.
	UnsortedIndices []int
}

// SortByLength returns the permutation that orders lengths descending.
// Ties keep their original order.
func SortByLength(lengths []int) []int {
	perm := make([]int, len(lengths))
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(a, b int) bool {
		return lengths[perm[a]] > lengths[perm[b]]
	})
	return perm
}

func invertPermutation(perm []int) []int {
	inv := make([]int, len(perm))
	for i, p := range perm {
		inv[p] = i
	}
	return inv
}

// Pack compacts a padded [batch, seq, width] float32 tensor. lengths is in
// batch order; every length must be in [1, seq].
func Pack(x tensor.Tensor, lengths []int) (*PackedSequence, error) {
	shape := x.Shape()
	if len(shape) != 3 {
		return nil, errors.Wrapf(ErrShape, "pack expects [batch, seq, width], got %v", shape)
	}
	batch, seqLen, width := shape[0], shape[1], shape[2]
	if batch == 0 || seqLen == 0 {
		return nil, errors.Wrapf(ErrEmptyBatch, "shape %v", shape)
	}
	if len(lengths) != batch {
		return nil, errors.Wrapf(ErrShape, "%d lengths for batch of %d", len(lengths), batch)
	}
	data, ok := x.Data().([]float32)
	if !ok || len(data) != batch*seqLen*width {
		return nil, errors.Wrapf(ErrShape, "pack expects contiguous float32 data, got %v", x.Dtype())
	}
	for i, l := range lengths {
		switch {
		case l == 0:
			return nil, errors.Wrapf(ErrZeroLength, "example %d has no tokens", i)
		case l < 0 || l > seqLen:
			return nil, errors.Wrapf(ErrShape, "example %d has length %d outside [1, %d]", i, l, seqLen)
		}
	}

	perm := SortByLength(lengths)
	maxLen := lengths[perm[0]]

	batchSizes := make([]int, maxLen)
	total := 0
	for step := 0; step < maxLen; step++ {
		n := 0
		for n < batch && lengths[perm[n]] > step {
			n++
		}
		batchSizes[step] = n
		total += n
	}

	packed := make([]float32, total*width)
	row := 0
	for step, n := range batchSizes {
		for j := 0; j < n; j++ {
			src := (perm[j]*seqLen + step) * width
			copy(packed[row*width:(row+1)*width], data[src:src+width])
			row++
		}
	}

	return &PackedSequence{
		Data:            tensor.New(tensor.WithShape(total, width), tensor.WithBacking(packed)),
		BatchSizes:      batchSizes,
		SortedIndices:   perm,
		UnsortedIndices: invertPermutation(perm),
	}, nil
}

// Width is the feature width of each packed row.
func (p *PackedSequence) Width() int {
	return p.Data.Shape()[1]
}

// Batch is the number of sequences.
func (p *PackedSequence) Batch() int {
	return len(p.SortedIndices)
}

// offsets returns the first packed row of every step.
func (p *PackedSequence) offsets() []int {
	offs := make([]int, len(p.BatchSizes))
	off := 0
	for t, n := range p.BatchSizes {
		offs[t] = off
		off += n
	}
	return offs
}

// Lengths returns the sequence lengths in batch order.
func (p *PackedSequence) Lengths() []int {
	lengths := make([]int, p.Batch())
	for _, n := range p.BatchSizes {
		for j := 0; j < n; j++ {
			lengths[p.SortedIndices[j]]++
		}
	}
	return lengths
}

// withData returns a packed sequence sharing p's layout with new row data.
func (p *PackedSequence) withData(data []float32, width int) *PackedSequence {
	rows := p.Data.Shape()[0]
	return &PackedSequence{
		Data:            tensor.New(tensor.WithShape(rows, width), tensor.WithBacking(data)),
		BatchSizes:      p.BatchSizes,
		SortedIndices:   p.SortedIndices,
		UnsortedIndices: p.UnsortedIndices,
	}
}

// Unpack restores a zero-padded [batch, totalLength, width] tensor in the
// original batch order. totalLength must cover the longest sequence.
func (p *PackedSequence) Unpack(totalLength int) (*tensor.Dense, error) {
	if totalLength < len(p.BatchSizes) {
		return nil, errors.Wrapf(ErrShape, "total length %d shorter than longest sequence %d", totalLength, len(p.BatchSizes))
	}
	width := p.Width()
	batch := p.Batch()
	src := p.Data.Data().([]float32)
	out := make([]float32, batch*totalLength*width)

	row := 0
	for step, n := range p.BatchSizes {
		for j := 0; j < n; j++ {
			dst := (p.SortedIndices[j]*totalLength + step) * width
			copy(out[dst:dst+width], src[row*width:(row+1)*width])
			row++
		}
	}
	return tensor.New(tensor.WithShape(batch, totalLength, width), tensor.WithBacking(out)), nil
}
