// Package embedding provides token embedding providers for the bilstm
// classifier.
package embedding

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"seqclf/bilstm"
)

// ErrIndexOutOfRange is returned for token indices outside the vocabulary.
var ErrIndexOutOfRange = errors.New("embedding: token index out of range")

// Labels builds a label2idx map in slice order.
func Labels(names ...string) map[string]int {
	m := make(map[string]int, len(names))
	for i, n := range names {
		m[n] = i
	}
	return m
}

// base carries the label set and placement every provider shares.
type base struct {
	labels    map[string]int
	placement bilstm.Device
}

func (b *base) Label2Idx() map[string]int {
	out := make(map[string]int, len(b.labels))
	for k, v := range b.labels {
		out[k] = v
	}
	return out
}

func (b *base) Device() bilstm.Device { return b.placement }

// indicesOf validates a [batch, seq] tensor.Int tensor.
func indicesOf(t tensor.Tensor) ([]int, int, int, error) {
	shape := t.Shape()
	if len(shape) != 2 {
		return nil, 0, 0, errors.Wrapf(bilstm.ErrShape, "indices must be [batch, seq], got %v", shape)
	}
	data, ok := t.Data().([]int)
	if !ok || len(data) != shape[0]*shape[1] {
		return nil, 0, 0, errors.Wrapf(bilstm.ErrShape, "indices must be contiguous %v, got %v", tensor.Int, t.Dtype())
	}
	return data, shape[0], shape[1], nil
}

// lookup fills a [batch, seq, dim] tensor with vec(idx), leaving padding
// (index 0) as zeros.
func lookup(t tensor.Tensor, dim int, vec func(idx int) ([]float32, error)) (tensor.Tensor, error) {
	indices, batch, seqLen, err := indicesOf(t)
	if err != nil {
		return nil, err
	}
	out := make([]float32, batch*seqLen*dim)
	for i, idx := range indices {
		if idx == 0 {
			continue
		}
		v, err := vec(idx)
		if err != nil {
			return nil, err
		}
		copy(out[i*dim:(i+1)*dim], v)
	}
	return tensor.New(tensor.WithShape(batch, seqLen, dim), tensor.WithBacking(out)), nil
}
