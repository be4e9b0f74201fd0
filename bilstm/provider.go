package bilstm

import "gorgonia.org/tensor"

// EmbeddingProvider maps token indices to dense vectors and carries the
// label set of the task. Its lifetime is managed by the caller.
type EmbeddingProvider interface {
	// EmbeddingSize is the width of every vector Embed returns.
	EmbeddingSize() int
	// Label2Idx maps class labels to logit columns.
	Label2Idx() map[string]int
	// Embed turns a [batch, seq] tensor of tensor.Int indices into a
	// [batch, seq, EmbeddingSize()] tensor of float32.
	Embed(indices tensor.Tensor) (tensor.Tensor, error)
}
