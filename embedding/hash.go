package embedding

import (
	"crypto/md5"
	"encoding/binary"
	"math/rand"
	"strconv"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"seqclf/bilstm"
)

// Hash stands in for a pre-trained embedding model. Each token index maps to
// a fixed vector in [-1, 1) derived from the md5 of the index and a salt, so
// the same index embeds identically across processes.
type Hash struct {
	base
	Dim  int
	Salt string
}

// NewHash returns a CPU-placed provider of dim-wide vectors.
func NewHash(dim int, labels map[string]int) *Hash {
	return &Hash{
		base: base{labels: labels, placement: bilstm.CPU},
		Dim:  dim,
	}
}

// OnDevice records the placement of the produced tensors.
func (h *Hash) OnDevice(d bilstm.Device) *Hash {
	h.placement = d
	return h
}

// EmbeddingSize is Dim.
func (h *Hash) EmbeddingSize() int { return h.Dim }

// Vector returns the embedding of a single index.
func (h *Hash) Vector(idx int) []float32 {
	sum := md5.Sum([]byte(h.Salt + ":" + strconv.Itoa(idx)))
	r := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(sum[:8]))))

	v := make([]float32, h.Dim)
	for d := range v {
		v[d] = r.Float32()*2 - 1
	}
	return v
}

// Embed returns a [batch, seq, Dim] tensor; padding is zero.
func (h *Hash) Embed(indices tensor.Tensor) (tensor.Tensor, error) {
	return lookup(indices, h.Dim, func(idx int) ([]float32, error) {
		if idx < 0 {
			return nil, errors.Wrapf(ErrIndexOutOfRange, "index %d", idx)
		}
		return h.Vector(idx), nil
	})
}
