package bilstm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func TestNewClassificationHead(t *testing.T) {
	h := NewClassificationHead(6, 3)
	assert.Equal(t, 6, h.InputDim())
	assert.Equal(t, 3, h.NumClasses())
	assert.Equal(t, tensor.Shape{1, 3}, h.Bias.Shape())
	assert.Equal(t, []float32{0, 0, 0}, h.Bias.Data())
}

func TestClassificationHeadForward(t *testing.T) {
	h := &ClassificationHead{
		Linear: tensor.New(tensor.WithShape(2, 3), tensor.WithBacking([]float32{1, 0, 1, 0, 1, 1})),
		Bias:   tensor.New(tensor.WithShape(1, 3), tensor.WithBacking([]float32{0, 0, 0.5})),
	}
	x := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float32{1, 2, -1, 0}))

	logits, err := h.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3}, logits.Shape())
	assert.InDeltaSlice(t, []float32{1, 2, 3.5, -1, 0, -0.5}, logits.Data(), 1e-6)

	// weights are only read
	assert.Equal(t, []float32{0, 0, 0.5}, h.Bias.Data())
}

func TestClassificationHeadForwardSingleRow(t *testing.T) {
	h := NewClassificationHead(4, 2)
	h.Bias = tensor.New(tensor.WithShape(1, 2), tensor.WithBacking([]float32{0.25, -0.25}))

	logits, err := h.Forward(filled(0, 1, 4))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.25, -0.25}, logits.Data(), 1e-6)
}

func TestClassificationHeadRejectsWidth(t *testing.T) {
	h := NewClassificationHead(4, 2)
	_, err := h.Forward(filled(0, 2, 3))
	assert.ErrorIs(t, err, ErrShape)
}

func TestClassificationHeadOnCallerGraph(t *testing.T) {
	h := NewClassificationHead(2, 2)
	g := gorgonia.NewGraph()
	w, b := h.Learnables(g)
	assert.Equal(t, "Head_W", w.Name())
	assert.Equal(t, "Head_b", b.Name())

	x := gorgonia.NodeFromAny(g, filled(1, 3, 2), gorgonia.WithName("X"))
	logits, err := h.Apply(x, w, b)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3, 2}, logits.Shape())
}
