package bilstm

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func filled(v float32, shape ...int) *tensor.Dense {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = v
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func constantEncoder(in, hidden int, input, recurrent float32) *Encoder {
	e := NewEncoder(in, hidden, 1, 0)
	dw := func() DirectionWeights {
		return DirectionWeights{
			Input:  filled(input, in, 4*hidden),
			Hidden: filled(recurrent, hidden, 4*hidden),
			Bias:   filled(0, 4*hidden),
		}
	}
	e.Layers = []LayerWeights{{Forward: dw(), Backward: dw()}}
	return e
}

func randomInput(rng *rand.Rand, batch, seq, width int) *tensor.Dense {
	data := make([]float32, batch*seq*width)
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	return tensor.New(tensor.WithShape(batch, seq, width), tensor.WithBacking(data))
}

func encode(t *testing.T, e *Encoder, x *tensor.Dense, lengths []int, state *State) (*tensor.Dense, *State) {
	t.Helper()
	p, err := Pack(x, lengths)
	require.NoError(t, err)
	out, final, err := e.Forward(p, state)
	require.NoError(t, err)
	padded, err := out.Unpack(x.Shape()[1])
	require.NoError(t, err)
	return padded, final
}

// row returns step s of example b from a [batch, seq, width] tensor.
func row(x *tensor.Dense, b, s int) []float32 {
	shape := x.Shape()
	w := shape[2]
	off := (b*shape[1] + s) * w
	return x.Data().([]float32)[off : off+w]
}

func TestEncoderSingleStep(t *testing.T) {
	e := constantEncoder(1, 1, 1, 0)
	x := tensor.New(tensor.WithShape(1, 1, 1), tensor.WithBacking([]float32{1}))

	out, final := encode(t, e, x, []int{1}, nil)

	// i = f = o = sigmoid(1), g = tanh(1), c = i*g, h = o*tanh(c)
	assert.InDeltaSlice(t, []float32{0.3696064, 0.3696064}, row(out, 0, 0), 1e-6)
	assert.InDeltaSlice(t, []float32{0.3696064, 0.3696064}, final.H.Data(), 1e-6)
	assert.InDeltaSlice(t, []float32{0.5567699, 0.5567699}, final.C.Data(), 1e-6)
}

func TestEncoderZeroWeightsCarryCell(t *testing.T) {
	e := constantEncoder(2, 3, 0, 0)
	x := filled(1, 1, 1, 2)

	state0 := e.ZeroState(1)
	state0.C = filled(1, 2, 1, 3)
	out, final := encode(t, e, x, []int{1}, state0)

	// every gate is sigmoid(0) = 0.5 and the candidate is 0
	for _, v := range row(out, 0, 0) {
		assert.InDelta(t, 0.2310586, v, 1e-6)
	}
	for _, v := range final.C.Data().([]float32) {
		assert.InDelta(t, 0.5, v, 1e-6)
	}
}

func TestEncoderDirectionsMirror(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	e := NewEncoder(3, 4, 1, 0)
	e.Layers[0].Backward = cloneDirection(e.Layers[0].Forward)

	x := randomInput(rng, 1, 5, 3)
	rev := x.Clone().(*tensor.Dense)
	xd, rd := x.Data().([]float32), rev.Data().([]float32)
	for s := 0; s < 5; s++ {
		copy(rd[s*3:(s+1)*3], xd[(4-s)*3:(5-s)*3])
	}

	out, _ := encode(t, e, x, []int{5}, nil)
	outRev, _ := encode(t, e, rev, []int{5}, nil)
	for s := 0; s < 5; s++ {
		assert.InDeltaSlice(t, row(out, 0, s)[:4], row(outRev, 0, 4-s)[4:], 1e-5, "step %d", s)
	}
}

func TestEncoderBatchMatchesSingleSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	e := NewEncoder(3, 4, 2, 0)
	x := randomInput(rng, 3, 6, 3)
	lengths := []int{2, 6, 4}

	state0 := RandomInitialState(rng, 2, 3, 4)
	batched, final := encode(t, e, x, lengths, state0)

	for b, l := range lengths {
		single := tensor.New(tensor.WithShape(1, l, 3), tensor.WithBacking(append([]float32(nil), x.Data().([]float32)[b*18:b*18+l*3]...)))
		state := &State{H: sliceBatch(state0.H, b), C: sliceBatch(state0.C, b)}
		out, sfinal := encode(t, e, single, []int{l}, state)

		for s := 0; s < l; s++ {
			assert.InDeltaSlice(t, row(out, 0, s), row(batched, b, s), 1e-5, "example %d step %d", b, s)
		}
		for s := l; s < 6; s++ {
			assert.Equal(t, make([]float32, 8), row(batched, b, s), "padding of example %d", b)
		}
		assert.InDeltaSlice(t, sfinal.H.Data(), sliceBatch(final.H, b).Data(), 1e-5)
		assert.InDeltaSlice(t, sfinal.C.Data(), sliceBatch(final.C, b).Data(), 1e-5)
	}
}

// sliceBatch copies example b of a [slots, batch, hidden] state.
func sliceBatch(s *tensor.Dense, b int) *tensor.Dense {
	shape := s.Shape()
	slots, batch, hidden := shape[0], shape[1], shape[2]
	data := s.Data().([]float32)
	out := make([]float32, slots*hidden)
	for k := 0; k < slots; k++ {
		copy(out[k*hidden:(k+1)*hidden], data[(k*batch+b)*hidden:(k*batch+b+1)*hidden])
	}
	return tensor.New(tensor.WithShape(slots, 1, hidden), tensor.WithBacking(out))
}

func TestEncoderFinalStateMatchesOutput(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	e := NewEncoder(2, 3, 1, 0)
	x := randomInput(rng, 2, 4, 2)
	lengths := []int{3, 4}

	out, final := encode(t, e, x, lengths, nil)
	h := final.H.Data().([]float32)
	for b, l := range lengths {
		fwd := h[(0*2+b)*3 : (0*2+b+1)*3]
		bwd := h[(1*2+b)*3 : (1*2+b+1)*3]
		assert.InDeltaSlice(t, fwd, row(out, b, l-1)[:3], 1e-6)
		assert.InDeltaSlice(t, bwd, row(out, b, 0)[3:], 1e-6)
	}
}

func TestEncoderRejectsBadInput(t *testing.T) {
	e := NewEncoder(2, 3, 1, 0)

	p, err := Pack(filled(1, 1, 2, 5), []int{2})
	require.NoError(t, err)
	_, _, err = e.Forward(p, nil)
	assert.ErrorIs(t, err, ErrShape)

	p, err = Pack(filled(1, 2, 2, 2), []int{2, 1})
	require.NoError(t, err)
	_, _, err = e.Forward(p, e.ZeroState(3))
	assert.ErrorIs(t, err, ErrShape)

	_, _, err = e.Forward(p, &State{H: e.ZeroState(2).H})
	assert.ErrorIs(t, err, ErrShape)
}

func TestEncoderCheckWeights(t *testing.T) {
	e := NewEncoder(2, 3, 2, 0.1)
	require.NoError(t, e.CheckWeights(e.Layers))

	assert.ErrorIs(t, e.CheckWeights(e.Layers[:1]), ErrShape)

	bad := cloneLayers(e.Layers)
	bad[1].Backward.Input = filled(0, 2, 12)
	assert.ErrorIs(t, e.CheckWeights(bad), ErrShape)

	bad = cloneLayers(e.Layers)
	bad[0].Forward.Bias = nil
	assert.ErrorIs(t, e.CheckWeights(bad), ErrShape)
}

func TestEncoderDropoutOnlyWhileTraining(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	e := NewEncoder(2, 3, 2, 0.5)
	x := randomInput(rng, 2, 3, 2)

	first, _ := encode(t, e, x, []int{3, 2}, nil)
	second, _ := encode(t, e, x, []int{3, 2}, nil)
	assert.Equal(t, first.Data(), second.Data())

	e.SetTraining(true)
	trained, _ := encode(t, e, x, []int{3, 2}, nil)
	assert.Equal(t, first.Shape(), trained.Shape())
}
