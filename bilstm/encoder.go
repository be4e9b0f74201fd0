package bilstm

import (
	"math"
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// DirectionWeights are the parameters of one LSTM direction. Gate blocks
// along the last axis are ordered input, forget, cell, output.
type DirectionWeights struct {
	Input  *tensor.Dense // [in, 4*hidden]
	Hidden *tensor.Dense // [hidden, 4*hidden]
	Bias   *tensor.Dense // [4*hidden]
}

// LayerWeights holds both directions of one stacked layer.
type LayerWeights struct {
	Forward  DirectionWeights
	Backward DirectionWeights
}

// State is a recurrent state pair, each [layers*2, batch, hidden] in batch
// order. Index 2*l is the forward direction of layer l, 2*l+1 the backward.
type State struct {
	H *tensor.Dense
	C *tensor.Dense
}

// Encoder is a stacked bidirectional LSTM that runs over packed sequences.
type Encoder struct {
	InputSize  int
	HiddenSize int
	NumLayers  int
	Dropout    float64

	Layers   []LayerWeights
	training bool
}

// NewEncoder allocates an encoder with weights drawn from
// U(-1/sqrt(hidden), 1/sqrt(hidden)).
func NewEncoder(inputSize, hiddenSize, numLayers int, dropout float64) *Encoder {
	e := &Encoder{
		InputSize:  inputSize,
		HiddenSize: hiddenSize,
		NumLayers:  numLayers,
		Dropout:    dropout,
		Layers:     make([]LayerWeights, numLayers),
	}

	k := 1 / math.Sqrt(float64(hiddenSize))
	initW := gorgonia.Uniform(-k, k)
	for l := range e.Layers {
		in := e.layerInputSize(l)
		e.Layers[l] = LayerWeights{
			Forward:  newDirectionWeights(initW, in, hiddenSize),
			Backward: newDirectionWeights(initW, in, hiddenSize),
		}
	}
	return e
}

func newDirectionWeights(initW gorgonia.InitWFn, in, hidden int) DirectionWeights {
	gates := 4 * hidden
	return DirectionWeights{
		Input:  tensor.New(tensor.WithShape(in, gates), tensor.WithBacking(initW(tensor.Float32, in, gates))),
		Hidden: tensor.New(tensor.WithShape(hidden, gates), tensor.WithBacking(initW(tensor.Float32, hidden, gates))),
		Bias:   tensor.New(tensor.WithShape(gates), tensor.WithBacking(initW(tensor.Float32, gates))),
	}
}

func (e *Encoder) layerInputSize(l int) int {
	if l == 0 {
		return e.InputSize
	}
	return 2 * e.HiddenSize
}

// OutputSize is the width of every output step.
func (e *Encoder) OutputSize() int {
	return 2 * e.HiddenSize
}

// SetTraining toggles inter-layer dropout.
func (e *Encoder) SetTraining(training bool) {
	e.training = training
}

// ZeroState returns an all-zero initial state for batch sequences.
func (e *Encoder) ZeroState(batch int) *State {
	n := e.NumLayers * 2 * batch * e.HiddenSize
	return &State{
		H: tensor.New(tensor.WithShape(e.NumLayers*2, batch, e.HiddenSize), tensor.WithBacking(make([]float32, n))),
		C: tensor.New(tensor.WithShape(e.NumLayers*2, batch, e.HiddenSize), tensor.WithBacking(make([]float32, n))),
	}
}

// RandomInitialState samples a standard-normal state pair, the way the
// legacy model seeded every call.
func RandomInitialState(rng *rand.Rand, numLayers, batch, hidden int) *State {
	n := numLayers * 2 * batch * hidden
	h := make([]float32, n)
	c := make([]float32, n)
	for i := range h {
		h[i] = float32(rng.NormFloat64())
	}
	for i := range c {
		c[i] = float32(rng.NormFloat64())
	}
	return &State{
		H: tensor.New(tensor.WithShape(numLayers*2, batch, hidden), tensor.WithBacking(h)),
		C: tensor.New(tensor.WithShape(numLayers*2, batch, hidden), tensor.WithBacking(c)),
	}
}

func (e *Encoder) checkState(s *State, batch int) error {
	want := tensor.Shape{e.NumLayers * 2, batch, e.HiddenSize}
	for _, t := range []*tensor.Dense{s.H, s.C} {
		if t == nil {
			return errors.Wrap(ErrShape, "initial state is incomplete")
		}
		if !t.Shape().Eq(want) {
			return errors.Wrapf(ErrShape, "initial state shape %v, want %v", t.Shape(), want)
		}
		if _, ok := t.Data().([]float32); !ok {
			return errors.Wrapf(ErrShape, "initial state dtype %v, want float32", t.Dtype())
		}
	}
	return nil
}

// CheckWeights validates layer shapes against the encoder dimensions.
func (e *Encoder) CheckWeights(layers []LayerWeights) error {
	if len(layers) != e.NumLayers {
		return errors.Wrapf(ErrShape, "%d encoder layers, want %d", len(layers), e.NumLayers)
	}
	gates := 4 * e.HiddenSize
	for l, lw := range layers {
		in := e.layerInputSize(l)
		for _, dw := range []DirectionWeights{lw.Forward, lw.Backward} {
			if dw.Input == nil || dw.Hidden == nil || dw.Bias == nil {
				return errors.Wrapf(ErrShape, "layer %d has missing weights", l)
			}
			if !dw.Input.Shape().Eq(tensor.Shape{in, gates}) ||
				!dw.Hidden.Shape().Eq(tensor.Shape{e.HiddenSize, gates}) ||
				dw.Bias.Shape().TotalSize() != gates {
				return errors.Wrapf(ErrShape, "layer %d weights %v %v %v do not match in=%d hidden=%d",
					l, dw.Input.Shape(), dw.Hidden.Shape(), dw.Bias.Shape(), in, e.HiddenSize)
			}
		}
	}
	return nil
}

// Forward runs every layer over x. state may be nil for a zero state. The
// returned packed output shares x's layout and has width 2*hidden; the final
// state is in batch order.
func (e *Encoder) Forward(x *PackedSequence, state *State) (*PackedSequence, *State, error) {
	if x.Width() != e.InputSize {
		return nil, nil, errors.Wrapf(ErrShape, "encoder input width %d, want %d", x.Width(), e.InputSize)
	}
	batch := x.Batch()
	if state == nil {
		state = e.ZeroState(batch)
	}
	if err := e.checkState(state, batch); err != nil {
		return nil, nil, err
	}

	final := e.ZeroState(batch)
	offs := x.offsets()
	layerIn := x
	for l, lw := range e.Layers {
		out := make([]float32, x.Data.Shape()[0]*e.OutputSize())
		for d, dw := range []DirectionWeights{lw.Forward, lw.Backward} {
			slot := 2*l + d
			h := gatherState(state.H, slot, x.SortedIndices, e.HiddenSize)
			c := gatherState(state.C, slot, x.SortedIndices, e.HiddenSize)
			if err := e.runDirection(layerIn, offs, dw, h, c, d == 1, out, d*e.HiddenSize); err != nil {
				return nil, nil, errors.Wrapf(err, "layer %d direction %d", l, d)
			}
			scatterState(final.H, slot, x.SortedIndices, e.HiddenSize, h)
			scatterState(final.C, slot, x.SortedIndices, e.HiddenSize, c)
		}
		if e.training && e.Dropout > 0 && l < e.NumLayers-1 {
			dropout(out, e.Dropout)
		}
		layerIn = x.withData(out, e.OutputSize())
	}
	return layerIn, final, nil
}

// runDirection advances one direction over all steps. h and c hold the
// sorted-row state and are updated in place; rows of inactive sequences keep
// their last value, so the backward pass picks each sequence up from its
// initial state at its own last step.
func (e *Encoder) runDirection(in *PackedSequence, offs []int, w DirectionWeights, h, c []float32, reverse bool, out []float32, col int) error {
	hidden := e.HiddenSize
	width := in.Width()
	outWidth := e.OutputSize()
	src := in.Data.Data().([]float32)
	bias := w.Bias.Data().([]float32)

	steps := len(in.BatchSizes)
	for k := 0; k < steps; k++ {
		t := k
		if reverse {
			t = steps - 1 - k
		}
		n, off := in.BatchSizes[t], offs[t]

		xt := tensor.New(tensor.WithShape(n, width), tensor.WithBacking(src[off*width:(off+n)*width]))
		ht := tensor.New(tensor.WithShape(n, hidden), tensor.WithBacking(h[:n*hidden]))
		xg, err := xt.MatMul(w.Input)
		if err != nil {
			return err
		}
		hg, err := ht.MatMul(w.Hidden)
		if err != nil {
			return err
		}
		xgd := xg.Data().([]float32)
		hgd := hg.Data().([]float32)

		for j := 0; j < n; j++ {
			g := j * 4 * hidden
			for u := 0; u < hidden; u++ {
				ig := sigmoid(xgd[g+u] + hgd[g+u] + bias[u])
				fg := sigmoid(xgd[g+hidden+u] + hgd[g+hidden+u] + bias[hidden+u])
				cg := math32.Tanh(xgd[g+2*hidden+u] + hgd[g+2*hidden+u] + bias[2*hidden+u])
				og := sigmoid(xgd[g+3*hidden+u] + hgd[g+3*hidden+u] + bias[3*hidden+u])

				s := j*hidden + u
				c[s] = fg*c[s] + ig*cg
				h[s] = og * math32.Tanh(c[s])
				out[(off+j)*outWidth+col+u] = h[s]
			}
		}
	}
	return nil
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// gatherState copies slot of a [slots, batch, hidden] state into sorted-row order.
func gatherState(s *tensor.Dense, slot int, sorted []int, hidden int) []float32 {
	data := s.Data().([]float32)
	batch := len(sorted)
	out := make([]float32, batch*hidden)
	for j, b := range sorted {
		src := (slot*batch + b) * hidden
		copy(out[j*hidden:(j+1)*hidden], data[src:src+hidden])
	}
	return out
}

func scatterState(s *tensor.Dense, slot int, sorted []int, hidden int, rows []float32) {
	data := s.Data().([]float32)
	batch := len(sorted)
	for j, b := range sorted {
		dst := (slot*batch + b) * hidden
		copy(data[dst:dst+hidden], rows[j*hidden:(j+1)*hidden])
	}
}

// dropout zeroes elements with probability p and rescales the rest.
func dropout(x []float32, p float64) {
	scale := float32(1 / (1 - p))
	for i := range x {
		if rand.Float64() < p {
			x[i] = 0
		} else {
			x[i] *= scale
		}
	}
}

func cloneDirection(d DirectionWeights) DirectionWeights {
	return DirectionWeights{
		Input:  d.Input.Clone().(*tensor.Dense),
		Hidden: d.Hidden.Clone().(*tensor.Dense),
		Bias:   d.Bias.Clone().(*tensor.Dense),
	}
}

func cloneLayers(layers []LayerWeights) []LayerWeights {
	out := make([]LayerWeights, len(layers))
	for i, l := range layers {
		out[i] = LayerWeights{Forward: cloneDirection(l.Forward), Backward: cloneDirection(l.Backward)}
	}
	return out
}
