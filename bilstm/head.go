package bilstm

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ClassificationHead is the affine projection from encoder features to
// class logits.
type ClassificationHead struct {
	Linear *tensor.Dense // [inputDim, numClasses]
	Bias   *tensor.Dense // [1, numClasses]
}

// NewClassificationHead initialises the weights Glorot-uniform and the bias
// to zero.
func NewClassificationHead(inputDim, numClasses int) *ClassificationHead {
	w := gorgonia.GlorotU(1.0)(tensor.Float32, inputDim, numClasses)
	b := gorgonia.Zeroes()(tensor.Float32, 1, numClasses)

	return &ClassificationHead{
		Linear: tensor.New(tensor.WithShape(inputDim, numClasses), tensor.WithBacking(w)),
		Bias:   tensor.New(tensor.WithShape(1, numClasses), tensor.WithBacking(b)),
	}
}

// InputDim is the feature width the head expects.
func (h *ClassificationHead) InputDim() int { return h.Linear.Shape()[0] }

// NumClasses is the logit width.
func (h *ClassificationHead) NumClasses() int { return h.Linear.Shape()[1] }

// Learnables are the head parameters bound to g, for callers that train the
// head on their own graph.
func (h *ClassificationHead) Learnables(g *gorgonia.ExprGraph) (w, b *gorgonia.Node) {
	w = gorgonia.NewMatrix(g, tensor.Float32,
		gorgonia.WithShape(h.InputDim(), h.NumClasses()),
		gorgonia.WithName("Head_W"),
		gorgonia.WithValue(h.Linear))
	b = gorgonia.NewMatrix(g, tensor.Float32,
		gorgonia.WithShape(1, h.NumClasses()),
		gorgonia.WithName("Head_b"),
		gorgonia.WithValue(h.Bias))
	return w, b
}

// Apply adds input*W + b to the graph. input is (Batch, InputDim).
func (h *ClassificationHead) Apply(input, w, b *gorgonia.Node) (*gorgonia.Node, error) {
	logits, err := gorgonia.Mul(input, w)
	if err != nil {
		return nil, err
	}

	// Bias (1, C). Logits (B, C).
	return gorgonia.BroadcastAdd(logits, b, nil, []byte{0})
}

// Forward projects [batch, inputDim] features to [batch, numClasses] logits.
func (h *ClassificationHead) Forward(features *tensor.Dense) (*tensor.Dense, error) {
	shape := features.Shape()
	if len(shape) != 2 || shape[1] != h.InputDim() {
		return nil, errors.Wrapf(ErrShape, "head input %v, want [batch, %d]", shape, h.InputDim())
	}

	g := gorgonia.NewGraph()
	x := gorgonia.NodeFromAny(g, features, gorgonia.WithName("Features"))
	w, b := h.Learnables(g)

	logits, err := h.Apply(x, w, b)
	if err != nil {
		return nil, err
	}

	machine := gorgonia.NewTapeMachine(g)
	defer machine.Close()
	if err := machine.RunAll(); err != nil {
		return nil, errors.Wrap(err, "run head")
	}

	out, ok := logits.Value().(tensor.Tensor)
	if !ok {
		return nil, errors.Errorf("head produced %T", logits.Value())
	}
	return out.Clone().(*tensor.Dense), nil
}

func (h *ClassificationHead) clone() *ClassificationHead {
	return &ClassificationHead{
		Linear: h.Linear.Clone().(*tensor.Dense),
		Bias:   h.Bias.Clone().(*tensor.Dense),
	}
}
