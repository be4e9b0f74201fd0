// Package bilstm implements a bidirectional LSTM sequence classifier: padded
// token indices are embedded by an external provider, packed by length,
// encoded in both temporal directions and projected to class logits.
package bilstm

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

// Pooling selects which encoder step feeds the classification head.
type Pooling int

const (
	// PoolLastValid reads every example at its own last non-padding step.
	PoolLastValid Pooling = iota
	// PoolLastPadded reads step max(lengths)-1 for every example, the last
	// column of a batch padded to its longest valid row. Shorter examples then
	// see zeroed padding output; kept for parity with models trained that way.
	PoolLastPadded
)

func (p Pooling) String() string {
	switch p {
	case PoolLastValid:
		return "last-valid"
	case PoolLastPadded:
		return "last-padded"
	default:
		return fmt.Sprintf("Pooling(%d)", int(p))
	}
}

// ParsePooling is the inverse of Pooling.String.
func ParsePooling(s string) (Pooling, error) {
	switch s {
	case "", "last-valid":
		return PoolLastValid, nil
	case "last-padded":
		return PoolLastPadded, nil
	}
	return 0, errors.Wrapf(ErrConfig, "unknown pooling %q", s)
}

type options struct {
	device  Device
	hp      Hyperparameters
	logger  *zap.Logger
	pooling Pooling
}

// Option configures New.
type Option func(*options)

// WithDevice sets the placement all tensors of a call must share.
func WithDevice(d Device) Option {
	return func(o *options) { o.device = d }
}

// WithHyperparameters replaces DefaultHyperparameters.
func WithHyperparameters(h Hyperparameters) Option {
	return func(o *options) { o.hp = h }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPooling selects the step read by the head.
func WithPooling(p Pooling) Option {
	return func(o *options) { o.pooling = p }
}

// SequenceClassifier maps padded index sequences to class logits.
//
// Forward may be called concurrently. SetWeights and SetTraining take an
// exclusive lock and wait for in-flight calls.
type SequenceClassifier struct {
	provider EmbeddingProvider
	device   Device
	hp       Hyperparameters
	pooling  Pooling
	labels   []string
	logger   *zap.Logger

	mu      sync.RWMutex
	encoder *Encoder
	head    *ClassificationHead
}

// New builds a classifier over provider. The encoder input width is the
// provider's embedding size and the number of classes is the size of its
// label map; both are fixed for the lifetime of the classifier.
func New(provider EmbeddingProvider, opts ...Option) (*SequenceClassifier, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}

	o := options{
		device:  CPU,
		hp:      DefaultHyperparameters(),
		logger:  zap.NewNop(),
		pooling: PoolLastValid,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.hp.Validate(); err != nil {
		return nil, err
	}
	if o.pooling != PoolLastValid && o.pooling != PoolLastPadded {
		return nil, errors.Wrapf(ErrConfig, "unknown pooling %v", o.pooling)
	}

	embeddingSize := provider.EmbeddingSize()
	if embeddingSize <= 0 {
		return nil, errors.Wrapf(ErrShape, "embedding size must be positive, got %d", embeddingSize)
	}
	labels, err := labelsByIndex(provider.Label2Idx())
	if err != nil {
		return nil, err
	}

	m := &SequenceClassifier{
		provider: provider,
		device:   o.device,
		hp:       o.hp,
		pooling:  o.pooling,
		labels:   labels,
		logger:   o.logger,
		encoder:  NewEncoder(embeddingSize, o.hp.LSTM.HiddenSize, o.hp.LSTM.NumLayers, o.hp.LSTM.Dropout),
		head:     NewClassificationHead(o.hp.LSTM.HiddenSize*o.hp.Directions(), len(labels)),
	}

	m.logger.Debug("sequence classifier ready",
		zap.Int("embedding_size", embeddingSize),
		zap.Int("hidden_size", o.hp.LSTM.HiddenSize),
		zap.Int("num_layers", o.hp.LSTM.NumLayers),
		zap.Int("num_classes", len(labels)),
		zap.Stringer("device", o.device),
		zap.Stringer("pooling", o.pooling))
	return m, nil
}

// labelsByIndex inverts label2idx; the indices must be exactly 0..n-1.
func labelsByIndex(label2idx map[string]int) ([]string, error) {
	if len(label2idx) == 0 {
		return nil, errors.Wrap(ErrConfig, "label2idx is empty")
	}
	labels := make([]string, len(label2idx))
	for label, idx := range label2idx {
		if idx < 0 || idx >= len(labels) {
			return nil, errors.Wrapf(ErrConfig, "label %q has index %d outside [0, %d)", label, idx, len(labels))
		}
		if labels[idx] != "" {
			return nil, errors.Wrapf(ErrConfig, "labels %q and %q share index %d", labels[idx], label, idx)
		}
		labels[idx] = label
	}
	return labels, nil
}

// NumClasses is the number of logits per example.
func (m *SequenceClassifier) NumClasses() int { return len(m.labels) }

// Labels returns the class labels ordered by logit column.
func (m *SequenceClassifier) Labels() []string {
	return append([]string(nil), m.labels...)
}

// Device is the placement the classifier was built for.
func (m *SequenceClassifier) Device() Device { return m.device }

// Hyperparameters returns the validated construction hyperparameters.
func (m *SequenceClassifier) Hyperparameters() Hyperparameters { return m.hp }

// Pooling is the step selection used before the head.
func (m *SequenceClassifier) Pooling() Pooling { return m.pooling }

// SetTraining switches inter-layer dropout on or off.
func (m *SequenceClassifier) SetTraining(training bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encoder.SetTraining(training)
}

type forwardOptions struct {
	state *State
}

// ForwardOption configures a single Forward or Encode call.
type ForwardOption func(*forwardOptions)

// WithInitialState seeds the encoder with s instead of zeros. s is
// [num_layers*2, batch, hidden_size] in batch order.
func WithInitialState(s *State) ForwardOption {
	return func(o *forwardOptions) { o.state = s }
}

// Forward returns [batch, num_classes] raw logits for a [batch, seq] tensor
// of tensor.Int indices padded with 0.
func (m *SequenceClassifier) Forward(samples tensor.Tensor, opts ...ForwardOption) (*tensor.Dense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	features, err := m.encode(samples, opts)
	if err != nil {
		return nil, err
	}
	return m.head.Forward(features)
}

// ForwardRows pads rows with NewBatch and calls Forward.
func (m *SequenceClassifier) ForwardRows(rows [][]int, opts ...ForwardOption) (*tensor.Dense, error) {
	samples, err := NewBatch(rows)
	if err != nil {
		return nil, err
	}
	return m.Forward(samples, opts...)
}

// Encode returns the pooled [batch, 2*hidden_size] encoder features that
// Forward projects.
func (m *SequenceClassifier) Encode(samples tensor.Tensor, opts ...ForwardOption) (*tensor.Dense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.encode(samples, opts)
}

func (m *SequenceClassifier) encode(samples tensor.Tensor, opts []ForwardOption) (*tensor.Dense, error) {
	var fo forwardOptions
	for _, opt := range opts {
		opt(&fo)
	}

	indices, batch, seqLen, err := checkSamples(samples)
	if err != nil {
		return nil, err
	}
	lengths := maskLengths(indices, batch, seqLen)
	for i, l := range lengths {
		if l == 0 {
			return nil, errors.Wrapf(ErrZeroLength, "example %d is all padding", i)
		}
	}

	if p, ok := m.provider.(Placed); ok && p.Device() != m.device {
		return nil, errors.Wrapf(ErrDeviceMismatch, "embeddings on %v, model on %v", p.Device(), m.device)
	}

	embeds, err := m.provider.Embed(samples)
	if err != nil {
		return nil, errors.Wrap(err, "embed")
	}
	want := tensor.Shape{batch, seqLen, m.encoder.InputSize}
	if !embeds.Shape().Eq(want) {
		return nil, errors.Wrapf(ErrShape, "embeddings %v, want %v", embeds.Shape(), want)
	}

	packed, err := Pack(embeds, lengths)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("encode batch",
		zap.Int("batch", batch),
		zap.Int("max_seq_len", seqLen),
		zap.Ints("lengths", lengths))

	out, _, err := m.encoder.Forward(packed, fo.state)
	if err != nil {
		return nil, err
	}

	// Unpacking stops at the longest valid length, so last-padded pooling
	// reads the longest row's final state and ignores shared padding columns.
	padded, err := out.Unpack(len(out.BatchSizes))
	if err != nil {
		return nil, err
	}
	return pool(padded, lengths, m.pooling), nil
}

// Predict returns the arg-max label of every example.
func (m *SequenceClassifier) Predict(samples tensor.Tensor, opts ...ForwardOption) ([]string, error) {
	logits, err := m.Forward(samples, opts...)
	if err != nil {
		return nil, err
	}
	return m.LabelsOf(logits)
}

// LabelsOf maps every row of [batch, num_classes] logits to its arg-max label.
func (m *SequenceClassifier) LabelsOf(logits *tensor.Dense) ([]string, error) {
	classes := len(m.labels)
	if logits == nil {
		return nil, errors.Wrap(ErrShape, "nil logits")
	}
	shape := logits.Shape()
	if len(shape) != 2 || shape[1] != classes {
		return nil, errors.Wrapf(ErrShape, "logits %v, want [batch, %d]", shape, classes)
	}
	data, ok := logits.Data().([]float32)
	if !ok || len(data) != shape[0]*classes {
		return nil, errors.Wrapf(ErrShape, "logits must be contiguous float32, got %v", logits.Dtype())
	}
	out := make([]string, logits.Shape()[0])
	for i := range out {
		row := data[i*classes : (i+1)*classes]
		best := 0
		for c, v := range row {
			if v > row[best] {
				best = c
			}
		}
		out[i] = m.labels[best]
	}
	return out, nil
}

// Weights are the trainable parameters of a classifier.
type Weights struct {
	Encoder []LayerWeights
	Head    *ClassificationHead
}

// Weights returns a deep copy of the current parameters.
func (m *SequenceClassifier) Weights() Weights {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Weights{
		Encoder: cloneLayers(m.encoder.Layers),
		Head:    m.head.clone(),
	}
}

// SetWeights replaces the parameters with a copy of w. Shapes must match
// the classifier's dimensions.
func (m *SequenceClassifier) SetWeights(w Weights) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.encoder.CheckWeights(w.Encoder); err != nil {
		return err
	}
	if w.Head == nil || w.Head.Linear == nil || w.Head.Bias == nil {
		return errors.Wrap(ErrShape, "missing head weights")
	}
	if !w.Head.Linear.Shape().Eq(m.head.Linear.Shape()) || w.Head.Bias.Shape().TotalSize() != m.NumClasses() {
		return errors.Wrapf(ErrShape, "head weights %v %v, want %v %v",
			w.Head.Linear.Shape(), w.Head.Bias.Shape(), m.head.Linear.Shape(), m.head.Bias.Shape())
	}

	layers := cloneLayers(w.Encoder)
	head := &ClassificationHead{
		Linear: w.Head.Linear.Clone().(*tensor.Dense),
		Bias:   w.Head.Bias.Clone().(*tensor.Dense),
	}
	if err := head.Bias.Reshape(1, m.NumClasses()); err != nil {
		return errors.Wrap(err, "reshape head bias")
	}

	m.encoder.Layers = layers
	m.head = head
	return nil
}

func checkSamples(samples tensor.Tensor) ([]int, int, int, error) {
	if samples == nil {
		return nil, 0, 0, errors.Wrap(ErrShape, "nil samples")
	}
	shape := samples.Shape()
	if len(shape) != 2 {
		return nil, 0, 0, errors.Wrapf(ErrShape, "samples must be [batch, seq], got %v", shape)
	}
	batch, seqLen := shape[0], shape[1]
	if batch == 0 || seqLen == 0 {
		return nil, 0, 0, errors.Wrapf(ErrEmptyBatch, "samples shape %v", shape)
	}
	indices, ok := samples.Data().([]int)
	if !ok || len(indices) != batch*seqLen {
		return nil, 0, 0, errors.Wrapf(ErrShape, "samples must be contiguous %v, got %v", tensor.Int, samples.Dtype())
	}
	return indices, batch, seqLen, nil
}

// maskLengths counts the entries > 0 of every row.
func maskLengths(indices []int, batch, seqLen int) []int {
	lengths := make([]int, batch)
	for b := 0; b < batch; b++ {
		for _, idx := range indices[b*seqLen : (b+1)*seqLen] {
			if idx > 0 {
				lengths[b]++
			}
		}
	}
	return lengths
}

// pool picks one step of a [batch, seq, width] tensor per example.
func pool(padded *tensor.Dense, lengths []int, p Pooling) *tensor.Dense {
	shape := padded.Shape()
	batch, seqLen, width := shape[0], shape[1], shape[2]
	src := padded.Data().([]float32)
	out := make([]float32, batch*width)
	for b := 0; b < batch; b++ {
		t := seqLen - 1
		if p == PoolLastValid {
			t = lengths[b] - 1
		}
		off := (b*seqLen + t) * width
		copy(out[b*width:(b+1)*width], src[off:off+width])
	}
	return tensor.New(tensor.WithShape(batch, width), tensor.WithBacking(out))
}

// NewBatch pads rows with 0 to the longest row and returns a [batch, seq]
// tensor.Int tensor.
func NewBatch(rows [][]int) (*tensor.Dense, error) {
	seqLen := 0
	for _, r := range rows {
		if len(r) > seqLen {
			seqLen = len(r)
		}
	}
	if len(rows) == 0 || seqLen == 0 {
		return nil, errors.Wrapf(ErrEmptyBatch, "%d rows of at most %d tokens", len(rows), seqLen)
	}
	data := make([]int, len(rows)*seqLen)
	for b, r := range rows {
		copy(data[b*seqLen:], r)
	}
	return tensor.New(tensor.WithShape(len(rows), seqLen), tensor.WithBacking(data)), nil
}
