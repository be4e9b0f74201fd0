package embedding

import (
	"context"
	"sync"

	"github.com/nlpodyssey/cybertron/pkg/tasks"
	"github.com/nlpodyssey/cybertron/pkg/tasks/textencoding"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"seqclf/bilstm"
)

// DefaultModel is a small sentence-transformers encoder.
const DefaultModel = "sentence-transformers/all-MiniLM-L6-v2"

// TextEncoder turns one token into a fixed-width vector.
type TextEncoder interface {
	EncodeText(ctx context.Context, text string) ([]float32, error)
}

// modelEncoder adapts a cybertron text-encoding model.
type modelEncoder struct {
	model textencoding.Interface
}

func (m modelEncoder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	result, err := m.model.Encode(ctx, text, 0)
	if err != nil {
		return nil, err
	}
	data := result.Vector.Data().F64()
	v := make([]float32, len(data))
	for i, x := range data {
		v[i] = float32(x)
	}
	return v, nil
}

// Cybertron embeds every vocabulary token with a pre-trained text encoder.
// Vectors are computed on first use and cached per index.
type Cybertron struct {
	base
	encoder TextEncoder
	vocab   []string
	dim     int
	logger  *zap.Logger

	mu    sync.Mutex
	cache map[int][]float32
}

// CybertronConfig selects the model and the vocabulary. Vocab[0] is the
// padding token.
type CybertronConfig struct {
	ModelsDir string
	ModelName string
	Vocab     []string
	Labels    map[string]int
	Logger    *zap.Logger
}

func (cfg *CybertronConfig) defaults() error {
	if cfg.ModelName == "" {
		cfg.ModelName = DefaultModel
	}
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = "./models"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if len(cfg.Vocab) < 2 {
		return errors.Wrap(bilstm.ErrConfig, "vocabulary needs a padding token and at least one word")
	}
	return nil
}

// NewCybertron loads the model (downloading it into ModelsDir on first run)
// and probes its output width.
func NewCybertron(ctx context.Context, cfg CybertronConfig) (*Cybertron, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}

	cfg.Logger.Info("loading text encoder", zap.String("model", cfg.ModelName), zap.String("dir", cfg.ModelsDir))
	m, err := tasks.Load[textencoding.Interface](&tasks.Config{
		ModelsDir: cfg.ModelsDir,
		ModelName: cfg.ModelName,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "load model %s", cfg.ModelName)
	}
	return NewCybertronWith(ctx, modelEncoder{model: m}, cfg)
}

// NewCybertronWith builds the provider over an already loaded encoder.
func NewCybertronWith(ctx context.Context, enc TextEncoder, cfg CybertronConfig) (*Cybertron, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	c := &Cybertron{
		base:    base{labels: cfg.Labels, placement: bilstm.CPU},
		encoder: enc,
		vocab:   cfg.Vocab,
		logger:  cfg.Logger,
		cache:   make(map[int][]float32),
	}

	// Warm-up call on the first real token fixes the embedding width.
	v, err := c.encode(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(v) == 0 {
		return nil, errors.Wrapf(bilstm.ErrShape, "token %q embeds to no values", c.vocab[1])
	}
	c.dim = len(v)
	c.cache[1] = v
	return c, nil
}

// OnDevice records the placement of the produced tensors.
func (c *Cybertron) OnDevice(d bilstm.Device) *Cybertron {
	c.placement = d
	return c
}

// EmbeddingSize is the width probed at construction.
func (c *Cybertron) EmbeddingSize() int { return c.dim }

// VocabSize is the number of tokens, padding included.
func (c *Cybertron) VocabSize() int { return len(c.vocab) }

func (c *Cybertron) encode(ctx context.Context, idx int) ([]float32, error) {
	v, err := c.encoder.EncodeText(ctx, c.vocab[idx])
	if err != nil {
		return nil, errors.Wrapf(err, "encode token %q", c.vocab[idx])
	}
	return v, nil
}

func (c *Cybertron) vector(ctx context.Context, idx int) ([]float32, error) {
	if idx < 0 || idx >= len(c.vocab) {
		return nil, errors.Wrapf(ErrIndexOutOfRange, "index %d, vocab %d", idx, len(c.vocab))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.cache[idx]; ok {
		return v, nil
	}
	v, err := c.encode(ctx, idx)
	if err != nil {
		return nil, err
	}
	if len(v) != c.dim {
		return nil, errors.Wrapf(bilstm.ErrShape, "token %q embeds to %d values, want %d", c.vocab[idx], len(v), c.dim)
	}
	c.cache[idx] = v
	c.logger.Debug("cached token vector", zap.Int("index", idx), zap.String("token", c.vocab[idx]))
	return v, nil
}

// Embed returns a [batch, seq, EmbeddingSize()] tensor; padding is zero.
func (c *Cybertron) Embed(indices tensor.Tensor) (tensor.Tensor, error) {
	ctx := context.Background()
	return lookup(indices, c.dim, func(idx int) ([]float32, error) {
		return c.vector(ctx, idx)
	})
}
