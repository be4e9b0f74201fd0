package bilstm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHyperparameters(t *testing.T) {
	h := DefaultHyperparameters()
	require.NoError(t, h.Validate())
	assert.Equal(t, 128, h.LSTM.HiddenSize)
	assert.Equal(t, 1, h.LSTM.NumLayers)
	assert.InDelta(t, 0.2, h.LSTM.Dropout, 1e-12)
	assert.True(t, h.LSTM.Bidirectional)
	assert.Equal(t, "softmax", h.Dense.Activation)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Hyperparameters){
		"zero hidden":      func(h *Hyperparameters) { h.LSTM.HiddenSize = 0 },
		"negative layers":  func(h *Hyperparameters) { h.LSTM.NumLayers = -1 },
		"dropout one":      func(h *Hyperparameters) { h.LSTM.Dropout = 1 },
		"negative dropout": func(h *Hyperparameters) { h.LSTM.Dropout = -0.1 },
		"unidirectional":   func(h *Hyperparameters) { h.LSTM.Bidirectional = false },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := DefaultHyperparameters()
			mutate(&h)
			assert.ErrorIs(t, h.Validate(), ErrConfig)
		})
	}
}

func TestParseHyperparameters(t *testing.T) {
	h, err := ParseHyperparameters([]byte(`
layer_bi_lstm:
  hidden_size: 32
  num_layers: 2
  dropout: 0.5
layer_dense:
  activation: sigmoid
`))
	require.NoError(t, err)
	assert.Equal(t, 32, h.LSTM.HiddenSize)
	assert.Equal(t, 2, h.LSTM.NumLayers)
	assert.InDelta(t, 0.5, h.LSTM.Dropout, 1e-12)
	assert.True(t, h.LSTM.Bidirectional)
	assert.Equal(t, "sigmoid", h.Dense.Activation)
}

func TestParseHyperparametersDefaultsOptionalKeys(t *testing.T) {
	h, err := ParseHyperparameters([]byte(`{"layer_bi_lstm": {"hidden_size": 8, "num_layers": 1}}`))
	require.NoError(t, err)
	d := DefaultHyperparameters()
	assert.Equal(t, 8, h.LSTM.HiddenSize)
	assert.Equal(t, d.LSTM.Dropout, h.LSTM.Dropout)
	assert.Equal(t, d.Dense, h.Dense)
}

func TestParseHyperparametersRequiredKeys(t *testing.T) {
	docs := map[string]string{
		"no section":     "layer_dense:\n  activation: softmax\n",
		"no hidden_size": "layer_bi_lstm:\n  num_layers: 1\n",
		"no num_layers":  "layer_bi_lstm:\n  hidden_size: 4\n",
		"unidirectional": "layer_bi_lstm:\n  hidden_size: 4\n  num_layers: 1\n  bidirectional: false\n",
		"not yaml":       "layer_bi_lstm: [",
	}
	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			_, err := ParseHyperparameters([]byte(doc))
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestLoadHyperparameters(t *testing.T) {
	want := DefaultHyperparameters()
	want.LSTM.HiddenSize = 64

	data, err := want.YAML()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "hparams.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	got, err := LoadHyperparameters(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = LoadHyperparameters(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
