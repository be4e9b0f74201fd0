package bilstm

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LSTMParams configures the bidirectional recurrent encoder.
type LSTMParams struct {
	HiddenSize int `yaml:"hidden_size" json:"hidden_size"`
	NumLayers  int `yaml:"num_layers" json:"num_layers"`

	// Dropout is applied between stacked layers in training mode only.
	Dropout       float64 `yaml:"dropout" json:"dropout"`
	Bidirectional bool    `yaml:"bidirectional" json:"bidirectional"`
}

// DenseParams configures the output layer.
type DenseParams struct {
	// Activation is informational. Forward returns raw logits and the
	// activation belongs to the loss function.
	Activation string `yaml:"activation" json:"activation"`
}

// Hyperparameters is the nested configuration record of a SequenceClassifier.
type Hyperparameters struct {
	LSTM  LSTMParams  `yaml:"layer_bi_lstm" json:"layer_bi_lstm"`
	Dense DenseParams `yaml:"layer_dense" json:"layer_dense"`
}

// DefaultHyperparameters returns the stock configuration.
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		LSTM: LSTMParams{
			HiddenSize:    128,
			NumLayers:     1,
			Dropout:       0.2,
			Bidirectional: true,
		},
		Dense: DenseParams{
			Activation: "softmax",
		},
	}
}

// Directions is the number of directions of the encoder.
func (h Hyperparameters) Directions() int {
	return 2
}

// Validate reports the first invalid value as an ErrConfig.
func (h Hyperparameters) Validate() error {
	if h.LSTM.HiddenSize <= 0 {
		return errors.Wrapf(ErrConfig, "hidden_size must be positive, got %d", h.LSTM.HiddenSize)
	}
	if h.LSTM.NumLayers <= 0 {
		return errors.Wrapf(ErrConfig, "num_layers must be positive, got %d", h.LSTM.NumLayers)
	}
	if h.LSTM.Dropout < 0 || h.LSTM.Dropout >= 1 {
		return errors.Wrapf(ErrConfig, "dropout must be in [0, 1), got %g", h.LSTM.Dropout)
	}
	if !h.LSTM.Bidirectional {
		return errors.Wrap(ErrConfig, "bidirectional must be true")
	}
	return nil
}

type rawLSTMParams struct {
	HiddenSize    *int     `yaml:"hidden_size"`
	NumLayers     *int     `yaml:"num_layers"`
	Dropout       *float64 `yaml:"dropout"`
	Bidirectional *bool    `yaml:"bidirectional"`
}

type rawDenseParams struct {
	Activation *string `yaml:"activation"`
}

type rawHyperparameters struct {
	LSTM  *rawLSTMParams  `yaml:"layer_bi_lstm"`
	Dense *rawDenseParams `yaml:"layer_dense"`
}

// ParseHyperparameters decodes a YAML (or JSON) document. hidden_size and
// num_layers are required; the other keys fall back to defaults.
func ParseHyperparameters(data []byte) (Hyperparameters, error) {
	var raw rawHyperparameters
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Hyperparameters{}, errors.Wrapf(ErrConfig, "decode: %v", err)
	}

	if raw.LSTM == nil {
		return Hyperparameters{}, errors.Wrap(ErrConfig, "missing layer_bi_lstm")
	}
	if raw.LSTM.HiddenSize == nil {
		return Hyperparameters{}, errors.Wrap(ErrConfig, "missing layer_bi_lstm.hidden_size")
	}
	if raw.LSTM.NumLayers == nil {
		return Hyperparameters{}, errors.Wrap(ErrConfig, "missing layer_bi_lstm.num_layers")
	}

	h := DefaultHyperparameters()
	h.LSTM.HiddenSize = *raw.LSTM.HiddenSize
	h.LSTM.NumLayers = *raw.LSTM.NumLayers
	if raw.LSTM.Dropout != nil {
		h.LSTM.Dropout = *raw.LSTM.Dropout
	}
	if raw.LSTM.Bidirectional != nil {
		h.LSTM.Bidirectional = *raw.LSTM.Bidirectional
	}
	if raw.Dense != nil && raw.Dense.Activation != nil {
		h.Dense.Activation = *raw.Dense.Activation
	}

	if err := h.Validate(); err != nil {
		return Hyperparameters{}, err
	}
	return h, nil
}

// LoadHyperparameters reads and parses a hyperparameter file.
func LoadHyperparameters(path string) (Hyperparameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Hyperparameters{}, errors.Wrapf(err, "read hyperparameters %s", path)
	}
	return ParseHyperparameters(data)
}

// YAML encodes the record with the same keys ParseHyperparameters reads.
func (h Hyperparameters) YAML() ([]byte, error) {
	return yaml.Marshal(h)
}
