package bilstm

import "github.com/pkg/errors"

// Errors returned by the classifier. Callers match them with errors.Is; the
// returned values carry extra detail through errors.Wrapf.
var (
	ErrConfig         = errors.New("bilstm: invalid hyperparameters")
	ErrShape          = errors.New("bilstm: shape mismatch")
	ErrEmptyBatch     = errors.New("bilstm: empty batch")
	ErrZeroLength     = errors.New("bilstm: zero-length sequence")
	ErrDeviceMismatch = errors.New("bilstm: device mismatch")
	ErrNoProvider     = errors.New("bilstm: embedding provider is required")
)
