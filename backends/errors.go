package backends

import "github.com/pkg/errors"

// Errors returned by the operators. They are wrapped (with github.com/pkg/errors) with details about
// the failure, so test for them with errors.Is.
var (
	// ErrShapeMismatch is returned when inputs have inconsistent shapes, or when a prepared operator
	// is dispatched with shapes different from the ones it was created for.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrUnimplemented is returned when there is no implementation for the operator, target, dtype or
	// implementation category requested.
	ErrUnimplemented = errors.New("not implemented")

	// ErrInvalidValue is returned for parameters out of their domain, e.g. a non-positive kernel size.
	ErrInvalidValue = errors.New("invalid value")

	// ErrNotInitialized is returned when an operator is dispatched before it was created.
	ErrNotInitialized = errors.New("not initialized")

	// ErrConfiguration is returned when a kernel cannot be generated for the shape/quantization
	// combination requested.
	ErrConfiguration = errors.New("unsupported configuration")
)

// Status summarizes the outcome of an operation into the error categories above.
type Status int

const (
	StatusSuccess Status = iota
	StatusShapeMismatch
	StatusUnimplemented
	StatusInvalidValue
	StatusNotInitialized
	StatusConfigurationError
	StatusUnknownError
)

var statusNames = []string{"Success", "ShapeMismatch", "Unimplemented", "InvalidValue", "NotInitialized",
	"ConfigurationError", "UnknownError"}

// String implements fmt.Stringer.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "UnknownError"
	}
	return statusNames[s]
}

// StatusOf returns the Status for err. A nil error is StatusSuccess.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrShapeMismatch):
		return StatusShapeMismatch
	case errors.Is(err, ErrUnimplemented):
		return StatusUnimplemented
	case errors.Is(err, ErrInvalidValue):
		return StatusInvalidValue
	case errors.Is(err, ErrNotInitialized):
		return StatusNotInitialized
	case errors.Is(err, ErrConfiguration):
		return StatusConfigurationError
	}
	return StatusUnknownError
}
