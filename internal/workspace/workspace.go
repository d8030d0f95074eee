// Package workspace holds the float32 buffers the implementations use to compute tensors of other dtypes:
// quantized inputs are converted to float32, and float32 results are converted back to the dtype of the
// outputs.
package workspace

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/types/tensors"
	"github.com/pkg/errors"
)

// Float holds the float32 version of a tensor with another dtype.
type Float struct {
	ws *tensors.Tensor
}

// Prepare (re)allocates the workspace for t, if t is not float32.
func (w *Float) Prepare(t *tensors.Tensor) error {
	if t.DType() == dtypes.Float32 {
		return nil
	}
	if t.DType() != dtypes.Float16 && len(t.Scale()) == 0 && t.DType() != dtypes.Int32 {
		return errors.Wrapf(backends.ErrInvalidValue, "quantized tensor %s has no scale", t.Shape())
	}
	if w.ws == nil {
		w.ws = tensors.Empty(dtypes.Float32)
	}
	return w.ws.ReAlloc(t.Shape().WithDType(dtypes.Float32))
}

// Input returns the values of t as float32, converting them into the workspace if needed.
func (w *Float) Input(t *tensors.Tensor) ([]float32, error) {
	if t.DType() == dtypes.Float32 {
		return tensors.Flat[float32](t), nil
	}
	if err := w.Prepare(t); err != nil {
		return nil, err
	}
	if err := tensors.ConvertInto(t, w.ws); err != nil {
		return nil, errors.Wrapf(backends.ErrInvalidValue, "%v", err)
	}
	return tensors.Flat[float32](w.ws), nil
}

// Output returns the float32 buffer where to write the values of t: t itself if float32, or the workspace.
// If t is quantized, its scale must be set, and Flush must be called once the values are written.
func (w *Float) Output(t *tensors.Tensor) ([]float32, error) {
	if t.DType() == dtypes.Float32 {
		return tensors.Flat[float32](t), nil
	}
	if err := w.Prepare(t); err != nil {
		return nil, err
	}
	return tensors.Flat[float32](w.ws), nil
}

// OutputWithValues is like Output, but the buffer holds the current values of t (for residual sums).
func (w *Float) OutputWithValues(t *tensors.Tensor) ([]float32, error) {
	if t.DType() == dtypes.Float32 {
		return tensors.Flat[float32](t), nil
	}
	return w.Input(t)
}

// Flush converts the values written in the workspace to t.
func (w *Float) Flush(t *tensors.Tensor) error {
	if t.DType() == dtypes.Float32 {
		return nil
	}
	w.ws.SetScale(nil)
	if err := tensors.ConvertInto(w.ws, t); err != nil {
		return errors.Wrapf(backends.ErrInvalidValue, "%v", err)
	}
	return nil
}

// Rows holds the float32 version of parameters with one scale per row, like convolution weights.
type Rows struct {
	values []float32
}

// Load returns the values of t (which can be nil) as float32, converted if needed.
func (r *Rows) Load(t *tensors.Tensor) ([]float32, error) {
	if t == nil {
		return nil, nil
	}
	if t.DType() == dtypes.Float32 {
		return tensors.Flat[float32](t), nil
	}
	if cap(r.values) < t.Size() {
		r.values = make([]float32, t.Size())
	}
	r.values = r.values[:t.Size()]
	if err := tensors.RowsToFloat32(t, r.values); err != nil {
		return nil, errors.Wrapf(backends.ErrInvalidValue, "%v", err)
	}
	return r.values, nil
}

// FlushRounded is like Flush, but quantized outputs are rounded with mode.
func (w *Float) FlushRounded(t *tensors.Tensor, mode backends.RoundMode) error {
	if mode == backends.RoundNearest || t.DType() == dtypes.Float32 || t.DType() == dtypes.Float16 {
		return w.Flush(t)
	}
	if len(t.Scale()) == 0 {
		return errors.Wrapf(backends.ErrInvalidValue, "quantized output %s has no scale", t.Shape())
	}
	src, scale := tensors.Flat[float32](w.ws), t.Scale()[0]
	switch dst := t.MutableData().(type) {
	case []int8:
		tensors.QuantizeFloor(src, dst, scale)
	case []uint8:
		tensors.QuantizeFloor(src, dst, scale)
	case []int32:
		tensors.QuantizeFloor(src, dst, scale)
	}
	return nil
}
