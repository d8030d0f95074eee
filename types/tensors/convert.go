package tensors

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opkernels/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Quantized is the set of integer types used by quantized tensors.
type Quantized interface {
	int8 | uint8 | int32
}

func quantizedRange[T Quantized]() (lo, hi float32) {
	var zero T
	switch any(zero).(type) {
	case int8:
		return -127, 127
	case uint8:
		return 0, 255
	default:
		return math.MinInt32, math.MaxInt32
	}
}

// Quantize converts src to dst with dst[i] = saturate(round(src[i] / scale)).
// int8 saturates symmetrically to [-127, 127].
func Quantize[T Quantized](src []float32, dst []T, scale float32) {
	lo, hi := quantizedRange[T]()
	inv := 1 / scale
	for ii, v := range src {
		q := float32(math.Round(float64(v * inv)))
		dst[ii] = T(min(max(q, lo), hi))
	}
}

// QuantizeFloor is like Quantize, but rounds towards negative infinity.
func QuantizeFloor[T Quantized](src []float32, dst []T, scale float32) {
	lo, hi := quantizedRange[T]()
	inv := 1 / scale
	for ii, v := range src {
		q := float32(math.Floor(float64(v * inv)))
		dst[ii] = T(min(max(q, lo), hi))
	}
}

// Dequantize converts src to dst with dst[i] = src[i] * scale.
func Dequantize[T Quantized](src []T, dst []float32, scale float32) {
	for ii, v := range src {
		dst[ii] = float32(v) * scale
	}
}

// MaxAbs returns the largest absolute value of data.
func MaxAbs(data []float32) (maxAbs float32) {
	for _, v := range data {
		maxAbs = max(maxAbs, float32(math.Abs(float64(v))))
	}
	return
}

// ScaleFromMaxAbs returns the quantization scale mapping maxAbs to the largest value of the dtype.
// It returns 1 if maxAbs is 0.
func ScaleFromMaxAbs(maxAbs float32, dtype dtypes.DType) float32 {
	if maxAbs == 0 {
		return 1
	}
	switch dtype {
	case dtypes.Uint8:
		return maxAbs / 255
	case dtypes.Int32:
		return maxAbs / math.MaxInt32
	default:
		return maxAbs / 127
	}
}

// ToFloat16 converts src to half precision.
func ToFloat16(src []float32, dst []float16.Float16) {
	for ii, v := range src {
		dst[ii] = float16.Fromfloat32(v)
	}
}

// FromFloat16 converts src from half precision.
func FromFloat16(src []float16.Float16, dst []float32) {
	for ii, v := range src {
		dst[ii] = v.Float32()
	}
}

// channelScale returns a function that maps a flat index to its scale, for per-tensor or per-channel scales.
func channelScale(shape shapes.Shape, scale []float32) (func(idx int) float32, error) {
	switch {
	case len(scale) == 0:
		return func(int) float32 { return 1 }, nil
	case len(scale) == 1:
		s := scale[0]
		return func(int) float32 { return s }, nil
	}
	axis := shape.ChannelAxis()
	if axis < 0 || shape.Dimensions[axis] != len(scale) {
		return nil, errors.Errorf("tensors: %d scales don't match the channels of shape %s", len(scale), shape)
	}
	inner := 1
	for _, dim := range shape.Dimensions[axis+1:] {
		inner *= dim
	}
	channels := len(scale)
	return func(idx int) float32 { return scale[(idx/inner)%channels] }, nil
}

// ConvertInto converts the values of src into dst, which must have the same dimensions.
//
// Conversions from quantized dtypes to float use the scale of src (per tensor or per channel).
// Conversions from float to quantized dtypes use the first scale of dst, which must be set.
// Float16 is converted to/from float32 directly.
func ConvertInto(src, dst *Tensor) error {
	if !src.Shape().EqualDimensions(dst.Shape()) {
		return errors.Errorf("tensors.ConvertInto: src %s and dst %s have different dimensions", src.Shape(), dst.Shape())
	}
	if src.DType() == dst.DType() {
		copyFlat(dst.MutableData(), src.Data())
		dst.SetScale(src.Scale())
		return nil
	}
	if dst.DType() == dtypes.Float32 {
		out := Flat[float32](dst)
		if src.DType() == dtypes.Float16 {
			FromFloat16(Flat[float16.Float16](src), out)
			return nil
		}
		scaleOf, err := channelScale(src.Shape(), src.Scale())
		if err != nil {
			return err
		}
		switch in := src.Data().(type) {
		case []int8:
			dequantizeWith(in, out, scaleOf)
		case []uint8:
			dequantizeWith(in, out, scaleOf)
		case []int32:
			dequantizeWith(in, out, scaleOf)
		default:
			return errors.Errorf("tensors.ConvertInto: conversion from %s to %s not supported", src.DType(), dst.DType())
		}
		return nil
	}
	if src.DType() != dtypes.Float32 {
		return errors.Errorf("tensors.ConvertInto: conversion from %s to %s not supported", src.DType(), dst.DType())
	}
	in := Flat[float32](src)
	if dst.DType() == dtypes.Float16 {
		ToFloat16(in, Flat[float16.Float16](dst))
		return nil
	}
	if len(dst.Scale()) == 0 {
		return errors.Errorf("tensors.ConvertInto: quantized dst %s requires a scale", dst.Shape())
	}
	scale := dst.Scale()[0]
	switch out := dst.MutableData().(type) {
	case []int8:
		Quantize(in, out, scale)
	case []uint8:
		Quantize(in, out, scale)
	case []int32:
		Quantize(in, out, scale)
	}
	return nil
}

func dequantizeWith[T Quantized](src []T, dst []float32, scaleOf func(int) float32) {
	for ii, v := range src {
		dst[ii] = float32(v) * scaleOf(ii)
	}
}

func copyFlat(dst, src any) {
	switch d := dst.(type) {
	case []float32:
		copy(d, src.([]float32))
	case []float16.Float16:
		copy(d, src.([]float16.Float16))
	case []int8:
		copy(d, src.([]int8))
	case []uint8:
		copy(d, src.([]uint8))
	case []int32:
		copy(d, src.([]int32))
	}
}

// NCHWToNHWC transposes a flat NCHW array into NHWC.
func NCHWToNHWC[T any](src, dst []T, n, c, h, w int) {
	hw := h * w
	for in := range n {
		srcN := src[in*c*hw : (in+1)*c*hw]
		dstN := dst[in*c*hw : (in+1)*c*hw]
		for ic := range c {
			for p := range hw {
				dstN[p*c+ic] = srcN[ic*hw+p]
			}
		}
	}
}

// NHWCToNCHW transposes a flat NHWC array into NCHW.
func NHWCToNCHW[T any](src, dst []T, n, c, h, w int) {
	hw := h * w
	for in := range n {
		srcN := src[in*c*hw : (in+1)*c*hw]
		dstN := dst[in*c*hw : (in+1)*c*hw]
		for p := range hw {
			for ic := range c {
				dstN[ic*hw+p] = srcN[p*c+ic]
			}
		}
	}
}

// RowsToFloat32 converts the values of t into dst (of length t.Size()), dequantizing with one scale per
// slice of the first axis (e.g. per output channel of convolution weights), or one scale for the whole
// tensor. Tensors without a scale are converted with scale 1.
func RowsToFloat32(t *Tensor, dst []float32) error {
	if len(dst) < t.Size() {
		return errors.Errorf("tensors.RowsToFloat32(%s): dst has only %d values", t.Shape(), len(dst))
	}
	dst = dst[:t.Size()]
	scales := t.Scale()
	rows := 1
	if t.Shape().Rank() > 0 {
		rows = t.Shape().Dimensions[0]
	}
	if len(scales) > 1 && len(scales) != rows {
		return errors.Errorf("tensors.RowsToFloat32(%s): %d scales for %d rows", t.Shape(), len(scales), rows)
	}
	rowSize := 0
	if rows > 0 {
		rowSize = t.Size() / rows
	}
	scaleOf := func(idx int) float32 {
		switch len(scales) {
		case 0:
			return 1
		case 1:
			return scales[0]
		}
		return scales[idx/rowSize]
	}
	switch in := t.Data().(type) {
	case []float32:
		copy(dst, in)
	case []float16.Float16:
		FromFloat16(in, dst)
	case []int8:
		dequantizeWith(in, dst, scaleOf)
	case []uint8:
		dequantizeWith(in, dst, scaleOf)
	case []int32:
		dequantizeWith(in, dst, scaleOf)
	}
	return nil
}

// QuantizePerRow quantizes values, seen as a row-major matrix with the given number of rows, to int8 with
// one symmetric scale per row (see ScaleFromMaxAbs).
func QuantizePerRow(values []float32, rows int) (quantized []int8, scales []float32) {
	quantized = make([]int8, len(values))
	scales = make([]float32, rows)
	if rows == 0 {
		return
	}
	rowSize := len(values) / rows
	for row := range rows {
		src := values[row*rowSize : (row+1)*rowSize]
		scales[row] = ScaleFromMaxAbs(MaxAbs(src), dtypes.Int8)
		Quantize(src, quantized[row*rowSize:(row+1)*rowSize], scales[row])
	}
	return
}
