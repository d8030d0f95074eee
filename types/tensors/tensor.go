/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package tensors implements the host `Tensor` consumed by the operators: a shape (with layout), a flat
// slice with the values, optional quantization scales and optional sequence offsets.
//
// Tensors are owned by the caller. Operators read the shape and metadata of their inputs, write the
// shape and metadata of their outputs during shape inference, and only touch the values during dispatch.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape): creates a tensor with the given shape, and zero values.
//   - Empty(dtype): a tensor without storage, typically used as an output whose shape is set by shape inference.
//   - FromFlatDataAndDimensions(data, layout, dimensions...): wraps the flat data given (not copied).
//
// The storage is a flat slice of the Go type of the DType: []float32, []float16.Float16, []int8, []uint8 or []int32.
// The capacity of the storage may be larger than the shape size: SetShape only changes metadata, and ReAlloc
// grows the storage when needed.
package tensors

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opkernels/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Element is the set of Go types a Tensor can hold.
type Element interface {
	float32 | float16.Float16 | int8 | uint8 | int32
}

// Supported returns whether the dtype can be stored in a Tensor.
func Supported(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float32, dtypes.Float16, dtypes.Int8, dtypes.Uint8, dtypes.Int32:
		return true
	}
	return false
}

// Tensor is a host multidimensional array plus the metadata used by the operators.
type Tensor struct {
	shape shapes.Shape

	// flat holds the storage, with len(flat) >= shape.Size().
	flat any

	// scale holds the quantization scale: one value for the whole tensor, or one per channel.
	scale []float32

	// seqOffset holds, per level, the offsets (prefix sums) of the variable-length sequences packed in the
	// batch axis. E.g.: [[0, 2, 5]] means 2 sequences, of lengths 2 and 3.
	seqOffset [][]int
}

func allocFlat(dtype dtypes.DType, size int) any {
	switch dtype {
	case dtypes.Float32:
		return make([]float32, size)
	case dtypes.Float16:
		return make([]float16.Float16, size)
	case dtypes.Int8:
		return make([]int8, size)
	case dtypes.Uint8:
		return make([]uint8, size)
	case dtypes.Int32:
		return make([]int32, size)
	}
	exceptions.Panicf("tensors: dtype %s not supported", dtype)
	return nil
}

func flatLen(flat any) int {
	switch f := flat.(type) {
	case []float32:
		return len(f)
	case []float16.Float16:
		return len(f)
	case []int8:
		return len(f)
	case []uint8:
		return len(f)
	case []int32:
		return len(f)
	}
	return 0
}

func flatSlice(flat any, size int) any {
	switch f := flat.(type) {
	case []float32:
		return f[:size]
	case []float16.Float16:
		return f[:size]
	case []int8:
		return f[:size]
	case []uint8:
		return f[:size]
	case []int32:
		return f[:size]
	}
	return nil
}

// FromShape returns a zero-initialized tensor with the given shape.
// It panics if the shape has wildcards or an unsupported dtype.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.IsFullyDefined() {
		exceptions.Panicf("tensors.FromShape(%s): shape has undefined dimensions", shape)
	}
	return &Tensor{shape: shape.Clone(), flat: allocFlat(shape.DType, shape.Size())}
}

// Empty returns a tensor with no storage and no dimensions, to be shaped by shape inference and
// allocated by ReAlloc.
func Empty(dtype dtypes.DType) *Tensor {
	return &Tensor{shape: shapes.Shape{DType: dtype}}
}

// FromFlatDataAndDimensions returns a tensor backed by the given flat data (it is not copied).
// It panics if len(data) doesn't match the dimensions.
func FromFlatDataAndDimensions[T Element](data []T, layout shapes.Layout, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), layout, dimensions...)
	if shape.Size() != len(data) {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: len(data)=%d, but shape %s has size %d",
			len(data), shape, shape.Size())
	}
	return &Tensor{shape: shape, flat: any(data)}
}

// Shape of the tensor, includes DType and Layout.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Size returns the number of elements of the current shape.
func (t *Tensor) Size() int { return t.shape.Size() }

// Capacity returns the number of elements the storage can hold.
func (t *Tensor) Capacity() int { return flatLen(t.flat) }

// Valid returns whether the tensor has storage for its current shape.
func (t *Tensor) Valid() bool {
	return t.shape.Ok() && t.shape.IsFullyDefined() && t.flat != nil && flatLen(t.flat) >= t.shape.Size()
}

// SetShape changes the shape metadata, without touching the storage.
// If the dtype changes the storage is dropped, and ReAlloc must be called before the values are used.
func (t *Tensor) SetShape(shape shapes.Shape) error {
	if !shape.Ok() {
		return errors.Errorf("tensors.SetShape(%s): invalid shape", shape)
	}
	if !shape.IsFullyDefined() {
		return errors.Errorf("tensors.SetShape(%s): shape has undefined dimensions", shape)
	}
	if shape.DType != t.shape.DType {
		t.flat = nil
	}
	t.shape = shape.Clone()
	return nil
}

// ReAlloc sets the shape and makes sure the storage can hold it. The values are preserved only if the
// storage didn't have to grow and the dtype is the same.
func (t *Tensor) ReAlloc(shape shapes.Shape) error {
	if err := t.SetShape(shape); err != nil {
		return err
	}
	if !Supported(shape.DType) {
		return errors.Errorf("tensors.ReAlloc(%s): dtype not supported", shape)
	}
	if t.flat == nil || flatLen(t.flat) < shape.Size() {
		t.flat = allocFlat(shape.DType, shape.Size())
	}
	return nil
}

// Data returns the flat values of the tensor for reading, a slice of the Go type of the dtype sized to the shape.
func (t *Tensor) Data() any {
	if !t.Valid() {
		exceptions.Panicf("tensors.Data(): tensor %s has no storage", t.shape)
	}
	return flatSlice(t.flat, t.shape.Size())
}

// MutableData returns the flat values of the tensor for writing. See Data.
func (t *Tensor) MutableData() any {
	return t.Data()
}

// Flat returns the flat values as a []T. It panics if T doesn't match the dtype.
func Flat[T Element](t *Tensor) []T {
	flat, ok := t.Data().([]T)
	if !ok {
		exceptions.Panicf("tensors.Flat[%T]: tensor has dtype %s", *new(T), t.DType())
	}
	return flat
}

// Scale returns the quantization scale. Nil if not set.
func (t *Tensor) Scale() []float32 { return t.scale }

// SetScale sets the quantization scale: one value for the tensor or one per channel.
func (t *Tensor) SetScale(scale []float32) { t.scale = slices.Clone(scale) }

// SeqOffset returns the sequence offsets, or nil.
func (t *Tensor) SeqOffset() [][]int { return t.seqOffset }

// SetSeqOffset sets the sequence offsets.
func (t *Tensor) SetSeqOffset(offsets [][]int) {
	t.seqOffset = make([][]int, len(offsets))
	for ii, level := range offsets {
		t.seqOffset[ii] = slices.Clone(level)
	}
}

// Clone returns a deep copy of the tensor, storage included (trimmed to the shape size).
func (t *Tensor) Clone() *Tensor {
	t2 := &Tensor{shape: t.shape.Clone()}
	if t.Valid() {
		t2.flat = cloneFlat(flatSlice(t.flat, t.shape.Size()))
	}
	t2.SetScale(t.scale)
	t2.SetSeqOffset(t.seqOffset)
	return t2
}

func cloneFlat(flat any) any {
	switch f := flat.(type) {
	case []float32:
		return slices.Clone(f)
	case []float16.Float16:
		return slices.Clone(f)
	case []int8:
		return slices.Clone(f)
	case []uint8:
		return slices.Clone(f)
	case []int32:
		return slices.Clone(f)
	}
	return nil
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return "Tensor" + t.shape.String()
}
