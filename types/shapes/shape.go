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

// Package shapes defines Shape: the element DType, the dimensions and the memory layout tag
// of a tensor handled by the operators.
//
// A dimension of -1 (UncheckedAxis) is a wildcard: it is allowed in shapes used as contracts
// (e.g. the expected shape of an operator input) and it is treated as compatible with any
// size by IsCompatible and the Check* functions.
//
// ## Glossary
//
//   - Rank: number of axes of a tensor.
//   - Axis: the index of a dimension.
//   - Dimension: the size of a tensor in one of its axes.
//   - Layout: how the axes map to the conventional image axes (batch, channel, height, width).
//     Operators on images read the axes through Num, Channel, Height and Width, so NCHW and
//     NHWC tensors are handled uniformly.
//   - DType: element type, from github.com/gomlx/gopjrt/dtypes.
//
// Example: `shapes.Make(dtypes.Float32, shapes.LayoutNCHW, 1, 3, 224, 224)`.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gopjrt/dtypes"
)

// Shape of a tensor: DType, Dimensions and Layout.
//
// Use Make to create a new shape.
type Shape struct {
	DType      DType
	Dimensions []int
	Layout     Layout
}

// Make returns a Shape structure filled with the values given.
//
// Dimensions must be >= 0, or -1 for a wildcard. If the layout doesn't match the rank
// (see Layout.Rank), it panics.
func Make(dtype DType, layout Layout, dimensions ...int) Shape {
	s := Shape{DType: dtype, Layout: layout, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < UncheckedAxis {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension < -1", s)
		}
	}
	if want := layout.Rank(); want >= 0 && want != len(dimensions) {
		exceptions.Panicf("shapes.Make(%s): layout %s requires rank %d", s, layout, want)
	}
	return s
}

// MakeNCHW is a shortcut for Make(dtype, LayoutNCHW, n, c, h, w).
func MakeNCHW(dtype DType, n, c, h, w int) Shape {
	return Make(dtype, LayoutNCHW, n, c, h, w)
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// IsFullyDefined returns false if any of the dimensions is a wildcard.
func (s Shape) IsFullyDefined() bool {
	return !slices.Contains(s.Dimensions, UncheckedAxis)
}

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	if s.Layout == LayoutInvalid {
		return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
	}
	return fmt.Sprintf("(%s)%v@%s", s.DType, s.Dimensions, s.Layout)
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
// Wildcard dimensions count as 0.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		if d < 0 {
			return 0
		}
		size *= d
	}
	return
}

// Memory returns the memory used to store an array of the given shape, the same as the size in bytes.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype, layout and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && s.Layout == s2.Layout && slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares two shapes for equality of dimensions. DTypes and layouts can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// IsCompatible returns whether both shapes have the same rank and the same dimensions, where
// a wildcard (-1) on either side matches any dimension.
func (s Shape) IsCompatible(s2 Shape) bool {
	if s.Rank() != s2.Rank() {
		return false
	}
	for axis, dim := range s.Dimensions {
		dim2 := s2.Dimensions[axis]
		if dim != dim2 && dim != UncheckedAxis && dim2 != UncheckedAxis {
			return false
		}
	}
	return true
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Layout = s.Layout
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}

// WithDType returns a copy of the shape with a different DType.
func (s Shape) WithDType(dtype DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// axisOf returns the axis of the given image axis for the layout, or -1 if the layout
// doesn't have it.
func (s Shape) axisOf(a imageAxis) int {
	return s.Layout.axisOf(a)
}

func (s Shape) imageDim(a imageAxis) int {
	axis := s.axisOf(a)
	if axis < 0 || axis >= s.Rank() {
		return 1
	}
	return s.Dimensions[axis]
}

// Num returns the batch dimension, or 1 if the layout has no batch axis.
func (s Shape) Num() int { return s.imageDim(axisN) }

// Channel returns the channel dimension, or 1 if the layout has no channel axis.
func (s Shape) Channel() int { return s.imageDim(axisC) }

// Height returns the height dimension, or 1 if the layout has no height axis.
func (s Shape) Height() int { return s.imageDim(axisH) }

// Width returns the width dimension, or 1 if the layout has no width axis.
func (s Shape) Width() int { return s.imageDim(axisW) }

// ChannelAxis returns the axis index of the channel for the layout, or -1.
func (s Shape) ChannelAxis() int { return s.axisOf(axisC) }
