// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/backends/shapeinference"
	"github.com/gomlx/opkernels/types/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// checkSameDType makes sure all tensors have the dtype of the output, since the copies don't convert.
func checkSameDType(implName string, inputs, outputs []*tensors.Tensor) error {
	dtype := outputs[0].DType()
	for ii, input := range inputs {
		if input.DType() != dtype {
			return errors.Wrapf(backends.ErrUnimplemented, "%s: input #%d has dtype %s, output has %s",
				implName, ii, input.DType(), dtype)
		}
	}
	return nil
}

// copyBlocks dispatches fn with the flat values of inputs and output for their element type.
func copyBlocks(inputs []*tensors.Tensor, output *tensors.Tensor, fn func(ins []any, out any)) error {
	ins := make([]any, len(inputs))
	for ii, input := range inputs {
		ins[ii] = input.Data()
	}
	fn(ins, output.MutableData())
	return nil
}

// asSlices converts the flat values of the inputs to []T.
func asSlices[T tensors.Element](ins []any) [][]T {
	typed := make([][]T, len(ins))
	for ii, in := range ins {
		typed[ii] = in.([]T)
	}
	return typed
}

// Concat copies the inputs into the output one contiguous block at a time.
type Concat struct{}

// NewConcat creates a new concatenation implementation.
func NewConcat() backends.Impl[backends.ConcatParam] { return &Concat{} }

// Name implements backends.Impl.
func (c *Concat) Name() string { return ConcatName }

// Init implements backends.Impl.
func (c *Concat) Init(inputs, outputs []*tensors.Tensor, _ *backends.ConcatParam, _ *backends.Context) error {
	return checkSameDType(ConcatName, inputs, outputs)
}

// Create implements backends.Impl.
func (c *Concat) Create(inputs, outputs []*tensors.Tensor, _ *backends.ConcatParam, _ *backends.Context) error {
	return checkSameDType(ConcatName, inputs, outputs)
}

// concatFlat concatenates ins into out, where each of the outer blocks of input ii has inners[ii] values.
func concatFlat[T tensors.Element](ins [][]T, out []T, outer int, inners []int) {
	pos := 0
	for o := range outer {
		for ii, in := range ins {
			pos += copy(out[pos:], in[o*inners[ii]:(o+1)*inners[ii]])
		}
	}
}

// Dispatch implements backends.Impl.
func (c *Concat) Dispatch(inputs, outputs []*tensors.Tensor, param *backends.ConcatParam) error {
	outShape := outputs[0].Shape()
	axis, err := shapeinference.NormalizeAxis(param.Axis, outShape.Rank())
	if err != nil {
		return err
	}
	outer := 1
	for _, dim := range outShape.Dimensions[:axis] {
		outer *= dim
	}
	inners := make([]int, len(inputs))
	for ii, input := range inputs {
		if outer > 0 {
			inners[ii] = input.Size() / outer
		}
	}
	return copyBlocks(inputs, outputs[0], func(ins []any, out any) {
		switch out := out.(type) {
		case []float32:
			concatFlat(asSlices[float32](ins), out, outer, inners)
		case []float16.Float16:
			concatFlat(asSlices[float16.Float16](ins), out, outer, inners)
		case []int8:
			concatFlat(asSlices[int8](ins), out, outer, inners)
		case []uint8:
			concatFlat(asSlices[uint8](ins), out, outer, inners)
		case []int32:
			concatFlat(asSlices[int32](ins), out, outer, inners)
		}
	})
}

// SequenceConcat interleaves the sequences of the inputs: the output sequence i holds the sequence i of
// each input in order.
type SequenceConcat struct{}

// NewSequenceConcat creates a new sequence concatenation implementation.
func NewSequenceConcat() backends.Impl[backends.SequenceConcatParam] { return &SequenceConcat{} }

// Name implements backends.Impl.
func (s *SequenceConcat) Name() string { return SequenceConcatName }

// Init implements backends.Impl.
func (s *SequenceConcat) Init(inputs, outputs []*tensors.Tensor, _ *backends.SequenceConcatParam, _ *backends.Context) error {
	return checkSameDType(SequenceConcatName, inputs, outputs)
}

// Create implements backends.Impl.
func (s *SequenceConcat) Create(inputs, outputs []*tensors.Tensor, _ *backends.SequenceConcatParam, _ *backends.Context) error {
	return checkSameDType(SequenceConcatName, inputs, outputs)
}

// sequenceConcatFlat copies, for each sequence, the rows of each input into out.
func sequenceConcatFlat[T tensors.Element](ins [][]T, offsets [][]int, rowSize int, out []T) {
	pos := 0
	numSeqs := len(offsets[0]) - 1
	for seq := range numSeqs {
		for ii, in := range ins {
			pos += copy(out[pos:], in[offsets[ii][seq]*rowSize:offsets[ii][seq+1]*rowSize])
		}
	}
}

// Dispatch implements backends.Impl.
func (s *SequenceConcat) Dispatch(inputs, outputs []*tensors.Tensor, _ *backends.SequenceConcatParam) error {
	offsets := make([][]int, len(inputs))
	for ii, input := range inputs {
		if len(input.SeqOffset()) == 0 {
			return errors.Wrapf(backends.ErrInvalidValue, "%s: input #%d has no sequence offsets", SequenceConcatName, ii)
		}
		offsets[ii] = input.SeqOffset()[0]
	}
	outShape := outputs[0].Shape()
	rowSize := 0
	if outShape.Dimensions[0] > 0 {
		rowSize = outShape.Size() / outShape.Dimensions[0]
	}
	return copyBlocks(inputs, outputs[0], func(ins []any, out any) {
		switch out := out.(type) {
		case []float32:
			sequenceConcatFlat(asSlices[float32](ins), offsets, rowSize, out)
		case []float16.Float16:
			sequenceConcatFlat(asSlices[float16.Float16](ins), offsets, rowSize, out)
		case []int8:
			sequenceConcatFlat(asSlices[int8](ins), offsets, rowSize, out)
		case []uint8:
			sequenceConcatFlat(asSlices[uint8](ins), offsets, rowSize, out)
		case []int32:
			sequenceConcatFlat(asSlices[int32](ins), offsets, rowSize, out)
		}
	})
}
