package funcs

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/backends/shapeinference"
	"github.com/gomlx/opkernels/types/shapes"
	"github.com/gomlx/opkernels/types/tensors"
)

// maxConcatInputs is an arbitrary bound on the number of inputs of the concatenations.
const maxConcatInputs = 1 << 16

func inputsMetadata(inputs []*tensors.Tensor) ([]shapes.Shape, [][][]int) {
	inputShapes := make([]shapes.Shape, len(inputs))
	offsets := make([][][]int, len(inputs))
	for ii, input := range inputs {
		inputShapes[ii] = input.Shape()
		offsets[ii] = input.SeqOffset()
	}
	return inputShapes, offsets
}

// Concat concatenates any number of inputs along one axis.
//
// Sequence offsets are merged when concatenating along axis 0, and forwarded from the first input otherwise.
type Concat = Operator[backends.ConcatParam]

// NewConcat returns a concatenation operator for dtype.
func NewConcat(dtype dtypes.DType) *Concat {
	return newOperator[backends.ConcatParam](backends.OpTypeConcat, dtype, func(inputs, outputs []*tensors.Tensor, param *backends.ConcatParam) error {
		if err := checkArity(backends.OpTypeConcat, inputs, outputs, 1, maxConcatInputs, 1); err != nil {
			return err
		}
		inputShapes, offsets := inputsMetadata(inputs)
		shape, err := shapeinference.ConcatOp(inputShapes, param.Axis)
		if err != nil {
			return err
		}
		axis, _ := shapeinference.NormalizeAxis(param.Axis, shape.Rank())
		outOffsets, err := shapeinference.ConcatSeqOffsets(offsets, axis)
		if err != nil {
			return err
		}
		if err := setOutput(outputs[0], shape); err != nil {
			return err
		}
		outputs[0].SetSeqOffset(outOffsets)
		return nil
	})
}

// SequenceConcat concatenates batches of variable-length sequences sample by sample: the output
// sequence i is the sequence i of each input, one after the other. All inputs must carry sequence offsets
// with the same number of sequences.
type SequenceConcat = Operator[backends.SequenceConcatParam]

// NewSequenceConcat returns a sequence concatenation operator for dtype.
func NewSequenceConcat(dtype dtypes.DType) *SequenceConcat {
	return newOperator[backends.SequenceConcatParam](backends.OpTypeSequenceConcat, dtype, func(inputs, outputs []*tensors.Tensor, _ *backends.SequenceConcatParam) error {
		if err := checkArity(backends.OpTypeSequenceConcat, inputs, outputs, 1, maxConcatInputs, 1); err != nil {
			return err
		}
		inputShapes, offsets := inputsMetadata(inputs)
		shape, outOffsets, err := shapeinference.SequenceConcatOp(inputShapes, offsets)
		if err != nil {
			return err
		}
		if err := setOutput(outputs[0], shape); err != nil {
			return err
		}
		outputs[0].SetSeqOffset(outOffsets)
		return nil
	})
}
