// Package shapeinference calculates the shape resulting from operators and validates its inputs.
//
// The functions here only look at shapes and parameters, never at values. They return errors wrapping
// backends.ErrShapeMismatch for inconsistent input shapes and backends.ErrInvalidValue for parameters
// out of their domain.
//
// Wildcard dimensions (-1) are accepted: they match any dimension, and output dimensions that depend on
// them are also wildcards.
//
// Outputs have the DType of the first input; operators whose output dtype differs set it themselves.
package shapeinference

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/types/shapes"
	"github.com/pkg/errors"
)

const wildcard = shapes.UncheckedAxis

func checkImage(opName string, input shapes.Shape) error {
	if !input.Ok() {
		return errors.Wrapf(backends.ErrInvalidValue, "%s: invalid input shape %s", opName, input)
	}
	if input.Rank() != 4 || (input.Layout != shapes.LayoutNCHW && input.Layout != shapes.LayoutInvalid) {
		return errors.Wrapf(backends.ErrShapeMismatch, "%s: input must be a rank-4 NCHW tensor, got %s", opName, input)
	}
	return nil
}

// slidingOutput returns the number of positions of a window of size window (already dilated) over
// size+2*pad elements with the given stride, or -1 if size is a wildcard.
func slidingOutput(size, window, pad, stride int) int {
	if size == wildcard {
		return wildcard
	}
	return (size+2*pad-window)/stride + 1
}

// ConvOp returns the output shape of a convolution of input (NCHW) by the weights
// ([outputChannels, inputChannels/group, kernelH, kernelW]) in param.
func ConvOp(input shapes.Shape, param *backends.ConvParam) (output shapes.Shape, err error) {
	if err = checkImage("ConvOp", input); err != nil {
		return
	}
	if err = param.Validate(); err != nil {
		return
	}
	weights := param.Weights.Shape()
	outChannels, groupInChannels := weights.Dimensions[0], weights.Dimensions[1]
	if outChannels%param.Group != 0 {
		return shapes.Invalid(), errors.Wrapf(backends.ErrShapeMismatch,
			"ConvOp: %d output channels not divisible by group %d", outChannels, param.Group)
	}
	if inChannels := input.Channel(); inChannels != wildcard && inChannels != groupInChannels*param.Group {
		return shapes.Invalid(), errors.Wrapf(backends.ErrShapeMismatch,
			"ConvOp: input %s has %d channels, but weights %s with group %d require %d",
			input, inChannels, weights, param.Group, groupInChannels*param.Group)
	}
	kh := param.DilationH*(param.KernelH()-1) + 1
	kw := param.DilationW*(param.KernelW()-1) + 1
	outH := slidingOutput(input.Height(), kh, param.PadH, param.StrideH)
	outW := slidingOutput(input.Width(), kw, param.PadW, param.StrideW)
	if (outH != wildcard && outH < 1) || (outW != wildcard && outW < 1) {
		return shapes.Invalid(), errors.Wrapf(backends.ErrShapeMismatch,
			"ConvOp: input %s (padding %dx%d) smaller than dilated kernel %dx%d", input, param.PadH, param.PadW, kh, kw)
	}
	if param.Bias != nil && param.Bias.Size() != outChannels {
		return shapes.Invalid(), errors.Wrapf(backends.ErrShapeMismatch,
			"ConvOp: bias %s doesn't match %d output channels", param.Bias.Shape(), outChannels)
	}
	return shapes.Make(input.DType, shapes.LayoutNCHW, input.Num(), outChannels, outH, outW), nil
}

// DeconvOp returns the output shape of a deconvolution (transposed convolution) of input (NCHW) by the weights
// ([inputChannels, outputChannels/group, kernelH, kernelW]) in param.
func DeconvOp(input shapes.Shape, param *backends.ConvParam) (output shapes.Shape, err error) {
	if err = checkImage("DeconvOp", input); err != nil {
		return
	}
	if err = param.Validate(); err != nil {
		return
	}
	weights := param.Weights.Shape()
	inChannels, groupOutChannels := weights.Dimensions[0], weights.Dimensions[1]
	if inChannels%param.Group != 0 {
		return shapes.Invalid(), errors.Wrapf(backends.ErrShapeMismatch,
			"DeconvOp: %d input channels not divisible by group %d", inChannels, param.Group)
	}
	if c := input.Channel(); c != wildcard && c != inChannels {
		return shapes.Invalid(), errors.Wrapf(backends.ErrShapeMismatch,
			"DeconvOp: input %s has %d channels, but weights %s require %d", input, c, weights, inChannels)
	}
	outChannels := groupOutChannels * param.Group
	deconvOutput := func(size, kernel, pad, stride, dilation int) int {
		if size == wildcard {
			return wildcard
		}
		return (size-1)*stride + dilation*(kernel-1) + 1 - 2*pad
	}
	outH := deconvOutput(input.Height(), param.KernelH(), param.PadH, param.StrideH, param.DilationH)
	outW := deconvOutput(input.Width(), param.KernelW(), param.PadW, param.StrideW, param.DilationW)
	if (outH != wildcard && outH < 1) || (outW != wildcard && outW < 1) {
		return shapes.Invalid(), errors.Wrapf(backends.ErrShapeMismatch,
			"DeconvOp: padding %dx%d larger than the output of input %s", param.PadH, param.PadW, input)
	}
	if param.Bias != nil && param.Bias.Size() != outChannels {
		return shapes.Invalid(), errors.Wrapf(backends.ErrShapeMismatch,
			"DeconvOp: bias %s doesn't match %d output channels", param.Bias.Shape(), outChannels)
	}
	return shapes.Make(input.DType, shapes.LayoutNCHW, input.Num(), outChannels, outH, outW), nil
}

// PoolingOutputSize returns the number of pooling windows along one axis.
//
// By default, the size is rounded up, and the last window is dropped if it would start past the input
// (in the right padding, or beyond the input when the stride is larger than the window).
// With floorAsConv it is computed like a convolution.
func PoolingOutputSize(size, window, pad, stride int, floorAsConv bool) int {
	if size == wildcard {
		return wildcard
	}
	if floorAsConv {
		return (size+2*pad-window)/stride + 1
	}
	span := size + 2*pad - window
	out := (span+stride-1)/stride + 1
	if (out-1)*stride >= size+pad {
		out--
	}
	return out
}

// PoolingOp returns the output shape of a pooling of input (NCHW).
func PoolingOp(input shapes.Shape, param *backends.PoolingParam) (output shapes.Shape, err error) {
	if err = checkImage("PoolingOp", input); err != nil {
		return
	}
	if err = param.Validate(); err != nil {
		return
	}
	if param.Global {
		return shapes.Make(input.DType, shapes.LayoutNCHW, input.Num(), input.Channel(), 1, 1), nil
	}
	for _, dims := range [][3]int{{input.Height(), param.WindowH, param.PadH}, {input.Width(), param.WindowW, param.PadW}} {
		if dims[0] != wildcard && dims[0]+2*dims[2] < dims[1] {
			return shapes.Invalid(), errors.Wrapf(backends.ErrShapeMismatch,
				"PoolingOp: input %s smaller than window %dx%d", input, param.WindowH, param.WindowW)
		}
	}
	outH := PoolingOutputSize(input.Height(), param.WindowH, param.PadH, param.StrideH, param.FloorAsConv)
	outW := PoolingOutputSize(input.Width(), param.WindowW, param.PadW, param.StrideW, param.FloorAsConv)
	return shapes.Make(input.DType, shapes.LayoutNCHW, input.Num(), input.Channel(), outH, outW), nil
}

// NormalizeAxis converts a negative axis to its positive counterpart, and checks its range.
func NormalizeAxis(axis, rank int) (int, error) {
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		return 0, errors.Wrapf(backends.ErrInvalidValue, "axis %d out of range for rank %d", axis, rank)
	}
	return adjusted, nil
}

// ConcatOp returns the output shape of the concatenation of the inputs along axis (negative values
// count from the end). All inputs must have the same dtype, rank and dimensions, except on axis.
func ConcatOp(inputs []shapes.Shape, axis int) (output shapes.Shape, err error) {
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.Wrap(backends.ErrInvalidValue, "ConcatOp requires at least one input shape")
	}
	first := inputs[0]
	if !first.Ok() {
		return shapes.Invalid(), errors.Wrapf(backends.ErrInvalidValue, "invalid shape %s for first input of ConcatOp", first)
	}
	rank := first.Rank()
	if axis, err = NormalizeAxis(axis, rank); err != nil {
		return shapes.Invalid(), err
	}
	output = first.Clone()
	for ii, current := range inputs[1:] {
		ii++
		if current.DType != first.DType {
			return shapes.Invalid(), errors.Wrapf(backends.ErrShapeMismatch,
				"mismatched DTypes for ConcatOp: input #0 has %s, input #%d has %s", first.DType, ii, current.DType)
		}
		if current.Rank() != rank {
			return shapes.Invalid(), errors.Wrapf(backends.ErrShapeMismatch,
				"mismatched ranks for ConcatOp: input #0 has rank %d, input #%d has rank %d", rank, ii, current.Rank())
		}
		for d, dim := range current.Dimensions {
			outDim := output.Dimensions[d]
			switch {
			case d == axis:
				if outDim == wildcard || dim == wildcard {
					output.Dimensions[d] = wildcard
				} else {
					output.Dimensions[d] += dim
				}
			case outDim == wildcard:
				output.Dimensions[d] = dim
			case dim != wildcard && dim != outDim:
				return shapes.Invalid(), errors.Wrapf(backends.ErrShapeMismatch,
					"mismatched dimensions for ConcatOp at axis %d (concatenation axis is %d): input #0 has %s, input #%d has %s",
					d, axis, first, ii, current)
			}
		}
	}
	return output, nil
}

// ConcatSeqOffsets returns the sequence offsets of the concatenation of inputs with the given offsets.
//
// Along axis 0 the inputs are concatenated segment by segment: segment i of the output is the segment i of
// each of the inputs, so the output offsets are the prefix sums of the summed per-segment lengths.
// E.g.: [0, 2, 5] and [0, 3, 4] become [0, 5, 9].
// Along any other axis the offsets of the first input are returned unchanged.
//
// When merging, only the first (outermost) level of offsets is used, and the output has one level.
func ConcatSeqOffsets(offsets [][][]int, axis int) ([][]int, error) {
	if len(offsets) == 0 {
		return nil, nil
	}
	if axis != 0 {
		return offsets[0], nil
	}
	numWithOffsets := 0
	for _, inputOffsets := range offsets {
		if len(inputOffsets) > 0 {
			numWithOffsets++
		}
	}
	if numWithOffsets == 0 {
		return nil, nil
	}
	if numWithOffsets != len(offsets) {
		return nil, errors.Wrapf(backends.ErrShapeMismatch,
			"concatenation along axis 0 with %d of %d inputs with sequence offsets", numWithOffsets, len(offsets))
	}
	numSegments := len(offsets[0][0]) - 1
	for ii, inputOffsets := range offsets {
		if len(inputOffsets[0])-1 != numSegments {
			return nil, errors.Wrapf(backends.ErrShapeMismatch,
				"input #%d has %d segments, input #0 has %d", ii, len(inputOffsets[0])-1, numSegments)
		}
	}
	merged := make([]int, numSegments+1)
	for seg := range numSegments {
		length := 0
		for _, inputOffsets := range offsets {
			level := inputOffsets[0]
			length += level[seg+1] - level[seg]
		}
		merged[seg+1] = merged[seg] + length
	}
	return [][]int{merged}, nil
}

// SequenceConcatOp returns the shape of the per-sample concatenation of sequences: all inputs share the
// dimensions after the batch axis, and the output batch is the sum of the inputs' batches.
func SequenceConcatOp(inputs []shapes.Shape, offsets [][][]int) (output shapes.Shape, outOffsets [][]int, err error) {
	for ii, inputOffsets := range offsets {
		if len(inputOffsets) == 0 {
			return shapes.Invalid(), nil, errors.Wrapf(backends.ErrInvalidValue,
				"SequenceConcatOp: input #%d has no sequence offsets", ii)
		}
	}
	output, err = ConcatOp(inputs, 0)
	if err != nil {
		return
	}
	outOffsets, err = ConcatSeqOffsets(offsets, 0)
	if err != nil {
		return shapes.Invalid(), nil, err
	}
	for ii, inputOffsets := range offsets {
		level := inputOffsets[0]
		if num := inputs[ii].Dimensions[0]; num != wildcard && level[len(level)-1] != num {
			return shapes.Invalid(), nil, errors.Wrapf(backends.ErrShapeMismatch,
				"SequenceConcatOp: input #%d offsets %v don't cover its batch of %d", ii, level, num)
		}
	}
	return
}

// TopKPoolingOp returns the output shape {num, channel*topK, 1, 1} of top-k pooling of input (NCHW).
func TopKPoolingOp(input shapes.Shape, param *backends.TopKPoolingParam) (output shapes.Shape, err error) {
	if err = checkImage("TopKPoolingOp", input); err != nil {
		return
	}
	if err = param.Validate(); err != nil {
		return
	}
	channels := input.Channel()
	if param.FeatMapNum > 0 && channels != wildcard && channels != param.FeatMapNum {
		return shapes.Invalid(), errors.Wrapf(backends.ErrShapeMismatch,
			"TopKPoolingOp: input %s has %d channels, parameters expect %d", input, channels, param.FeatMapNum)
	}
	if channels != wildcard {
		channels *= param.TopK
	}
	return shapes.Make(input.DType, shapes.LayoutNCHW, input.Num(), channels, 1, 1), nil
}

// BatchGemmOp validates the dimensions of a batched matrix multiplication.
func BatchGemmOp(m, n, k, batch, maxBatch int) error {
	if m < 1 || n < 1 || k < 1 {
		return errors.Wrapf(backends.ErrInvalidValue, "BatchGemmOp: m, n and k must be positive, got %d, %d, %d", m, n, k)
	}
	if batch < 0 || batch > maxBatch {
		return errors.Wrapf(backends.ErrInvalidValue, "BatchGemmOp: batch %d out of range [0, %d]", batch, maxBatch)
	}
	return nil
}

// IsQuantized returns whether dtype is one of the 8-bit quantized types.
func IsQuantized(dtype dtypes.DType) bool {
	return dtype == dtypes.Int8 || dtype == dtypes.Uint8
}
