package funcs

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/backends/shapeinference"
	"github.com/gomlx/opkernels/types/tensors"
)

// Conv is a 2D convolution of one NCHW input by the weights in the ConvParam, with optional bias,
// activation and residual sum.
type Conv = Operator[backends.ConvParam]

// NewConv returns a convolution operator computing in dtype: the implementations are looked up for it.
// E.g. dtypes.Int8 selects the quantized implementations, which still take float32 tensors if they
// support them.
func NewConv(dtype dtypes.DType) *Conv {
	return newOperator[backends.ConvParam](backends.OpTypeConv, dtype, func(inputs, outputs []*tensors.Tensor, param *backends.ConvParam) error {
		if err := checkArity(backends.OpTypeConv, inputs, outputs, 1, 1, 1); err != nil {
			return err
		}
		shape, err := shapeinference.ConvOp(inputs[0].Shape(), param)
		if err != nil {
			return err
		}
		if err := setOutput(outputs[0], shape); err != nil {
			return err
		}
		outputs[0].SetSeqOffset(inputs[0].SeqOffset())
		return nil
	})
}

// Deconv is a 2D transposed convolution (deconvolution) of one NCHW input: the weights in the
// ConvParam are shaped [inputChannels, outputChannels/group, kernelH, kernelW].
type Deconv = Operator[backends.ConvParam]

// NewDeconv returns a deconvolution operator computing in dtype.
func NewDeconv(dtype dtypes.DType) *Deconv {
	return newOperator[backends.ConvParam](backends.OpTypeDeconv, dtype, func(inputs, outputs []*tensors.Tensor, param *backends.ConvParam) error {
		if err := checkArity(backends.OpTypeDeconv, inputs, outputs, 1, 1, 1); err != nil {
			return err
		}
		shape, err := shapeinference.DeconvOp(inputs[0].Shape(), param)
		if err != nil {
			return err
		}
		if err := setOutput(outputs[0], shape); err != nil {
			return err
		}
		outputs[0].SetSeqOffset(inputs[0].SeqOffset())
		return nil
	})
}
