package funcs

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/backends/shapeinference"
	"github.com/gomlx/opkernels/types/tensors"
)

// Pooling is a 2D max or average pooling of one NCHW input.
type Pooling = Operator[backends.PoolingParam]

// NewPooling returns a pooling operator computing in dtype.
func NewPooling(dtype dtypes.DType) *Pooling {
	return newOperator[backends.PoolingParam](backends.OpTypePooling, dtype, func(inputs, outputs []*tensors.Tensor, param *backends.PoolingParam) error {
		if err := checkArity(backends.OpTypePooling, inputs, outputs, 1, 1, 1); err != nil {
			return err
		}
		shape, err := shapeinference.PoolingOp(inputs[0].Shape(), param)
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

// TopKPooling selects, for each channel, the topK largest values of the feature map, producing
// outputs shaped [num, channel*topK, 1, 1] in decreasing order per channel.
type TopKPooling = Operator[backends.TopKPoolingParam]

// NewTopKPooling returns a top-k pooling operator computing in dtype.
func NewTopKPooling(dtype dtypes.DType) *TopKPooling {
	return newOperator[backends.TopKPoolingParam](backends.OpTypeTopKPooling, dtype, func(inputs, outputs []*tensors.Tensor, param *backends.TopKPoolingParam) error {
		if err := checkArity(backends.OpTypeTopKPooling, inputs, outputs, 1, 1, 1); err != nil {
			return err
		}
		shape, err := shapeinference.TopKPoolingOp(inputs[0].Shape(), param)
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
