// Package mobile implements quantized (int8) convolutions and deconvolutions for the ARM target, on top of
// an int8 matrix multiplication with the left operand (the weights) packed once in Create.
//
// Float32 inputs are quantized on the fly with a symmetric per-tensor scale, and weights with one scale
// per output channel. Outputs can be float32 or quantized (int8/uint8 with a scale set).
package mobile

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/types/tensors"
	"github.com/pkg/errors"
)

const (
	ConvName   = "mobile.ConvInt8"
	DeconvName = "mobile.DeconvInt8"
)

func init() {
	backends.Register[backends.ConvParam](backends.OpTypeConv, backends.ARM, dtypes.Int8, backends.ImplNative, backends.PriorityArch, ConvName, NewConvInt8)
	backends.Register[backends.ConvParam](backends.OpTypeDeconv, backends.ARM, dtypes.Int8, backends.ImplNative, backends.PriorityArch, DeconvName, NewDeconvInt8)
}

func checkSupported(implName string, inputs, outputs []*tensors.Tensor, param *backends.ConvParam) error {
	if err := param.Validate(); err != nil {
		return err
	}
	switch inputs[0].DType() {
	case dtypes.Float32, dtypes.Int8:
	default:
		return errors.Wrapf(backends.ErrUnimplemented, "%s: input dtype %s not supported", implName, inputs[0].DType())
	}
	switch outputs[0].DType() {
	case dtypes.Float32, dtypes.Int8, dtypes.Uint8:
	default:
		return errors.Wrapf(backends.ErrUnimplemented, "%s: output dtype %s not supported", implName, outputs[0].DType())
	}
	if dtype := param.Weights.DType(); dtype != dtypes.Float32 && dtype != dtypes.Int8 {
		return errors.Wrapf(backends.ErrUnimplemented, "%s: weights dtype %s not supported", implName, dtype)
	}
	return nil
}

// inputQuantizer provides the int8 version of the input and its scale.
type inputQuantizer struct {
	values []int8
}

func (q *inputQuantizer) quantize(input *tensors.Tensor) ([]int8, float32, error) {
	if input.DType() == dtypes.Int8 {
		if len(input.Scale()) != 1 {
			return nil, 0, errors.Wrapf(backends.ErrInvalidValue, "int8 input %s requires one scale, got %d",
				input.Shape(), len(input.Scale()))
		}
		return tensors.Flat[int8](input), input.Scale()[0], nil
	}
	src := tensors.Flat[float32](input)
	if cap(q.values) < len(src) {
		q.values = make([]int8, len(src))
	}
	q.values = q.values[:len(src)]
	scale := tensors.ScaleFromMaxAbs(tensors.MaxAbs(src), dtypes.Int8)
	tensors.Quantize(src, q.values, scale)
	return q.values, scale, nil
}

// quantizeWeights returns the weights quantized with one scale per output channel, where the output
// channel of the flat index idx is given by channelOf.
func quantizeWeights(weights *tensors.Tensor, numChannels int, channelOf func(idx int) int) (quantized []int8, scales []float32, err error) {
	values := make([]float32, weights.Size())
	if err = tensors.RowsToFloat32(weights, values); err != nil {
		return nil, nil, errors.Wrapf(backends.ErrInvalidValue, "%v", err)
	}
	maxAbs := make([]float32, numChannels)
	for idx, v := range values {
		c := channelOf(idx)
		maxAbs[c] = max(maxAbs[c], float32(math.Abs(float64(v))))
	}
	scales = make([]float32, numChannels)
	for c := range scales {
		scales[c] = tensors.ScaleFromMaxAbs(maxAbs[c], dtypes.Int8)
	}
	quantized = make([]int8, len(values))
	for idx, v := range values {
		q := math.Round(float64(v / scales[channelOf(idx)]))
		quantized[idx] = int8(min(max(q, -127), 127))
	}
	return
}

// loadBias returns the bias as float32, or nil.
func loadBias(bias *tensors.Tensor) ([]float32, error) {
	if bias == nil {
		return nil, nil
	}
	values := make([]float32, bias.Size())
	if err := tensors.RowsToFloat32(bias, values); err != nil {
		return nil, errors.Wrapf(backends.ErrInvalidValue, "%v", err)
	}
	return values, nil
}

// epilogue applies the residual sum and the activation to the planes of numChannels channels, where
// result holds the new values and dst the previous ones. result and dst can be the same.
func epilogue(result, dst []float32, bias []float32, firstChannel, numChannels, plane int, param *backends.ConvParam) {
	for c := range numChannels {
		var b float32
		if bias != nil {
			b = bias[firstChannel+c]
		}
		res, out := result[c*plane:(c+1)*plane], dst[c*plane:(c+1)*plane]
		for ii, v := range res {
			v += b
			if param.Sum != nil {
				v += param.Sum.Coeff * out[ii]
			}
			out[ii] = param.Activation.Apply(v)
		}
	}
}
