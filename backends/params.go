package backends

import (
	"github.com/gomlx/opkernels/types/tensors"
	"github.com/pkg/errors"
)

// ActivationKind enumerates the fused activations.
type ActivationKind int

const (
	ActivationNone ActivationKind = iota
	// ActivationRelu is max(x, 0), or x*NegativeSlope for negative x if NegativeSlope != 0.
	ActivationRelu
)

// ActivationParam is the optional activation fused at the end of an operator.
type ActivationParam struct {
	Kind          ActivationKind
	NegativeSlope float32
}

// IsRelu returns whether the activation is a plain rectifier (no negative slope).
func (a *ActivationParam) IsRelu() bool {
	return a != nil && a.Kind == ActivationRelu && a.NegativeSlope == 0
}

// Apply the activation to x.
func (a *ActivationParam) Apply(x float32) float32 {
	if a == nil || a.Kind != ActivationRelu || x >= 0 {
		return x
	}
	return x * a.NegativeSlope
}

// SumParam fuses a residual add: output = result + Coeff * previous output.
type SumParam struct {
	Coeff float32
}

// RoundMode used when converting results to integer types.
type RoundMode int

const (
	// RoundNearest rounds to the nearest integer, ties to even.
	RoundNearest RoundMode = iota
	// RoundDown rounds towards negative infinity.
	RoundDown
)

// String implements fmt.Stringer.
func (m RoundMode) String() string {
	switch m {
	case RoundNearest:
		return "nearest"
	case RoundDown:
		return "down"
	}
	return "RoundMode(?)"
}

// ConvParam holds the parameters of convolutions and deconvolutions.
//
// Weights of convolutions have dimensions [outputChannels, inputChannels/Group, kernelH, kernelW], and
// weights of deconvolutions [inputChannels, outputChannels/Group, kernelH, kernelW].
// Bias is optional, with one value per output channel.
//
// Quantized weights (int8) must carry one scale per output channel.
type ConvParam struct {
	Group                int
	PadH, PadW           int
	StrideH, StrideW     int
	DilationH, DilationW int
	Weights, Bias        *tensors.Tensor

	// Activation is optional, applied after the bias and the residual sum.
	Activation *ActivationParam

	// Sum is optional, it adds the previous value of the output (scaled by Sum.Coeff) before the activation.
	Sum *SumParam

	// RoundMode for integer outputs.
	RoundMode RoundMode
}

// NewConvParam returns a ConvParam with group 1, no padding, stride 1 and dilation 1.
func NewConvParam(weights, bias *tensors.Tensor) *ConvParam {
	return &ConvParam{Group: 1, StrideH: 1, StrideW: 1, DilationH: 1, DilationW: 1, Weights: weights, Bias: bias}
}

// KernelH returns the kernel height, taken from the weights.
func (p *ConvParam) KernelH() int { return p.Weights.Shape().Dimensions[2] }

// KernelW returns the kernel width, taken from the weights.
func (p *ConvParam) KernelW() int { return p.Weights.Shape().Dimensions[3] }

// WithRelu returns whether a plain rectifier is fused.
func (p *ConvParam) WithRelu() bool { return p.Activation.IsRelu() }

// Validate checks the domain of the parameters.
func (p *ConvParam) Validate() error {
	switch {
	case p.Group < 1:
		return errors.Wrapf(ErrInvalidValue, "conv group must be >= 1, got %d", p.Group)
	case p.StrideH < 1 || p.StrideW < 1:
		return errors.Wrapf(ErrInvalidValue, "conv strides must be >= 1, got %dx%d", p.StrideH, p.StrideW)
	case p.DilationH < 1 || p.DilationW < 1:
		return errors.Wrapf(ErrInvalidValue, "conv dilations must be >= 1, got %dx%d", p.DilationH, p.DilationW)
	case p.PadH < 0 || p.PadW < 0:
		return errors.Wrapf(ErrInvalidValue, "conv paddings must be >= 0, got %dx%d", p.PadH, p.PadW)
	case p.Weights == nil:
		return errors.Wrap(ErrInvalidValue, "conv requires weights")
	case p.Weights.Shape().Rank() != 4:
		return errors.Wrapf(ErrInvalidValue, "conv weights must have rank 4, got %s", p.Weights.Shape())
	case p.KernelH() < 1 || p.KernelW() < 1:
		return errors.Wrapf(ErrInvalidValue, "conv kernel size must be positive, got %dx%d", p.KernelH(), p.KernelW())
	case p.RoundMode != RoundNearest && p.RoundMode != RoundDown:
		return errors.Wrapf(ErrInvalidValue, "conv round mode %d unknown", p.RoundMode)
	}
	return nil
}

// PoolingMethod enumerates the pooling reductions.
type PoolingMethod int

const (
	PoolingMax PoolingMethod = iota
	// PoolingAverageIncludePadding divides by the full window size.
	PoolingAverageIncludePadding
	// PoolingAverageExcludePadding divides by the number of window elements inside the input.
	PoolingAverageExcludePadding
)

// PoolingParam holds the parameters of pooling.
type PoolingParam struct {
	WindowH, WindowW int
	PadH, PadW       int
	StrideH, StrideW int
	Method           PoolingMethod

	// Global pools the whole spatial extent into 1x1. Window, padding and strides are ignored.
	Global bool

	// FloorAsConv computes the output size rounding down, like convolutions. The default rounds up.
	FloorAsConv bool
}

// Validate checks the domain of the parameters.
func (p *PoolingParam) Validate() error {
	if p.Method < PoolingMax || p.Method > PoolingAverageExcludePadding {
		return errors.Wrapf(ErrInvalidValue, "pooling method %d unknown", p.Method)
	}
	if p.Global {
		return nil
	}
	switch {
	case p.WindowH < 1 || p.WindowW < 1:
		return errors.Wrapf(ErrInvalidValue, "pooling window must be positive, got %dx%d", p.WindowH, p.WindowW)
	case p.StrideH < 1 || p.StrideW < 1:
		return errors.Wrapf(ErrInvalidValue, "pooling strides must be >= 1, got %dx%d", p.StrideH, p.StrideW)
	case p.PadH < 0 || p.PadW < 0 || p.PadH >= p.WindowH || p.PadW >= p.WindowW:
		return errors.Wrapf(ErrInvalidValue, "pooling padding must be in [0, window), got %dx%d for window %dx%d",
			p.PadH, p.PadW, p.WindowH, p.WindowW)
	}
	return nil
}

// ConcatParam holds the concatenation axis. Negative values count from the end.
type ConcatParam struct {
	Axis int
}

// TopKPoolingParam holds the parameters of top-k pooling: the TopK largest values of each channel's
// valid spatial region are kept, in decreasing order, padded with zeros.
//
// The valid region is the whole feature map, unless the input carries two levels of sequence offsets:
// then the valid height and width of sample n are the lengths of the segment n of the first and second
// levels respectively.
type TopKPoolingParam struct {
	TopK int

	// FeatMapNum is the number of channels of the input feature map.
	FeatMapNum int
}

// Validate checks the domain of the parameters.
func (p *TopKPoolingParam) Validate() error {
	if p.TopK < 1 {
		return errors.Wrapf(ErrInvalidValue, "top-k pooling requires TopK >= 1, got %d", p.TopK)
	}
	if p.FeatMapNum < 0 {
		return errors.Wrapf(ErrInvalidValue, "top-k pooling FeatMapNum must be >= 0, got %d", p.FeatMapNum)
	}
	return nil
}

// SequenceConcatParam has no parameters: sequences are concatenated per sample.
type SequenceConcatParam struct{}
