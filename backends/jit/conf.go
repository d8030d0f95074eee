package jit

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opkernels/backends"
	"github.com/pkg/errors"
)

// ConvDesc is the signature of a quantized convolution kernel: everything the generated code depends on.
// It is comparable and used as the key of the KernelCache.
//
// Channel counts are per group. Inputs are int8 (SignedInput) or uint8 in NHWC layout, weights are int8 in
// the blocked layout produced by ReorderWeights.
type ConvDesc struct {
	Groups               int
	IC, OC               int
	IH, IW, OH, OW       int
	KH, KW               int
	StrideH, StrideW     int
	DilationH, DilationW int
	PadT, PadL           int

	SignedInput bool
	DstDType    dtypes.DType

	// BiasDType is dtypes.InvalidDType if there is no bias.
	BiasDType dtypes.DType

	WithRelu  bool
	WithSum   bool
	SumScale  float32
	RoundMode backends.RoundMode
	ISA       ISA
}

// String implements fmt.Stringer.
func (d ConvDesc) String() string {
	return fmt.Sprintf("g%d_ic%d_oc%d_ih%dx%d_oh%dx%d_k%dx%d_s%dx%d_d%dx%d_p%dx%d_%s_%s_bias:%s_relu:%v_sum:%v(%g)_%s_%s",
		d.Groups, d.IC, d.OC, d.IH, d.IW, d.OH, d.OW, d.KH, d.KW, d.StrideH, d.StrideW, d.DilationH, d.DilationW,
		d.PadT, d.PadL, map[bool]string{true: "s8", false: "u8"}[d.SignedInput], d.DstDType, d.BiasDType,
		d.WithRelu, d.WithSum, d.SumScale, d.RoundMode, d.ISA)
}

// IsDepthwise returns whether each group has a single input and output channel.
func (d ConvDesc) IsDepthwise() bool { return d.Groups > 1 && d.IC == 1 && d.OC == 1 }

// regBudget is the number of vector registers available for accumulators and inputs.
const regBudget = 28

// conf is the blocking of a convolution: how channels are split in blocks and how many output columns are
// computed per tile.
type conf struct {
	desc ConvDesc
	ver  ISA

	isDw        bool
	dwInt8      bool
	signedShift bool

	chBlock, icBlock, ocBlock int

	// ic and oc are the channel counts rounded up to the blocks.
	ic, oc                             int
	icWithoutPadding, ocWithoutPadding int
	nbCh, nbIC, nbOC, nbOCBlocking     int

	urW, urWTail           int
	lPad, tPad, rPad, bPad int

	typesizeIn, typesizeOut, typesizeBias int

	weiAdjScale float32
}

func dtypeSize(dtype dtypes.DType) int {
	switch dtype {
	case dtypes.Float32, dtypes.Int32:
		return 4
	case dtypes.Int8, dtypes.Uint8:
		return 1
	}
	return 0
}

func divUp(a, b int) int { return (a + b - 1) / b }
func rndUp(a, b int) int { return divUp(a, b) * b }

// validate checks the domain of the descriptor fields.
func (d ConvDesc) validate() error {
	switch {
	case d.Groups < 1 || d.IC < 1 || d.OC < 1:
		return errors.Wrapf(backends.ErrInvalidValue, "jit: groups and channels must be positive, got %s", d)
	case d.IH < 1 || d.IW < 1 || d.OH < 1 || d.OW < 1 || d.KH < 1 || d.KW < 1:
		return errors.Wrapf(backends.ErrInvalidValue, "jit: spatial dimensions must be positive, got %s", d)
	case d.StrideH < 1 || d.StrideW < 1 || d.DilationH < 1 || d.DilationW < 1:
		return errors.Wrapf(backends.ErrInvalidValue, "jit: strides and dilations must be positive, got %s", d)
	case d.PadT < 0 || d.PadL < 0:
		return errors.Wrapf(backends.ErrInvalidValue, "jit: paddings must be non-negative, got %s", d)
	case d.ISA != ISAEmulated && d.ISA != ISAVNNI:
		return errors.Wrapf(backends.ErrInvalidValue, "jit: unknown ISA %d", d.ISA)
	}
	switch d.DstDType {
	case dtypes.Float32, dtypes.Int32, dtypes.Int8, dtypes.Uint8:
	default:
		return errors.Wrapf(backends.ErrConfiguration, "jit: destination dtype %s not supported", d.DstDType)
	}
	if d.BiasDType != dtypes.InvalidDType && dtypeSize(d.BiasDType) == 0 {
		return errors.Wrapf(backends.ErrConfiguration, "jit: bias dtype %s not supported", d.BiasDType)
	}
	if d.DstDType != dtypes.Float32 && d.RoundMode != backends.RoundNearest && d.RoundMode != backends.RoundDown {
		return errors.Wrapf(backends.ErrConfiguration, "jit: round mode %s not supported", d.RoundMode)
	}
	return nil
}

// initConf computes the blocking of the convolution, or returns ErrConfiguration if the kernel generator
// can't handle it.
func initConf(desc ConvDesc) (*conf, error) {
	if err := desc.validate(); err != nil {
		return nil, err
	}
	c := &conf{
		desc:             desc,
		ver:              desc.ISA,
		isDw:             desc.IsDepthwise(),
		ic:               desc.IC,
		oc:               desc.OC,
		icWithoutPadding: desc.IC,
		ocWithoutPadding: desc.OC,
		tPad:             desc.PadT,
		lPad:             desc.PadL,
	}
	if c.isDw {
		c.chBlock, c.icBlock, c.ocBlock = 16, 1, 1
		// Signed depthwise inputs are sign-extended instead of shifted to unsigned.
		c.dwInt8 = desc.SignedInput
	} else {
		c.chBlock, c.icBlock, c.ocBlock = 1, 16, 16
		if desc.Groups == 1 {
			c.oc = rndUp(c.oc, c.ocBlock)
			c.ic = rndUp(c.ic, c.icBlock)
		}
	}
	c.signedShift = desc.SignedInput && !c.dwInt8

	c.typesizeIn = 1
	c.typesizeOut = dtypeSize(desc.DstDType)
	if desc.BiasDType != dtypes.InvalidDType {
		c.typesizeBias = dtypeSize(desc.BiasDType)
	}
	c.nbCh = divUp(desc.Groups, c.chBlock)
	c.nbIC = c.ic / c.icBlock
	c.nbOC = c.oc / c.ocBlock

	// Shrink the output channel blocking until it divides the number of blocks, and the unrolled width
	// covers the left padding.
	c.nbOCBlocking = min(4, c.nbOC)
	for ; c.nbOCBlocking > 1; c.nbOCBlocking-- {
		if c.nbOC%c.nbOCBlocking == 0 && c.lPad <= regBudget/(c.nbOCBlocking+1) {
			break
		}
	}
	c.urW = min(regBudget/(c.nbOCBlocking+1), desc.OW)
	c.urWTail = desc.OW % c.urW

	firstConv := desc.Groups == 1 && c.icWithoutPadding < c.icBlock
	switch {
	case c.oc%c.ocBlock != 0:
		return nil, errors.Wrapf(backends.ErrConfiguration,
			"jit: %d output channels per group is not a multiple of %d", c.oc, c.ocBlock)
	case c.lPad > c.urW:
		return nil, errors.Wrapf(backends.ErrConfiguration,
			"jit: left padding %d larger than the unrolled width %d", c.lPad, c.urW)
	case !firstConv && c.ic%c.icBlock != 0:
		return nil, errors.Wrapf(backends.ErrConfiguration,
			"jit: %d input channels per group is not a multiple of %d", c.ic, c.icBlock)
	}

	rPadNoTail := max(0, (desc.OW-c.urWTail-1)*desc.StrideW+(desc.KW-1)*desc.DilationW-(desc.IW+c.lPad-1))
	if rPadNoTail > c.urW {
		return nil, errors.Wrapf(backends.ErrConfiguration,
			"jit: right padding %d of the last full tile larger than the unrolled width %d", rPadNoTail, c.urW)
	}
	c.rPad = max(0, (desc.OW-1)*desc.StrideW+(desc.KW-1)*desc.DilationW-(desc.IW+c.lPad-1))
	c.bPad = max(0, (desc.OH-1)*desc.StrideH+(desc.KH-1)*desc.DilationH-(desc.IH+c.tPad-1))

	c.weiAdjScale = 1
	if c.ver == ISAEmulated && !c.isDw {
		c.weiAdjScale = 0.5
	}
	return c, nil
}

// ocTail returns the number of valid channels of the last output channel block, or 0 if it's full.
func (c *conf) ocTail() int {
	if c.isDw {
		return c.desc.Groups % c.chBlock
	}
	return c.ocWithoutPadding % c.ocBlock
}

// weightsSize returns the number of bytes of the reordered weights.
func (c *conf) weightsSize() int {
	if c.isDw {
		return c.nbCh * c.chBlock * c.desc.KH * c.desc.KW
	}
	return c.desc.Groups * c.nbOC * c.nbIC * c.desc.KH * c.desc.KW * c.icBlock * c.ocBlock
}
