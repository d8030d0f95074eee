package jit

import (
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/internal/workspace"
	"github.com/gomlx/opkernels/types/tensors"
	"github.com/pkg/errors"
)

// srcSlack is the number of bytes past the input the kernels may read: the loads of the last channel
// block of a row read whole vectors, with the extra lanes multiplied by zero weights or never stored.
const srcSlack = 64

// ConvInt8 is a quantized convolution computed by generated kernels.
//
// Float32 inputs are quantized to int8 with a per-tensor scale on every dispatch, int8 and uint8 inputs are
// used as they are. Weights are quantized with one scale per output channel in Create. Outputs can be
// float32, int32, int8 or uint8: quantized outputs must have their scale set.
type ConvInt8 struct {
	isa   ISA
	cache *KernelCache
	ctx   *backends.Context

	kernel *Kernel
	num    int

	weights  []int8
	comp     []int32
	wScales  []float32
	biasRows workspace.Rows
	bias     []float32

	quantized     []int8
	srcI8         []int8
	srcU8         []uint8
	src           []byte
	dst           nhwcBuffer
	scales, biasQ []float32
}

// NewConvInt8 creates a new generated int8 convolution, for the ISA of the host.
func NewConvInt8() backends.Impl[backends.ConvParam] {
	return &ConvInt8{isa: DetectISA(), cache: SharedCache}
}

// Name implements backends.Impl.
func (c *ConvInt8) Name() string { return ConvName }

// Init implements backends.Impl.
func (c *ConvInt8) Init(inputs, outputs []*tensors.Tensor, param *backends.ConvParam, ctx *backends.Context) error {
	c.ctx = ctx
	if err := param.Validate(); err != nil {
		return err
	}
	if param.Activation != nil && param.Activation.Kind != backends.ActivationNone && !param.Activation.IsRelu() {
		return errors.Wrapf(backends.ErrUnimplemented, "%s: only plain relu activations are supported", ConvName)
	}
	input, output := inputs[0], outputs[0]
	switch input.DType() {
	case dtypes.Float32:
	case dtypes.Int8, dtypes.Uint8:
		if len(input.Scale()) != 1 {
			return errors.Wrapf(backends.ErrInvalidValue, "%s: quantized input %s requires one scale, got %d",
				ConvName, input.Shape(), len(input.Scale()))
		}
	default:
		return errors.Wrapf(backends.ErrUnimplemented, "%s: input dtype %s not supported", ConvName, input.DType())
	}
	switch output.DType() {
	case dtypes.Float32, dtypes.Int32, dtypes.Int8, dtypes.Uint8:
	default:
		return errors.Wrapf(backends.ErrUnimplemented, "%s: output dtype %s not supported", ConvName, output.DType())
	}
	if dtype := param.Weights.DType(); dtype != dtypes.Float32 && dtype != dtypes.Int8 {
		return errors.Wrapf(backends.ErrUnimplemented, "%s: weights dtype %s not supported", ConvName, dtype)
	}
	return nil
}

// describe returns the kernel signature for the shapes and parameters.
func (c *ConvInt8) describe(input, output *tensors.Tensor, param *backends.ConvParam) ConvDesc {
	inShape, outShape := input.Shape(), output.Shape()
	desc := ConvDesc{
		Groups: param.Group,
		IC:     inShape.Channel() / param.Group, OC: outShape.Channel() / param.Group,
		IH: inShape.Height(), IW: inShape.Width(), OH: outShape.Height(), OW: outShape.Width(),
		KH: param.KernelH(), KW: param.KernelW(),
		StrideH: param.StrideH, StrideW: param.StrideW,
		DilationH: param.DilationH, DilationW: param.DilationW,
		PadT: param.PadH, PadL: param.PadW,
		SignedInput: input.DType() != dtypes.Uint8,
		DstDType:    output.DType(),
		BiasDType:   dtypes.InvalidDType,
		WithRelu:    param.WithRelu(),
		RoundMode:   param.RoundMode,
		ISA:         c.isa,
	}
	if param.Bias != nil {
		desc.BiasDType = dtypes.Float32
	}
	if param.Sum != nil {
		desc.WithSum, desc.SumScale = true, param.Sum.Coeff
	}
	return desc
}

// Create implements backends.Impl: it fetches the kernel, quantizes and reorders the weights.
// It returns ErrConfiguration if no kernel can be generated for the shapes.
func (c *ConvInt8) Create(inputs, outputs []*tensors.Tensor, param *backends.ConvParam, ctx *backends.Context) error {
	c.ctx = ctx
	cache := c.cache
	if cache == nil {
		cache = SharedCache
	}
	desc := c.describe(inputs[0], outputs[0], param)
	kernel, err := cache.Get(desc)
	if err != nil {
		return err
	}
	c.kernel, c.num = kernel, inputs[0].Shape().Num()

	values, err := (&workspace.Rows{}).Load(param.Weights)
	if err != nil {
		return err
	}
	numOC := desc.Groups * desc.OC
	var quantized []int8
	quantized, c.wScales = tensors.QuantizePerRow(values, numOC)
	if c.weights, c.comp, err = kernel.ReorderWeights(quantized); err != nil {
		return errors.Wrapf(backends.ErrInvalidValue, "%s: %v", ConvName, err)
	}
	if c.bias, err = c.biasRows.Load(param.Bias); err != nil {
		return err
	}
	if c.bias != nil && len(c.bias) != numOC {
		return errors.Wrapf(backends.ErrInvalidValue, "%s: bias has %d values for %d output channels",
			ConvName, len(c.bias), numOC)
	}
	c.scales = make([]float32, numOC)
	c.biasQ = make([]float32, numOC)

	inSize := inputs[0].Size()
	if inputs[0].DType() == dtypes.Uint8 {
		c.srcU8 = make([]uint8, inSize+srcSlack)
		c.src = bytesOf(c.srcU8)
	} else {
		c.srcI8 = make([]int8, inSize+srcSlack)
		c.src = bytesOf(c.srcI8)
		c.quantized = make([]int8, inSize)
	}
	c.dst = newNHWCBuffer(outputs[0].DType(), outputs[0].Size())
	return nil
}

// loadInput quantizes the input if needed, transposes it to NHWC into the source buffer and returns its
// scale.
func (c *ConvInt8) loadInput(input *tensors.Tensor) float32 {
	s := input.Shape()
	n, ch, h, w := s.Num(), s.Channel(), s.Height(), s.Width()
	switch input.DType() {
	case dtypes.Uint8:
		tensors.NCHWToNHWC(tensors.Flat[uint8](input), c.srcU8, n, ch, h, w)
		return input.Scale()[0]
	case dtypes.Int8:
		tensors.NCHWToNHWC(tensors.Flat[int8](input), c.srcI8, n, ch, h, w)
		return input.Scale()[0]
	}
	values := tensors.Flat[float32](input)
	scale := tensors.ScaleFromMaxAbs(tensors.MaxAbs(values), dtypes.Int8)
	tensors.Quantize(values, c.quantized, scale)
	tensors.NCHWToNHWC(c.quantized, c.srcI8, n, ch, h, w)
	return scale
}

// Dispatch implements backends.Impl.
func (c *ConvInt8) Dispatch(inputs, outputs []*tensors.Tensor, param *backends.ConvParam) error {
	if c.kernel == nil {
		return errors.Wrapf(backends.ErrNotInitialized, "%s: dispatched before Create", ConvName)
	}
	output := outputs[0]
	outScale := float32(1)
	if output.DType() != dtypes.Float32 && len(output.Scale()) > 0 {
		outScale = output.Scale()[0]
	} else if output.DType() == dtypes.Int8 || output.DType() == dtypes.Uint8 {
		return errors.Wrapf(backends.ErrInvalidValue, "%s: quantized output %s has no scale", ConvName, output.Shape())
	}
	inScale := c.loadInput(inputs[0])

	adjust := c.kernel.WeightsAdjustment()
	for oc, wScale := range c.wScales {
		c.scales[oc] = inScale * wScale / adjust / outScale
		if c.bias != nil {
			c.biasQ[oc] = c.bias[oc] / (inScale * wScale)
		}
	}
	if param.Sum != nil {
		c.dst.load(output)
	}

	d, conf := c.kernel.Desc, c.kernel.conf
	numTiles := c.num * d.OH
	if conf.isDw {
		numTiles *= conf.nbCh
	} else {
		numTiles *= d.Groups * (conf.nbOC / conf.nbOCBlocking)
	}
	var (
		muErr    sync.Mutex
		firstErr error
	)
	c.ctx.ParallelFor(numTiles, func(start, end int) {
		params := CallParams{
			Src: c.src, Dst: c.dst.bytes, Filt: bytesOf(c.weights),
			Bias: bytesOf(c.biasQ), Comp: bytesOf(c.comp), Scales: bytesOf(c.scales),
		}
		for tile := start; tile < end; tile++ {
			c.tileParams(tile, &params)
			if err := c.kernel.Run(&params); err != nil {
				muErr.Lock()
				if firstErr == nil {
					firstErr = err
				}
				muErr.Unlock()
				return
			}
		}
	})
	if firstErr != nil {
		return firstErr
	}
	c.dst.store(output)
	return nil
}

// tileParams sets the offsets of the tile: one output row of one group of output channel blocks (or one
// channel block for depthwise convolutions) of one sample.
func (c *ConvInt8) tileParams(tile int, p *CallParams) {
	d, conf := c.kernel.Desc, c.kernel.conf
	oh := tile % d.OH
	tile /= d.OH

	ij := oh * d.StrideH
	tOverflow := divUp(max(0, d.PadT-ij), d.DilationH)
	bOverflow := divUp(max(d.IH, ij+(d.KH-1)*d.DilationH-d.PadT+1)-d.IH, d.DilationH)
	bOverflow = min(bOverflow, d.KH-tOverflow)
	p.TOverflow, p.BOverflow = tOverflow, bOverflow
	p.KhPadding = max(0, d.KH-tOverflow-bOverflow)
	ihStart := ij - d.PadT + tOverflow*d.DilationH
	skippedRows := 0
	if !conf.signedShift {
		skippedRows = tOverflow
	}

	var n, firstChannel, ocBlocks, filt int
	if conf.isDw {
		chb := tile % conf.nbCh
		n = tile / conf.nbCh
		firstChannel, ocBlocks = chb*conf.chBlock, chb
		filt = ((chb*d.KH + skippedRows) * d.KW) * conf.chBlock
		p.SrcOffset = (n*d.IH+ihStart)*d.IW*d.Groups + firstChannel
	} else {
		numOCBG := conf.nbOC / conf.nbOCBlocking
		ocb := (tile % numOCBG) * conf.nbOCBlocking
		tile /= numOCBG
		g := tile % d.Groups
		n = tile / d.Groups
		firstChannel, ocBlocks = g*d.OC+ocb*conf.ocBlock, ocb
		filt = ((g*conf.nbOC+ocb)*conf.nbIC*d.KH + skippedRows) * d.KW * conf.icBlock * conf.ocBlock
		p.SrcOffset = (n*d.IH+ihStart)*d.IW*d.IC*d.Groups + g*d.IC
	}
	p.DstOffset = conf.typesizeOut * ((n*d.OH+oh)*d.OW*d.OC*d.Groups + firstChannel)
	p.FiltOffset = filt
	p.BiasOffset, p.CompOffset, p.ScalesOffset = 4*firstChannel, 4*firstChannel, 4*firstChannel
	p.OcBlocks = ocBlocks
}

// nhwcBuffer holds the output in NHWC layout, as written by the kernels.
type nhwcBuffer struct {
	flat  any
	bytes []byte
}

func newNHWCBuffer(dtype dtypes.DType, size int) nhwcBuffer {
	switch dtype {
	case dtypes.Float32:
		flat := make([]float32, size)
		return nhwcBuffer{flat, bytesOf(flat)}
	case dtypes.Int32:
		flat := make([]int32, size)
		return nhwcBuffer{flat, bytesOf(flat)}
	case dtypes.Int8:
		flat := make([]int8, size)
		return nhwcBuffer{flat, bytesOf(flat)}
	default:
		flat := make([]uint8, size)
		return nhwcBuffer{flat, bytesOf(flat)}
	}
}

// load transposes the NCHW tensor t into the buffer.
func (b nhwcBuffer) load(t *tensors.Tensor) {
	s := t.Shape()
	n, ch, h, w := s.Num(), s.Channel(), s.Height(), s.Width()
	switch flat := b.flat.(type) {
	case []float32:
		tensors.NCHWToNHWC(tensors.Flat[float32](t), flat, n, ch, h, w)
	case []int32:
		tensors.NCHWToNHWC(tensors.Flat[int32](t), flat, n, ch, h, w)
	case []int8:
		tensors.NCHWToNHWC(tensors.Flat[int8](t), flat, n, ch, h, w)
	case []uint8:
		tensors.NCHWToNHWC(tensors.Flat[uint8](t), flat, n, ch, h, w)
	}
}

// store transposes the buffer into the NCHW tensor t.
func (b nhwcBuffer) store(t *tensors.Tensor) {
	s := t.Shape()
	n, ch, h, w := s.Num(), s.Channel(), s.Height(), s.Width()
	switch flat := b.flat.(type) {
	case []float32:
		tensors.NHWCToNCHW(flat, tensors.Flat[float32](t), n, ch, h, w)
	case []int32:
		tensors.NHWCToNCHW(flat, tensors.Flat[int32](t), n, ch, h, w)
	case []int8:
		tensors.NHWCToNCHW(flat, tensors.Flat[int8](t), n, ch, h, w)
	case []uint8:
		tensors.NHWCToNCHW(flat, tensors.Flat[uint8](t), n, ch, h, w)
	}
}
