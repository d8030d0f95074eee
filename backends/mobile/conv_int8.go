package mobile

import (
	"math"

	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/internal/im2col"
	"github.com/gomlx/opkernels/internal/workspace"
	"github.com/gomlx/opkernels/types/tensors"
)

// ConvInt8 computes the convolution of each (sample, group) as the int8 product of the packed weights by
// the im2col columns of the quantized input. Bias and relu are fused in the matrix multiplication when
// there is no residual sum.
type ConvInt8 struct {
	ctx  *backends.Context
	geom im2col.Geometry

	num, inC, outC, group int
	direct                bool

	packed    []*PackedA
	wScales   []float32
	bias      []float32
	quantizer inputQuantizer
	output    workspace.Float

	col       []int8
	tmp       []float32
	rowScales []float32
	biasInt   []int32
}

// NewConvInt8 creates a new int8 im2col + gemm convolution.
func NewConvInt8() backends.Impl[backends.ConvParam] { return &ConvInt8{} }

// Name implements backends.Impl.
func (c *ConvInt8) Name() string { return ConvName }

// Init implements backends.Impl.
func (c *ConvInt8) Init(inputs, outputs []*tensors.Tensor, param *backends.ConvParam, ctx *backends.Context) error {
	c.ctx = ctx
	return checkSupported(ConvName, inputs, outputs, param)
}

// Create implements backends.Impl: it quantizes and packs the weights.
func (c *ConvInt8) Create(inputs, outputs []*tensors.Tensor, param *backends.ConvParam, ctx *backends.Context) error {
	c.ctx = ctx
	inShape, outShape := inputs[0].Shape(), outputs[0].Shape()
	c.num, c.inC, c.outC, c.group = inShape.Num(), inShape.Channel(), outShape.Channel(), param.Group
	c.geom = im2col.Geometry{
		Channels: c.inC / c.group, InH: inShape.Height(), InW: inShape.Width(),
		KernelH: param.KernelH(), KernelW: param.KernelW(),
		PadH: param.PadH, PadW: param.PadW, StrideH: param.StrideH, StrideW: param.StrideW,
		DilationH: param.DilationH, DilationW: param.DilationW,
		OutH: outShape.Height(), OutW: outShape.Width(),
	}
	c.direct = c.geom.KernelH == 1 && c.geom.KernelW == 1 && c.geom.PadH == 0 && c.geom.PadW == 0 &&
		c.geom.StrideH == 1 && c.geom.StrideW == 1
	colRows, ocPerG := c.geom.ColRows(), c.outC/c.group

	quantized, scales, err := quantizeWeights(param.Weights, c.outC, func(idx int) int { return idx / colRows })
	if err != nil {
		return err
	}
	c.wScales = scales
	c.packed = make([]*PackedA, c.group)
	for g := range c.group {
		c.packed[g] = PrepackAInt8(quantized[g*ocPerG*colRows:], colRows, ocPerG, colRows, false)
	}
	if c.bias, err = loadBias(param.Bias); err != nil {
		return err
	}
	c.rowScales = make([]float32, c.outC)
	c.biasInt = nil
	if c.bias != nil {
		c.biasInt = make([]int32, c.outC)
	}
	if !c.direct {
		c.col = make([]int8, c.geom.ColSize())
	}
	c.tmp = make([]float32, ocPerG*c.geom.OutH*c.geom.OutW)
	return c.output.Prepare(outputs[0])
}

// Dispatch implements backends.Impl.
func (c *ConvInt8) Dispatch(inputs, outputs []*tensors.Tensor, param *backends.ConvParam) error {
	in, inScale, err := c.quantizer.quantize(inputs[0])
	if err != nil {
		return err
	}
	fused := param.Sum == nil && (param.Activation == nil || param.Activation.IsRelu())
	var out []float32
	if fused {
		out, err = c.output.Output(outputs[0])
	} else {
		out, err = c.output.OutputWithValues(outputs[0])
	}
	if err != nil {
		return err
	}
	for oc := range c.outC {
		c.rowScales[oc] = inScale * c.wScales[oc]
		if c.biasInt != nil {
			c.biasInt[oc] = int32(math.Round(float64(c.bias[oc] / c.rowScales[oc])))
		}
	}

	g := c.geom
	ocPerG := c.outC / c.group
	inPlane, outPlane := g.InH*g.InW, g.OutH*g.OutW
	for n := range c.num {
		for grp := range c.group {
			src := in[(n*c.inC+grp*g.Channels)*inPlane : (n*c.inC+(grp+1)*g.Channels)*inPlane]
			col := src
			if !c.direct {
				im2col.Im2Col(g, src, c.col)
				col = c.col
			}
			var bias []int32
			if c.biasInt != nil {
				bias = c.biasInt[grp*ocPerG:]
			}
			dst := out[(n*c.outC+grp*ocPerG)*outPlane : (n*c.outC+(grp+1)*ocPerG)*outPlane]
			result := dst
			if !fused {
				result = c.tmp
			}
			err = GemmPrepackInt8(c.packed[grp], col, bias, result, outPlane, fused && param.WithRelu(), false,
				c.rowScales[grp*ocPerG:], c.ctx)
			if err != nil {
				return err
			}
			if !fused {
				epilogue(result, dst, nil, grp*ocPerG, ocPerG, outPlane, param)
			}
		}
	}
	return c.output.FlushRounded(outputs[0], param.RoundMode)
}
