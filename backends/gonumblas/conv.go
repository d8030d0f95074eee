package gonumblas

import (
	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/internal/im2col"
	"github.com/gomlx/opkernels/types/tensors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Conv computes the convolution of each (sample, group) as the product of the weights by the im2col
// columns of the input. 1x1 convolutions without padding or strides use the input directly.
type Conv struct {
	ctx  *backends.Context
	geom im2col.Geometry
	num  int

	inC, outC, group int
	direct           bool
}

// NewConv creates a new im2col + gemm convolution.
func NewConv() backends.Impl[backends.ConvParam] { return &Conv{} }

// Name implements backends.Impl.
func (c *Conv) Name() string { return ConvName }

// Init implements backends.Impl.
func (c *Conv) Init(inputs, outputs []*tensors.Tensor, param *backends.ConvParam, ctx *backends.Context) error {
	c.ctx = ctx
	if err := param.Validate(); err != nil {
		return err
	}
	return checkFloat32(ConvName, inputs[0], outputs[0], param.Weights, param.Bias)
}

// Create implements backends.Impl.
func (c *Conv) Create(inputs, outputs []*tensors.Tensor, param *backends.ConvParam, ctx *backends.Context) error {
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
	return nil
}

// Dispatch implements backends.Impl.
func (c *Conv) Dispatch(inputs, outputs []*tensors.Tensor, param *backends.ConvParam) error {
	in, out := tensors.Flat[float32](inputs[0]), tensors.Flat[float32](outputs[0])
	weights := tensors.Flat[float32](param.Weights)
	var bias []float32
	if param.Bias != nil {
		bias = tensors.Flat[float32](param.Bias)
	}
	g := c.geom
	icPerG, ocPerG := g.Channels, c.outC/c.group
	inPlane, outPlane := g.InH*g.InW, g.OutH*g.OutW
	colRows := g.ColRows()
	beta := sumCoeff(param)

	c.ctx.ParallelFor(c.num*c.group, func(start, end int) {
		var col []float32
		if !c.direct {
			col = make([]float32, g.ColSize())
		}
		for ng := start; ng < end; ng++ {
			n, grp := ng/c.group, ng%c.group
			src := in[(n*c.inC+grp*icPerG)*inPlane : (n*c.inC+(grp+1)*icPerG)*inPlane]
			if c.direct {
				col = src
			} else {
				im2col.Im2Col(g, src, col)
			}
			dst := out[(n*c.outC+grp*ocPerG)*outPlane : (n*c.outC+(grp+1)*ocPerG)*outPlane]
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
				general(weights[grp*ocPerG*colRows:], ocPerG, colRows, false),
				general(col, colRows, outPlane, false),
				beta, general(dst, ocPerG, outPlane, false))
			finalize(dst, bias, grp*ocPerG, ocPerG, outPlane, param)
		}
	})
	return nil
}
