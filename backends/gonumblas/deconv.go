package gonumblas

import (
	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/internal/im2col"
	"github.com/gomlx/opkernels/types/tensors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Deconv computes the transposed convolution of each (sample, group) as the product of the transposed
// weights by the input, followed by col2im.
type Deconv struct {
	ctx  *backends.Context
	geom im2col.Geometry

	num, inC, outC, group int
}

// NewDeconv creates a new gemm + col2im deconvolution.
func NewDeconv() backends.Impl[backends.ConvParam] { return &Deconv{} }

// Name implements backends.Impl.
func (d *Deconv) Name() string { return DeconvName }

// Init implements backends.Impl.
func (d *Deconv) Init(inputs, outputs []*tensors.Tensor, param *backends.ConvParam, ctx *backends.Context) error {
	d.ctx = ctx
	if err := param.Validate(); err != nil {
		return err
	}
	return checkFloat32(DeconvName, inputs[0], outputs[0], param.Weights, param.Bias)
}

// Create implements backends.Impl.
func (d *Deconv) Create(inputs, outputs []*tensors.Tensor, param *backends.ConvParam, ctx *backends.Context) error {
	d.ctx = ctx
	inShape, outShape := inputs[0].Shape(), outputs[0].Shape()
	d.num, d.inC, d.outC, d.group = inShape.Num(), inShape.Channel(), outShape.Channel(), param.Group
	d.geom = im2col.Geometry{
		Channels: d.outC / d.group, InH: inShape.Height(), InW: inShape.Width(),
		KernelH: param.KernelH(), KernelW: param.KernelW(),
		PadH: param.PadH, PadW: param.PadW, StrideH: param.StrideH, StrideW: param.StrideW,
		DilationH: param.DilationH, DilationW: param.DilationW,
		OutH: outShape.Height(), OutW: outShape.Width(),
	}
	return nil
}

// Dispatch implements backends.Impl.
func (d *Deconv) Dispatch(inputs, outputs []*tensors.Tensor, param *backends.ConvParam) error {
	in, out := tensors.Flat[float32](inputs[0]), tensors.Flat[float32](outputs[0])
	weights := tensors.Flat[float32](param.Weights)
	var bias []float32
	if param.Bias != nil {
		bias = tensors.Flat[float32](param.Bias)
	}
	g := d.geom
	icPerG, ocPerG := d.inC/d.group, g.Channels
	inPlane, outPlane := g.InH*g.InW, g.OutH*g.OutW
	colRows := g.ColRows()
	coeff := sumCoeff(param)

	d.ctx.ParallelFor(d.num*d.group, func(start, end int) {
		col := make([]float32, colRows*inPlane)
		for ng := start; ng < end; ng++ {
			n, grp := ng/d.group, ng%d.group
			src := in[(n*d.inC+grp*icPerG)*inPlane : (n*d.inC+(grp+1)*icPerG)*inPlane]
			blas32.Gemm(blas.Trans, blas.NoTrans, 1,
				general(weights[grp*icPerG*colRows:], colRows, icPerG, true),
				general(src, icPerG, inPlane, false),
				0, general(col, colRows, inPlane, false))
			dst := out[(n*d.outC+grp*ocPerG)*outPlane : (n*d.outC+(grp+1)*ocPerG)*outPlane]
			if coeff == 0 {
				clear(dst)
			} else if coeff != 1 {
				for ii := range dst {
					dst[ii] *= coeff
				}
			}
			im2col.Col2Im(g, col, dst)
			finalize(dst, bias, grp*ocPerG, ocPerG, outPlane, param)
		}
	})
	return nil
}
