package mobile

import (
	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/internal/im2col"
	"github.com/gomlx/opkernels/internal/workspace"
	"github.com/gomlx/opkernels/types/tensors"
)

// DeconvInt8 computes the transposed convolution of each (sample, group) as the int8 product of the
// packed transposed weights by the quantized input, followed by col2im in float32.
type DeconvInt8 struct {
	ctx  *backends.Context
	geom im2col.Geometry

	num, inC, outC, group int

	packed    []*PackedA
	wScales   []float32
	bias      []float32
	quantizer inputQuantizer
	output    workspace.Float

	col       []float32
	acc       []float32
	rowScales []float32
}

// NewDeconvInt8 creates a new int8 gemm + col2im deconvolution.
func NewDeconvInt8() backends.Impl[backends.ConvParam] { return &DeconvInt8{} }

// Name implements backends.Impl.
func (d *DeconvInt8) Name() string { return DeconvName }

// Init implements backends.Impl.
func (d *DeconvInt8) Init(inputs, outputs []*tensors.Tensor, param *backends.ConvParam, ctx *backends.Context) error {
	d.ctx = ctx
	return checkSupported(DeconvName, inputs, outputs, param)
}

// Create implements backends.Impl: it quantizes and packs the weights.
func (d *DeconvInt8) Create(inputs, outputs []*tensors.Tensor, param *backends.ConvParam, ctx *backends.Context) error {
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
	icPerG, ocPerG := d.inC/d.group, d.geom.Channels
	kernelSize := d.geom.KernelH * d.geom.KernelW
	colRows := d.geom.ColRows()

	// Weights are [inputChannels, outputChannels/group, kh, kw].
	channelOf := func(idx int) int {
		ic := idx / colRows
		return (ic/icPerG)*ocPerG + (idx%colRows)/kernelSize
	}
	quantized, scales, err := quantizeWeights(param.Weights, d.outC, channelOf)
	if err != nil {
		return err
	}
	d.wScales = scales
	d.packed = make([]*PackedA, d.group)
	for g := range d.group {
		d.packed[g] = PrepackAInt8(quantized[g*icPerG*colRows:], colRows, colRows, icPerG, true)
	}
	if d.bias, err = loadBias(param.Bias); err != nil {
		return err
	}
	d.col = make([]float32, colRows*d.geom.InH*d.geom.InW)
	d.acc = make([]float32, ocPerG*d.geom.OutH*d.geom.OutW)
	d.rowScales = make([]float32, d.group*colRows)
	return d.output.Prepare(outputs[0])
}

// Dispatch implements backends.Impl.
func (d *DeconvInt8) Dispatch(inputs, outputs []*tensors.Tensor, param *backends.ConvParam) error {
	in, inScale, err := d.quantizer.quantize(inputs[0])
	if err != nil {
		return err
	}
	var out []float32
	if param.Sum != nil {
		out, err = d.output.OutputWithValues(outputs[0])
	} else {
		out, err = d.output.Output(outputs[0])
	}
	if err != nil {
		return err
	}
	g := d.geom
	icPerG, ocPerG := d.inC/d.group, g.Channels
	kernelSize, colRows := g.KernelH*g.KernelW, g.ColRows()
	for ii := range d.rowScales {
		grp, row := ii/colRows, ii%colRows
		d.rowScales[ii] = inScale * d.wScales[grp*ocPerG+row/kernelSize]
	}

	inPlane, outPlane := g.InH*g.InW, g.OutH*g.OutW
	for n := range d.num {
		for grp := range d.group {
			src := in[(n*d.inC+grp*icPerG)*inPlane : (n*d.inC+(grp+1)*icPerG)*inPlane]
			err = GemmPrepackInt8(d.packed[grp], src, nil, d.col, inPlane, false, false,
				d.rowScales[grp*colRows:(grp+1)*colRows], d.ctx)
			if err != nil {
				return err
			}
			clear(d.acc)
			im2col.Col2Im(g, d.col, d.acc)
			dst := out[(n*d.outC+grp*ocPerG)*outPlane : (n*d.outC+(grp+1)*ocPerG)*outPlane]
			epilogue(d.acc, dst, d.bias, grp*ocPerG, ocPerG, outPlane, param)
		}
	}
	return d.output.FlushRounded(outputs[0], param.RoundMode)
}
