// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/internal/im2col"
	"github.com/gomlx/opkernels/internal/workspace"
	"github.com/gomlx/opkernels/types/tensors"
)

// Deconv computes the transposed convolution with a matrix multiplication per (sample, group),
// producing the columns of each input pixel, followed by col2im accumulating the columns into the
// output image.
type Deconv struct {
	ctx              *backends.Context
	input, output    workspace.Float
	weights, biasVal workspace.Rows
}

// NewDeconv creates a new gemm + col2im deconvolution implementation.
func NewDeconv() backends.Impl[backends.ConvParam] { return &Deconv{} }

// Name implements backends.Impl.
func (d *Deconv) Name() string { return DeconvName }

// Init implements backends.Impl.
func (d *Deconv) Init(inputs, outputs []*tensors.Tensor, param *backends.ConvParam, ctx *backends.Context) error {
	d.ctx = ctx
	return param.Validate()
}

// Create implements backends.Impl.
func (d *Deconv) Create(inputs, outputs []*tensors.Tensor, param *backends.ConvParam, ctx *backends.Context) error {
	d.ctx = ctx
	if err := d.input.Prepare(inputs[0]); err != nil {
		return err
	}
	return d.output.Prepare(outputs[0])
}

// Dispatch implements backends.Impl.
func (d *Deconv) Dispatch(inputs, outputs []*tensors.Tensor, param *backends.ConvParam) error {
	in, err := d.input.Input(inputs[0])
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
	weights, err := d.weights.Load(param.Weights)
	if err != nil {
		return err
	}
	bias, err := d.biasVal.Load(param.Bias)
	if err != nil {
		return err
	}

	inShape, outShape := inputs[0].Shape(), outputs[0].Shape()
	num, inC, inH, inW := inShape.Num(), inShape.Channel(), inShape.Height(), inShape.Width()
	outC, outH, outW := outShape.Channel(), outShape.Height(), outShape.Width()
	group, kh, kw := param.Group, param.KernelH(), param.KernelW()
	icPerG, ocPerG := inC/group, outC/group
	colRows, inPlane, outPlane := ocPerG*kh*kw, inH*inW, outH*outW
	geom := im2col.Geometry{
		Channels: ocPerG, InH: inH, InW: inW, KernelH: kh, KernelW: kw,
		PadH: param.PadH, PadW: param.PadW, StrideH: param.StrideH, StrideW: param.StrideW,
		DilationH: param.DilationH, DilationW: param.DilationW, OutH: outH, OutW: outW,
	}

	d.ctx.ParallelFor(num*group, func(start, end int) {
		col := make([]float32, colRows*inPlane)
		acc := make([]float32, ocPerG*outPlane)
		for ng := start; ng < end; ng++ {
			n, g := ng/group, ng%group
			w := weights[g*icPerG*colRows : (g+1)*icPerG*colRows]
			src := in[(n*inC+g*icPerG)*inPlane : (n*inC+(g+1)*icPerG)*inPlane]
			gemm(true, false, colRows, inPlane, icPerG, 1, w, colRows, src, inPlane, 0, col, inPlane)
			clear(acc)
			im2col.Col2Im(geom, col, acc)
			for ocg := range ocPerG {
				oc := g*ocPerG + ocg
				dst := out[(n*outC+oc)*outPlane : (n*outC+oc+1)*outPlane]
				var b float32
				if bias != nil {
					b = bias[oc]
				}
				for ii, v := range acc[ocg*outPlane : (ocg+1)*outPlane] {
					v += b
					if param.Sum != nil {
						v += param.Sum.Coeff * dst[ii]
					}
					dst[ii] = param.Activation.Apply(v)
				}
			}
		}
	})
	return d.output.FlushRounded(outputs[0], param.RoundMode)
}
