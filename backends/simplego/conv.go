// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/internal/workspace"
	"github.com/gomlx/opkernels/types/tensors"
)

// Conv is the direct convolution: each output value is computed independently from the input
// window, which makes it slow but trivially correct for any group, stride, dilation and padding.
type Conv struct {
	ctx              *backends.Context
	input, output    workspace.Float
	weights, biasVal workspace.Rows
}

// NewConv creates a new direct convolution implementation.
func NewConv() backends.Impl[backends.ConvParam] { return &Conv{} }

// Name implements backends.Impl.
func (c *Conv) Name() string { return ConvName }

// Init implements backends.Impl.
func (c *Conv) Init(inputs, outputs []*tensors.Tensor, param *backends.ConvParam, ctx *backends.Context) error {
	c.ctx = ctx
	return param.Validate()
}

// Create implements backends.Impl.
func (c *Conv) Create(inputs, outputs []*tensors.Tensor, param *backends.ConvParam, ctx *backends.Context) error {
	c.ctx = ctx
	if err := c.input.Prepare(inputs[0]); err != nil {
		return err
	}
	return c.output.Prepare(outputs[0])
}

// convGeometry holds the dimensions of a convolution, as seen by the output.
type convGeometry struct {
	num, inC, inH, inW    int
	outC, outH, outW      int
	group, icPerG, ocPerG int
	kh, kw                int
	padH, padW            int
	strideH, strideW      int
	dilationH, dilationW  int
}

func newConvGeometry(input, output *tensors.Tensor, param *backends.ConvParam) convGeometry {
	inShape, outShape := input.Shape(), output.Shape()
	g := convGeometry{
		num: inShape.Num(), inC: inShape.Channel(), inH: inShape.Height(), inW: inShape.Width(),
		outC: outShape.Channel(), outH: outShape.Height(), outW: outShape.Width(),
		group: param.Group, kh: param.KernelH(), kw: param.KernelW(),
		padH: param.PadH, padW: param.PadW, strideH: param.StrideH, strideW: param.StrideW,
		dilationH: param.DilationH, dilationW: param.DilationW,
	}
	g.icPerG = g.inC / g.group
	g.ocPerG = g.outC / g.group
	return g
}

// Dispatch implements backends.Impl.
func (c *Conv) Dispatch(inputs, outputs []*tensors.Tensor, param *backends.ConvParam) error {
	in, err := c.input.Input(inputs[0])
	if err != nil {
		return err
	}
	var out []float32
	if param.Sum != nil {
		out, err = c.output.OutputWithValues(outputs[0])
	} else {
		out, err = c.output.Output(outputs[0])
	}
	if err != nil {
		return err
	}
	weights, err := c.weights.Load(param.Weights)
	if err != nil {
		return err
	}
	bias, err := c.biasVal.Load(param.Bias)
	if err != nil {
		return err
	}

	g := newConvGeometry(inputs[0], outputs[0], param)
	outPlane := g.outH * g.outW
	inPlane := g.inH * g.inW
	c.ctx.ParallelFor(g.num*g.outC, func(start, end int) {
		for nc := start; nc < end; nc++ {
			n, oc := nc/g.outC, nc%g.outC
			icBase := (oc / g.ocPerG) * g.icPerG
			w := weights[oc*g.icPerG*g.kh*g.kw : (oc+1)*g.icPerG*g.kh*g.kw]
			dst := out[nc*outPlane : (nc+1)*outPlane]
			var b float32
			if bias != nil {
				b = bias[oc]
			}
			for oh := range g.outH {
				for ow := range g.outW {
					sum := b
					for icg := range g.icPerG {
						src := in[(n*g.inC+icBase+icg)*inPlane:]
						for ky := range g.kh {
							iy := oh*g.strideH - g.padH + ky*g.dilationH
							if iy < 0 || iy >= g.inH {
								continue
							}
							for kx := range g.kw {
								ix := ow*g.strideW - g.padW + kx*g.dilationW
								if ix < 0 || ix >= g.inW {
									continue
								}
								sum += src[iy*g.inW+ix] * w[(icg*g.kh+ky)*g.kw+kx]
							}
						}
					}
					idx := oh*g.outW + ow
					if param.Sum != nil {
						sum += param.Sum.Coeff * dst[idx]
					}
					dst[idx] = param.Activation.Apply(sum)
				}
			}
		}
	})
	return c.output.FlushRounded(outputs[0], param.RoundMode)
}
