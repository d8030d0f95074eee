// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"
	"slices"

	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/internal/workspace"
	"github.com/gomlx/opkernels/types/tensors"
	"github.com/pkg/errors"
)

// Pooling implements max and average pooling. Quantized inputs are pooled in float32 through a workspace.
type Pooling struct {
	ctx           *backends.Context
	input, output workspace.Float
}

// NewPooling creates a new pooling implementation.
func NewPooling() backends.Impl[backends.PoolingParam] { return &Pooling{} }

// Name implements backends.Impl.
func (p *Pooling) Name() string { return PoolingName }

// Init implements backends.Impl.
func (p *Pooling) Init(inputs, outputs []*tensors.Tensor, param *backends.PoolingParam, ctx *backends.Context) error {
	p.ctx = ctx
	return param.Validate()
}

// Create implements backends.Impl.
func (p *Pooling) Create(inputs, outputs []*tensors.Tensor, param *backends.PoolingParam, ctx *backends.Context) error {
	p.ctx = ctx
	if err := p.input.Prepare(inputs[0]); err != nil {
		return err
	}
	if scales := inputs[0].Scale(); len(outputs[0].Scale()) == 0 && len(scales) > 0 {
		// Pooling doesn't widen the range of values, the input scale (largest, if per channel) fits the output.
		outputs[0].SetScale([]float32{slices.Max(scales)})
	}
	return p.output.Prepare(outputs[0])
}

// Dispatch implements backends.Impl.
func (p *Pooling) Dispatch(inputs, outputs []*tensors.Tensor, param *backends.PoolingParam) error {
	in, err := p.input.Input(inputs[0])
	if err != nil {
		return err
	}
	out, err := p.output.Output(outputs[0])
	if err != nil {
		return err
	}
	inShape, outShape := inputs[0].Shape(), outputs[0].Shape()
	inH, inW := inShape.Height(), inShape.Width()
	outH, outW := outShape.Height(), outShape.Width()
	windowH, windowW := param.WindowH, param.WindowW
	padH, padW := param.PadH, param.PadW
	strideH, strideW := param.StrideH, param.StrideW
	if param.Global {
		windowH, windowW, padH, padW, strideH, strideW = inH, inW, 0, 0, 1, 1
	}
	switch param.Method {
	case backends.PoolingMax, backends.PoolingAverageIncludePadding, backends.PoolingAverageExcludePadding:
	default:
		return errors.Wrapf(backends.ErrUnimplemented, "%s: pooling method %d", PoolingName, param.Method)
	}

	inPlane, outPlane := inH*inW, outH*outW
	p.ctx.ParallelFor(inShape.Num()*inShape.Channel(), func(start, end int) {
		for nc := start; nc < end; nc++ {
			src := in[nc*inPlane : (nc+1)*inPlane]
			dst := out[nc*outPlane : (nc+1)*outPlane]
			for oh := range outH {
				hStart := oh*strideH - padH
				hEnd := min(hStart+windowH, inH+padH)
				for ow := range outW {
					wStart := ow*strideW - padW
					wEnd := min(wStart+windowW, inW+padW)
					poolSize := (hEnd - hStart) * (wEnd - wStart)
					y0, y1 := max(hStart, 0), min(hEnd, inH)
					x0, x1 := max(wStart, 0), min(wEnd, inW)
					var result float32
					if param.Method == backends.PoolingMax {
						result = -math.MaxFloat32
						for y := y0; y < y1; y++ {
							result = max(result, slices.Max(src[y*inW+x0:y*inW+x1]))
						}
					} else {
						for y := y0; y < y1; y++ {
							for _, v := range src[y*inW+x0 : y*inW+x1] {
								result += v
							}
						}
						if param.Method == backends.PoolingAverageExcludePadding {
							poolSize = (y1 - y0) * (x1 - x0)
						}
						result /= float32(poolSize)
					}
					dst[oh*outW+ow] = result
				}
			}
		}
	})
	return p.output.Flush(outputs[0])
}
