// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"slices"

	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/internal/workspace"
	"github.com/gomlx/opkernels/types/tensors"
)

// TopKPooling sorts the valid values of each channel and keeps the largest ones.
type TopKPooling struct {
	ctx           *backends.Context
	input, output workspace.Float
}

// NewTopKPooling creates a new top-k pooling implementation.
func NewTopKPooling() backends.Impl[backends.TopKPoolingParam] { return &TopKPooling{} }

// Name implements backends.Impl.
func (t *TopKPooling) Name() string { return TopKPoolingName }

// Init implements backends.Impl.
func (t *TopKPooling) Init(inputs, outputs []*tensors.Tensor, param *backends.TopKPoolingParam, ctx *backends.Context) error {
	t.ctx = ctx
	return param.Validate()
}

// Create implements backends.Impl.
func (t *TopKPooling) Create(inputs, outputs []*tensors.Tensor, _ *backends.TopKPoolingParam, ctx *backends.Context) error {
	t.ctx = ctx
	if err := t.input.Prepare(inputs[0]); err != nil {
		return err
	}
	return t.output.Prepare(outputs[0])
}

// validRegion returns the valid height and width of sample n.
func validRegion(input *tensors.Tensor, n int) (height, width int) {
	shape := input.Shape()
	height, width = shape.Height(), shape.Width()
	if offsets := input.SeqOffset(); len(offsets) >= 2 && len(offsets[0]) > n+1 && len(offsets[1]) > n+1 {
		height = min(height, offsets[0][n+1]-offsets[0][n])
		width = min(width, offsets[1][n+1]-offsets[1][n])
	}
	return
}

// Dispatch implements backends.Impl.
func (t *TopKPooling) Dispatch(inputs, outputs []*tensors.Tensor, param *backends.TopKPoolingParam) error {
	in, err := t.input.Input(inputs[0])
	if err != nil {
		return err
	}
	out, err := t.output.Output(outputs[0])
	if err != nil {
		return err
	}
	shape := inputs[0].Shape()
	channels, inH, inW := shape.Channel(), shape.Height(), shape.Width()
	topK := param.TopK
	t.ctx.ParallelFor(shape.Num(), func(start, end int) {
		values := make([]float32, 0, inH*inW)
		for n := start; n < end; n++ {
			height, width := validRegion(inputs[0], n)
			for c := range channels {
				plane := in[(n*channels+c)*inH*inW:]
				values = values[:0]
				for y := range height {
					values = append(values, plane[y*inW:y*inW+width]...)
				}
				slices.SortFunc(values, func(a, b float32) int {
					switch {
					case a > b:
						return -1
					case a < b:
						return 1
					}
					return 0
				})
				dst := out[(n*channels+c)*topK : (n*channels+c+1)*topK]
				clear(dst)
				copy(dst, values)
			}
		}
	})
	return t.output.Flush(outputs[0])
}
