// Package jit generates vectorized kernels for quantized (int8) convolutions on the x86 target.
//
// For each convolution signature (ConvDesc) a Program is emitted once, modelled on AVX-512 code: it computes
// one output row tile by tile, and it's re-invoked with different CallParams for every row, channel block
// and sample. The programs run on a small virtual vector machine, with the multiply-accumulate of int8
// values done either with the native dot product (ISAVNNI) or its portable decomposition (ISAEmulated).
//
// The ConvInt8 implementation registered for the x86 target quantizes the inputs, reorders the weights to
// the blocked layout of the kernels and splits the work over the context workers.
//
// Usage:
//
//	kernel, err := jit.SharedCache.Get(desc)
//	blocked, comp, err := kernel.ReorderWeights(weights)
//	err = kernel.Run(&jit.CallParams{...})
package jit

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opkernels/backends"
)

// ConvName is the name of the generated int8 convolution implementation.
const ConvName = "jit.ConvInt8"

func init() {
	backends.Register[backends.ConvParam](backends.OpTypeConv, backends.X86, dtypes.Int8, backends.ImplNative,
		backends.PriorityArch, ConvName, NewConvInt8)
}
