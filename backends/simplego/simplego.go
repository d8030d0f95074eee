// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements simple, and not very fast, but very portable native implementations of
// all the operators, for the x86 and ARM targets.
//
// The implementations compute in float32. Operators with int8 dtype are supported by converting the
// quantized inputs to float32 in a workspace, and the float32 results back to the dtype of the outputs.
// They serve as the fallback of the optimized implementations, and as reference in tests.
package simplego

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opkernels/backends"
)

// Targets served by this package.
var Targets = []backends.Target{backends.X86, backends.ARM}

// Names of the implementations.
const (
	ConvName           = "simplego.Conv"
	DeconvName         = "simplego.Deconv"
	PoolingName        = "simplego.Pooling"
	ConcatName         = "simplego.Concat"
	TopKPoolingName    = "simplego.TopKPooling"
	SequenceConcatName = "simplego.SequenceConcat"
	GemmName           = "simplego.BatchGemm"
)

func init() {
	for _, target := range Targets {
		for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Int8} {
			backends.Register[backends.ConvParam](backends.OpTypeConv, target, dtype, backends.ImplNative, backends.PriorityGeneric, ConvName, NewConv)
			backends.Register[backends.ConvParam](backends.OpTypeDeconv, target, dtype, backends.ImplNative, backends.PriorityGeneric, DeconvName, NewDeconv)
			backends.Register[backends.PoolingParam](backends.OpTypePooling, target, dtype, backends.ImplNative, backends.PriorityGeneric, PoolingName, NewPooling)
		}
		backends.Register[backends.TopKPoolingParam](backends.OpTypeTopKPooling, target, dtypes.Float32, backends.ImplNative, backends.PriorityGeneric, TopKPoolingName, NewTopKPooling)
		for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float16, dtypes.Int8, dtypes.Uint8, dtypes.Int32} {
			backends.Register[backends.ConcatParam](backends.OpTypeConcat, target, dtype, backends.ImplNative, backends.PriorityGeneric, ConcatName, NewConcat)
			backends.Register[backends.SequenceConcatParam](backends.OpTypeSequenceConcat, target, dtype, backends.ImplNative, backends.PriorityGeneric, SequenceConcatName, NewSequenceConcat)
		}
		backends.RegisterGemm(target, backends.ImplNative, backends.PriorityGeneric, GemmName, NewBatchGemm)
	}
}
