// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default implementations of every target: the generic SimpleGo operators,
// the quantized ARM operators and the generated x86 int8 convolutions.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/opkernels/backends/default"
//
// If you add the tag `nogonum` it will not include the gonum BLAS implementations, registered as vendor
// implementations for x86.
package _default

import (
	_ "github.com/gomlx/opkernels/backends/jit"
	_ "github.com/gomlx/opkernels/backends/mobile"
	_ "github.com/gomlx/opkernels/backends/simplego"
)
