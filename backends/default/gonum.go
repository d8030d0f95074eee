//go:build !nogonum

package _default

import _ "github.com/gomlx/opkernels/backends/gonumblas"
