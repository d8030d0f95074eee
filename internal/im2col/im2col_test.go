package im2col

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIm2Col(t *testing.T) {
	g := Geometry{Channels: 1, InH: 2, InW: 3, KernelH: 2, KernelW: 2, PadH: 0, PadW: 1,
		StrideH: 1, StrideW: 2, DilationH: 1, DilationW: 1, OutH: 1, OutW: 2}
	img := []int8{
		1, 2, 3,
		4, 5, 6}
	col := make([]int8, g.ColSize())
	Im2Col(g, img, col)
	require.Equal(t, []int8{
		0, 2, // (ky=0, kx=0)
		1, 3, // (ky=0, kx=1)
		0, 5, // (ky=1, kx=0)
		4, 6, // (ky=1, kx=1)
	}, col)
}

func TestCol2ImIsTransposeOfIm2Col(t *testing.T) {
	// <Im2Col(x), y> == <x, Col2Im(y)> for any x, y.
	g := Geometry{Channels: 2, InH: 4, InW: 5, KernelH: 3, KernelW: 2, PadH: 1, PadW: 1,
		StrideH: 2, StrideW: 1, DilationH: 1, DilationW: 2, OutH: 2, OutW: 4}
	x := make([]float32, g.Channels*g.InH*g.InW)
	for ii := range x {
		x[ii] = float32(ii%7) - 3
	}
	y := make([]float32, g.ColSize())
	for ii := range y {
		y[ii] = float32(ii%5) - 2
	}
	colX := make([]float32, g.ColSize())
	Im2Col(g, x, colX)
	var lhs float32
	for ii := range y {
		lhs += colX[ii] * y[ii]
	}

	// Col2Im with swapped roles: the window positions are OutH x OutW, and the image is InH x InW.
	swapped := g
	swapped.InH, swapped.InW, swapped.OutH, swapped.OutW = g.OutH, g.OutW, g.InH, g.InW
	img := make([]float32, len(x))
	Col2Im(swapped, y, img)
	var rhs float32
	for ii := range x {
		rhs += x[ii] * img[ii]
	}
	require.InDelta(t, lhs, rhs, 1e-4)
}
