// Package im2col converts between images and the columns of the sliding windows over them, which
// turns convolutions into matrix multiplications.
//
// Images are [channels, height, width] and the columns [channels*kernelH*kernelW, outH*outW], both
// row-major.
package im2col

// Geometry of the sliding window.
type Geometry struct {
	Channels             int
	InH, InW             int
	KernelH, KernelW     int
	PadH, PadW           int
	StrideH, StrideW     int
	DilationH, DilationW int
	OutH, OutW           int
}

// ColRows returns the number of rows of the columns matrix.
func (g Geometry) ColRows() int { return g.Channels * g.KernelH * g.KernelW }

// ColSize returns the number of values of the columns matrix.
func (g Geometry) ColSize() int { return g.ColRows() * g.OutH * g.OutW }

// Im2Col fills col with the values of img under each window position, zero for the padding.
func Im2Col[T any](g Geometry, img, col []T) {
	var zero T
	outPlane := g.OutH * g.OutW
	for c := range g.Channels {
		src := img[c*g.InH*g.InW : (c+1)*g.InH*g.InW]
		for ky := range g.KernelH {
			for kx := range g.KernelW {
				dst := col[((c*g.KernelH+ky)*g.KernelW+kx)*outPlane:]
				for oy := range g.OutH {
					iy := oy*g.StrideH - g.PadH + ky*g.DilationH
					row := dst[oy*g.OutW : (oy+1)*g.OutW]
					if iy < 0 || iy >= g.InH {
						for ii := range row {
							row[ii] = zero
						}
						continue
					}
					for ox := range row {
						ix := ox*g.StrideW - g.PadW + kx*g.DilationW
						if ix < 0 || ix >= g.InW {
							row[ox] = zero
						} else {
							row[ox] = src[iy*g.InW+ix]
						}
					}
				}
			}
		}
	}
}

// Col2Im accumulates the columns into img: it's the transpose of Im2Col, used by deconvolutions where
// the roles are swapped: InH x InW is the input of the deconvolution (the window positions) and OutH x OutW
// the image being written.
//
// img is not cleared.
func Col2Im(g Geometry, col, img []float32) {
	inPlane := g.InH * g.InW
	for c := range g.Channels {
		dst := img[c*g.OutH*g.OutW : (c+1)*g.OutH*g.OutW]
		for ky := range g.KernelH {
			for kx := range g.KernelW {
				src := col[((c*g.KernelH+ky)*g.KernelW+kx)*inPlane:]
				for y := range g.InH {
					oy := y*g.StrideH - g.PadH + ky*g.DilationH
					if oy < 0 || oy >= g.OutH {
						continue
					}
					for x := range g.InW {
						ox := x*g.StrideW - g.PadW + kx*g.DilationW
						if ox < 0 || ox >= g.OutW {
							continue
						}
						dst[oy*g.OutW+ox] += src[y*g.InW+x]
					}
				}
			}
		}
	}
}
