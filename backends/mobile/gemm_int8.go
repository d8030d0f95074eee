package mobile

import (
	"math"

	"github.com/gomlx/opkernels/backends"
	"github.com/pkg/errors"
)

const (
	// MBlock is the number of rows of A per packed panel.
	MBlock = 4

	// KBlock is the number of consecutive k values of each row stored together in a panel.
	KBlock = 4
)

func roundUp(a, b int) int { return (a + b - 1) / b * b }

// PackedA holds the m x k int8 matrix A rearranged in panels of MBlock rows: for each panel and each
// block of KBlock columns, the MBlock x KBlock values are contiguous. Rows and columns beyond m and k
// are zero.
type PackedA struct {
	M, K    int
	KPadded int
	Data    []int8
}

// PrepackAInt8 packs the m x k matrix A stored row-major in a with leading dimension lda. If trans is set,
// a stores the transposed matrix (k x m).
func PrepackAInt8(a []int8, lda, m, k int, trans bool) *PackedA {
	p := &PackedA{}
	p.Pack(a, lda, m, k, trans)
	return p
}

// Pack is like PrepackAInt8, reusing the storage of p.
func (p *PackedA) Pack(a []int8, lda, m, k int, trans bool) {
	p.M, p.K, p.KPadded = m, k, roundUp(k, KBlock)
	size := roundUp(m, MBlock) * p.KPadded
	if cap(p.Data) < size {
		p.Data = make([]int8, size)
	}
	p.Data = p.Data[:size]
	clear(p.Data)
	panelSize := MBlock * p.KPadded
	for row := range m {
		panel, r := row/MBlock, row%MBlock
		dst := p.Data[panel*panelSize:]
		for col := range k {
			var v int8
			if trans {
				v = a[col*lda+row]
			} else {
				v = a[row*lda+col]
			}
			kb, kk := col/KBlock, col%KBlock
			dst[(kb*MBlock+r)*KBlock+kk] = v
		}
	}
}

// GemmOutput enumerates the output types of GemmPrepackInt8.
type GemmOutput interface {
	int32 | float32 | int8
}

// GemmPrepackInt8 computes the m x n matrix C = A * op(B) + bias, with A packed, B a k x n int8 matrix
// (stored n x k if transB), and the optional bias with one int32 value per row.
//
// The int32 accumulators are converted according to the output type: int32 is stored as is; float32 and
// int8 are multiplied by the scale of the row (one per row), int8 is rounded to nearest and saturated
// to [-127, 127]. If relu is set, negative values are stored as 0.
//
// The panels of A are distributed over the workers of ctx.
func GemmPrepackInt8[T GemmOutput](a *PackedA, b []int8, bias []int32, c []T, n int, relu, transB bool,
	scale []float32, ctx *backends.Context) error {
	m, k := a.M, a.K
	switch {
	case len(c) < m*n:
		return errors.Wrapf(backends.ErrShapeMismatch, "GemmPrepackInt8: C has %d values, %dx%d required", len(c), m, n)
	case len(b) < k*n:
		return errors.Wrapf(backends.ErrShapeMismatch, "GemmPrepackInt8: B has %d values, %dx%d required", len(b), k, n)
	case bias != nil && len(bias) < m:
		return errors.Wrapf(backends.ErrShapeMismatch, "GemmPrepackInt8: bias has %d values for %d rows", len(bias), m)
	}
	var zero T
	if _, isInt32 := any(zero).(int32); !isInt32 && len(scale) < m {
		return errors.Wrapf(backends.ErrInvalidValue, "GemmPrepackInt8: %d scales for %d rows", len(scale), m)
	}

	numPanels := roundUp(m, MBlock) / MBlock
	panelSize := MBlock * a.KPadded
	ctx.ParallelFor(numPanels, func(start, end int) {
		var acc [MBlock][NBlock]int32
		for panel := start; panel < end; panel++ {
			packed := a.Data[panel*panelSize : (panel+1)*panelSize]
			rows := min(MBlock, m-panel*MBlock)
			for nb := 0; nb < n; nb += NBlock {
				cols := min(NBlock, n-nb)
				for r := range MBlock {
					clear(acc[r][:])
				}
				for kb := range a.KPadded / KBlock {
					block := packed[kb*MBlock*KBlock : (kb+1)*MBlock*KBlock]
					for kk := range min(KBlock, k-kb*KBlock) {
						kIdx := kb*KBlock + kk
						var bRow [NBlock]int32
						for j := range cols {
							if transB {
								bRow[j] = int32(b[(nb+j)*k+kIdx])
							} else {
								bRow[j] = int32(b[kIdx*n+nb+j])
							}
						}
						for r := range rows {
							av := int32(block[r*KBlock+kk])
							if av == 0 {
								continue
							}
							for j := range cols {
								acc[r][j] += av * bRow[j]
							}
						}
					}
				}
				for r := range rows {
					row := panel*MBlock + r
					var rowBias int32
					if bias != nil {
						rowBias = bias[row]
					}
					dst := c[row*n+nb : row*n+nb+cols]
					for j := range cols {
						dst[j] = convertAccumulator[T](acc[r][j]+rowBias, scale, row, relu)
					}
				}
			}
		}
	})
	return nil
}

func convertAccumulator[T GemmOutput](v int32, scale []float32, row int, relu bool) T {
	if relu && v < 0 {
		v = 0
	}
	var result T
	switch r := any(&result).(type) {
	case *int32:
		*r = v
	case *float32:
		*r = float32(v) * scale[row]
	case *int8:
		f := math.Round(float64(float32(v) * scale[row]))
		*r = int8(min(max(f, -127), 127))
	}
	return result
}
