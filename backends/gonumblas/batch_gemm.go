package gonumblas

import (
	"github.com/gomlx/opkernels/backends"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas/blas32"
)

// BatchGemm runs one blas32.Gemm per batch, batches spread over the context workers.
type BatchGemm struct {
	ctx            *backends.Context
	transA, transB bool
}

// NewBatchGemm creates a new batched matrix multiplication with gonum.
func NewBatchGemm() backends.GemmImpl { return &BatchGemm{} }

// Name implements backends.GemmImpl.
func (g *BatchGemm) Name() string { return GemmName }

// Init implements backends.GemmImpl.
func (g *BatchGemm) Init(transA, transB bool, maxBatch int, ctx *backends.Context) error {
	if maxBatch < 1 {
		return errors.Wrapf(backends.ErrInvalidValue, "%s: maxBatch must be positive, got %d", GemmName, maxBatch)
	}
	g.ctx, g.transA, g.transB = ctx, transA, transB
	return nil
}

func (g *BatchGemm) gemm(alpha, beta float32, a, b []float32, m, n, k int, c []float32) {
	blas32.Gemm(transpose(g.transA), transpose(g.transB), alpha,
		general(a, m, k, g.transA), general(b, k, n, g.transB), beta, general(c, m, n, false))
}

// DispatchBatched implements backends.GemmImpl.
func (g *BatchGemm) DispatchBatched(alpha, beta float32, a, b [][]float32, m, n, k int, c [][]float32, batch int) error {
	g.ctx.ParallelFor(batch, func(start, end int) {
		for ii := start; ii < end; ii++ {
			g.gemm(alpha, beta, a[ii], b[ii], m, n, k, c[ii])
		}
	})
	return nil
}

// DispatchStrided implements backends.GemmImpl.
func (g *BatchGemm) DispatchStrided(alpha, beta float32, a, b []float32, m, n, k int, c []float32, batch int) error {
	g.ctx.ParallelFor(batch, func(start, end int) {
		for ii := start; ii < end; ii++ {
			g.gemm(alpha, beta, a[ii*m*k:], b[ii*k*n:], m, n, k, c[ii*m*n:])
		}
	})
	return nil
}
