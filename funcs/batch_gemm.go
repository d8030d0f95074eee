package funcs

import (
	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/backends/shapeinference"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BatchGemm multiplies batches of float32 row-major matrices: C[b] = alpha * op(A[b]) * op(B[b]) + beta * C[b].
//
// It has no tensors: the operands are given as flat slices, either one per batch (DispatchBatched) or
// contiguous (DispatchStrided).
type BatchGemm struct {
	transA, transB bool
	maxBatch       int
	impl           backends.GemmImpl
}

// NewBatchGemm returns an uninitialized batched matrix multiplication.
func NewBatchGemm() *BatchGemm {
	return &BatchGemm{}
}

// Init selects the first implementation of the category kind for the context target that accepts the
// configuration.
func (g *BatchGemm) Init(transA, transB bool, maxBatch int, kind backends.ImplKind, ctx *backends.Context) error {
	if ctx == nil {
		return errors.Wrapf(backends.ErrInvalidValue, "BatchGemm: nil context")
	}
	if maxBatch < 1 {
		return errors.Wrapf(backends.ErrInvalidValue, "BatchGemm: maxBatch must be positive, got %d", maxBatch)
	}
	candidates, err := backends.GemmImplementations(ctx.Target(), kind)
	if err != nil {
		return err
	}
	g.impl = nil
	for _, impl := range candidates {
		err = impl.Init(transA, transB, maxBatch, ctx)
		if err == nil {
			g.impl = impl
			break
		}
		if !errors.Is(err, backends.ErrUnimplemented) {
			return err
		}
	}
	if g.impl == nil {
		return err
	}
	g.transA, g.transB, g.maxBatch = transA, transB, maxBatch
	klog.V(1).Infof("BatchGemm(transA=%v, transB=%v): selected implementation %q", transA, transB, g.impl.Name())
	return nil
}

// Current returns the name of the selected implementation, or "" before Init.
func (g *BatchGemm) Current() string {
	if g.impl == nil {
		return ""
	}
	return g.impl.Name()
}

func (g *BatchGemm) check(m, n, k, batch int) error {
	if g.impl == nil {
		return errors.Wrapf(backends.ErrNotInitialized, "BatchGemm used before Init")
	}
	return shapeinference.BatchGemmOp(m, n, k, batch, g.maxBatch)
}

// DispatchBatched multiplies the matrices a[i] and b[i] into c[i] for i < batch.
func (g *BatchGemm) DispatchBatched(alpha, beta float32, a, b [][]float32, m, n, k int, c [][]float32, batch int) error {
	if err := g.check(m, n, k, batch); err != nil {
		return err
	}
	if len(a) < batch || len(b) < batch || len(c) < batch {
		return errors.Wrapf(backends.ErrInvalidValue, "BatchGemm: %d batches requested, got %d, %d and %d matrices",
			batch, len(a), len(b), len(c))
	}
	for ii := range batch {
		if len(a[ii]) < m*k || len(b[ii]) < k*n || len(c[ii]) < m*n {
			return errors.Wrapf(backends.ErrShapeMismatch, "BatchGemm: batch #%d matrices too small for m=%d, n=%d, k=%d",
				ii, m, n, k)
		}
	}
	return g.impl.DispatchBatched(alpha, beta, a, b, m, n, k, c, batch)
}

// DispatchStrided multiplies contiguously stored matrices: batch i of a, b and c starts at i*m*k, i*k*n
// and i*m*n respectively.
func (g *BatchGemm) DispatchStrided(alpha, beta float32, a, b []float32, m, n, k int, c []float32, batch int) error {
	if err := g.check(m, n, k, batch); err != nil {
		return err
	}
	if len(a) < batch*m*k || len(b) < batch*k*n || len(c) < batch*m*n {
		return errors.Wrapf(backends.ErrShapeMismatch, "BatchGemm: buffers of %d, %d and %d values too small for %d batches of m=%d, n=%d, k=%d",
			len(a), len(b), len(c), batch, m, n, k)
	}
	return g.impl.DispatchStrided(alpha, beta, a, b, m, n, k, c, batch)
}
