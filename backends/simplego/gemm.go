// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/opkernels/backends"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// gemm computes C = alpha * op(A) * op(B) + beta * C for row-major matrices with leading dimensions
// lda, ldb and ldc, where op(A) is m x k and op(B) is k x n.
func gemm(transA, transB bool, m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int,
	beta float32, c []float32, ldc int) {
	for i := range m {
		row := c[i*ldc : i*ldc+n]
		if beta == 0 {
			clear(row)
		} else if beta != 1 {
			for j := range row {
				row[j] *= beta
			}
		}
		for p := range k {
			var aip float32
			if transA {
				aip = a[p*lda+i]
			} else {
				aip = a[i*lda+p]
			}
			aip *= alpha
			if aip == 0 {
				continue
			}
			if transB {
				for j := range row {
					row[j] += aip * b[j*ldb+p]
				}
			} else {
				bRow := b[p*ldb : p*ldb+n]
				for j, bv := range bRow {
					row[j] += aip * bv
				}
			}
		}
	}
}

// BatchGemm is the naive batched matrix multiplication, with the batches spread over goroutines.
type BatchGemm struct {
	transA, transB bool
	maxBatch       int
	threads        int
}

// NewBatchGemm creates a new naive batched matrix multiplication.
func NewBatchGemm() backends.GemmImpl { return &BatchGemm{} }

// Name implements backends.GemmImpl.
func (g *BatchGemm) Name() string { return GemmName }

// Init implements backends.GemmImpl.
func (g *BatchGemm) Init(transA, transB bool, maxBatch int, ctx *backends.Context) error {
	if maxBatch < 1 {
		return errors.Wrapf(backends.ErrInvalidValue, "%s: maxBatch must be positive, got %d", GemmName, maxBatch)
	}
	g.transA, g.transB, g.maxBatch = transA, transB, maxBatch
	g.threads = max(ctx.Threads(), 1)
	return nil
}

func (g *BatchGemm) leadingDims(m, n, k int) (lda, ldb int) {
	lda, ldb = k, n
	if g.transA {
		lda = m
	}
	if g.transB {
		ldb = k
	}
	return
}

// DispatchBatched implements backends.GemmImpl.
func (g *BatchGemm) DispatchBatched(alpha, beta float32, a, b [][]float32, m, n, k int, c [][]float32, batch int) error {
	lda, ldb := g.leadingDims(m, n, k)
	var eg errgroup.Group
	eg.SetLimit(g.threads)
	for ii := range batch {
		eg.Go(func() error {
			gemm(g.transA, g.transB, m, n, k, alpha, a[ii], lda, b[ii], ldb, beta, c[ii], n)
			return nil
		})
	}
	return eg.Wait()
}

// DispatchStrided implements backends.GemmImpl.
func (g *BatchGemm) DispatchStrided(alpha, beta float32, a, b []float32, m, n, k int, c []float32, batch int) error {
	lda, ldb := g.leadingDims(m, n, k)
	var eg errgroup.Group
	eg.SetLimit(g.threads)
	for ii := range batch {
		eg.Go(func() error {
			gemm(g.transA, g.transB, m, n, k, alpha, a[ii*m*k:(ii+1)*m*k], lda, b[ii*k*n:(ii+1)*k*n], ldb,
				beta, c[ii*m*n:(ii+1)*m*n], n)
			return nil
		})
	}
	return eg.Wait()
}
