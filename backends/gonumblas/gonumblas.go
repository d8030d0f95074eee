// Package gonumblas implements the vendor category of convolutions, deconvolutions and batched matrix
// multiplications for x86 with the BLAS routines of gonum (gonum.org/v1/gonum/blas/blas32).
//
// Only float32 tensors are supported.
package gonumblas

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/types/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

const (
	ConvName   = "gonum.Conv"
	DeconvName = "gonum.Deconv"
	GemmName   = "gonum.BatchGemm"
)

func init() {
	backends.Register[backends.ConvParam](backends.OpTypeConv, backends.X86, dtypes.Float32, backends.ImplVendor, backends.PriorityTyped, ConvName, NewConv)
	backends.Register[backends.ConvParam](backends.OpTypeDeconv, backends.X86, dtypes.Float32, backends.ImplVendor, backends.PriorityTyped, DeconvName, NewDeconv)
	backends.RegisterGemm(backends.X86, backends.ImplVendor, backends.PriorityTyped, GemmName, NewBatchGemm)
}

// checkFloat32 returns ErrUnimplemented if any of the tensors is not float32.
func checkFloat32(implName string, tensorsList ...*tensors.Tensor) error {
	for _, t := range tensorsList {
		if t != nil && t.DType() != dtypes.Float32 {
			return errors.Wrapf(backends.ErrUnimplemented, "%s only supports float32, got %s", implName, t.Shape())
		}
	}
	return nil
}

func transpose(trans bool) blas.Transpose {
	if trans {
		return blas.Trans
	}
	return blas.NoTrans
}

// general returns the row-major rows x cols matrix stored in data. If trans is set, data holds the
// transposed matrix (cols x rows).
func general(data []float32, rows, cols int, trans bool) blas32.General {
	if trans {
		rows, cols = cols, rows
	}
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}

// finalize applies bias and activation to the per-channel planes of out.
func finalize(out []float32, bias []float32, firstChannel, numChannels, plane int, param *backends.ConvParam) {
	for c := range numChannels {
		dst := out[c*plane : (c+1)*plane]
		var b float32
		if bias != nil {
			b = bias[firstChannel+c]
		}
		if b == 0 && param.Activation == nil {
			continue
		}
		for ii, v := range dst {
			dst[ii] = param.Activation.Apply(v + b)
		}
	}
}

// sumCoeff returns the beta of the matrix multiplication: the residual sum coefficient, or 0.
func sumCoeff(param *backends.ConvParam) float32 {
	if param.Sum == nil {
		return 0
	}
	return param.Sum.Coeff
}
