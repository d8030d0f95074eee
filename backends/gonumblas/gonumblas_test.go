package gonumblas

import (
	"flag"
	"math/rand/v2"
	"os"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/backends/simplego"
	"github.com/gomlx/opkernels/funcs"
	"github.com/gomlx/opkernels/types/shapes"
	"github.com/gomlx/opkernels/types/tensors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

var ctx *backends.Context

func init() {
	klog.InitFlags(nil)
}

func TestMain(m *testing.M) {
	flag.Parse()
	ctx = backends.NewContext(backends.X86, 0)
	os.Exit(m.Run())
}

func randomTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, shapes.LayoutNCHW, dims...))
	for ii := range tensors.Flat[float32](t) {
		tensors.Flat[float32](t)[ii] = rng.Float32()*2 - 1
	}
	return t
}

// runKind runs the operator with the first implementation of kind, and returns its name.
func runKind[P any](t *testing.T, op *funcs.Operator[P], kind backends.ImplKind, input, output *tensors.Tensor, param *P) string {
	inputs, outputs := []*tensors.Tensor{input}, []*tensors.Tensor{output}
	require.NoError(t, op.Init(inputs, outputs, param, funcs.SelectSpecify, kind, ctx))
	require.NoError(t, op.Run(inputs, outputs, param, ctx))
	return op.Current()
}

func TestConvMatchesNative(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 13))
	for _, tc := range []struct {
		name                       string
		num, inC, outC, h, w       int
		kh, kw, group, pad, stride int
		dilation                   int
		relu, sum                  bool
	}{
		{name: "3x3", num: 2, inC: 3, outC: 4, h: 6, w: 7, kh: 3, kw: 3, group: 1, pad: 1, stride: 1, dilation: 1},
		{name: "1x1 direct", num: 1, inC: 8, outC: 5, h: 4, w: 4, kh: 1, kw: 1, group: 1, stride: 1, dilation: 1, relu: true},
		{name: "groups strided", num: 1, inC: 6, outC: 6, h: 9, w: 8, kh: 3, kw: 2, group: 3, pad: 2, stride: 2, dilation: 2, sum: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			input := randomTensor(rng, tc.num, tc.inC, tc.h, tc.w)
			weights := randomTensor(rng, tc.outC, tc.inC/tc.group, tc.kh, tc.kw)
			bias := tensors.FromFlatDataAndDimensions(make([]float32, tc.outC), shapes.LayoutW, tc.outC)
			for ii := range tensors.Flat[float32](bias) {
				tensors.Flat[float32](bias)[ii] = float32(ii) / 10
			}
			param := backends.NewConvParam(weights, bias)
			param.Group, param.PadH, param.PadW = tc.group, tc.pad, tc.pad
			param.StrideH, param.StrideW = tc.stride, tc.stride
			param.DilationH, param.DilationW = tc.dilation, tc.dilation
			if tc.relu {
				param.Activation = &backends.ActivationParam{Kind: backends.ActivationRelu}
			}
			if tc.sum {
				param.Sum = &backends.SumParam{Coeff: 0.5}
			}

			vendorOut, nativeOut := tensors.Empty(dtypes.Float32), tensors.Empty(dtypes.Float32)
			if tc.sum {
				// Both outputs start with the same residual values.
				conv := funcs.NewConv(dtypes.Float32)
				require.NoError(t, conv.ComputeOutputShape([]*tensors.Tensor{input}, []*tensors.Tensor{vendorOut}, param))
				residual := randomTensor(rng, vendorOut.Shape().Dimensions...)
				vendorOut, nativeOut = residual.Clone(), residual.Clone()
			}
			require.Equal(t, ConvName, runKind(t, funcs.NewConv(dtypes.Float32), backends.ImplVendor, input, vendorOut, param))
			require.Equal(t, simplego.ConvName, runKind(t, funcs.NewConv(dtypes.Float32), backends.ImplNative, input, nativeOut, param))
			require.Equal(t, nativeOut.Shape().Dimensions, vendorOut.Shape().Dimensions)
			require.InDeltaSlice(t, tensors.Flat[float32](nativeOut), tensors.Flat[float32](vendorOut), 1e-4)
		})
	}
}

func TestDeconvMatchesNative(t *testing.T) {
	rng := rand.New(rand.NewPCG(17, 19))
	input := randomTensor(rng, 2, 4, 5, 3)
	weights := randomTensor(rng, 4, 3, 3, 3)
	param := backends.NewConvParam(weights, nil)
	param.Group, param.PadH, param.PadW, param.StrideH, param.StrideW = 2, 1, 0, 2, 1
	param.Activation = &backends.ActivationParam{Kind: backends.ActivationRelu}
	vendorOut, nativeOut := tensors.Empty(dtypes.Float32), tensors.Empty(dtypes.Float32)
	require.Equal(t, DeconvName, runKind(t, funcs.NewDeconv(dtypes.Float32), backends.ImplVendor, input, vendorOut, param))
	require.Equal(t, simplego.DeconvName, runKind(t, funcs.NewDeconv(dtypes.Float32), backends.ImplNative, input, nativeOut, param))
	require.Equal(t, []int{2, 6, 9, 5}, vendorOut.Shape().Dimensions)
	require.InDeltaSlice(t, tensors.Flat[float32](nativeOut), tensors.Flat[float32](vendorOut), 1e-4)
}

func TestBatchGemmMatchesNative(t *testing.T) {
	rng := rand.New(rand.NewPCG(23, 29))
	const m, n, k, batch = 4, 3, 6, 5
	random := func(size int) []float32 {
		values := make([]float32, size)
		for ii := range values {
			values[ii] = rng.Float32()
		}
		return values
	}
	for _, transA := range []bool{false, true} {
		for _, transB := range []bool{false, true} {
			a, b, c := random(batch*m*k), random(batch*k*n), random(batch*m*n)
			vendor, native := funcs.NewBatchGemm(), funcs.NewBatchGemm()
			require.NoError(t, vendor.Init(transA, transB, batch, backends.ImplVendor, ctx))
			require.Equal(t, GemmName, vendor.Current())
			require.NoError(t, native.Init(transA, transB, batch, backends.ImplNative, ctx))
			vendorC, nativeC := append([]float32(nil), c...), append([]float32(nil), c...)
			require.NoError(t, vendor.DispatchStrided(1.5, 0.5, a, b, m, n, k, vendorC, batch))
			require.NoError(t, native.DispatchStrided(1.5, 0.5, a, b, m, n, k, nativeC, batch))
			require.InDeltaSlice(t, nativeC, vendorC, 1e-4)
		}
	}
}

func TestUnsupported(t *testing.T) {
	// Quantized operators have no vendor implementation.
	conv := funcs.NewConv(dtypes.Int8)
	input := randomTensor(rand.New(rand.NewPCG(1, 1)), 1, 1, 3, 3)
	param := backends.NewConvParam(randomTensor(rand.New(rand.NewPCG(1, 2)), 1, 1, 1, 1), nil)
	err := conv.Init([]*tensors.Tensor{input}, []*tensors.Tensor{tensors.Empty(dtypes.Float32)}, param,
		funcs.SelectStatic, backends.ImplVendor, ctx)
	require.ErrorIs(t, err, backends.ErrUnimplemented)
	require.Equal(t, backends.StatusUnimplemented, backends.StatusOf(err))

	// Float32 operator with an int8 output is rejected by Init.
	conv = funcs.NewConv(dtypes.Float32)
	output := tensors.Empty(dtypes.Int8)
	err = conv.Init([]*tensors.Tensor{input}, []*tensors.Tensor{output}, param, funcs.SelectStatic, backends.ImplVendor, ctx)
	require.ErrorIs(t, err, backends.ErrUnimplemented)

	// No vendor implementations for ARM.
	armCtx := backends.NewContext(backends.ARM, 0)
	conv = funcs.NewConv(dtypes.Float32)
	err = conv.Init([]*tensors.Tensor{input}, []*tensors.Tensor{tensors.Empty(dtypes.Float32)}, param,
		funcs.SelectStatic, backends.ImplVendor, armCtx)
	require.ErrorIs(t, err, backends.ErrUnimplemented)
}
