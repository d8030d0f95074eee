package jit

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/backends/simplego"
	"github.com/gomlx/opkernels/funcs"
	"github.com/gomlx/opkernels/types/shapes"
	"github.com/gomlx/opkernels/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countDiff counts the values whose relative difference is above maxRatio, and whose absolute
// difference is larger than the quantization step and 10% of the mean magnitude.
func countDiff(want, got []float32, maxRatio float64, scale float32) int {
	var mean float64
	for _, v := range want {
		mean += math.Abs(float64(v))
	}
	mean /= float64(len(want))
	count := 0
	for ii := range want {
		absDiff := math.Abs(float64(want[ii] - got[ii]))
		ratio := absDiff / (math.Abs(float64(want[ii])) + 1e-12)
		if ratio > maxRatio && absDiff > float64(scale)+1e-5 && absDiff > mean*0.1 {
			count++
		}
	}
	return count
}

func randomFloats(rng *rand.Rand, size int, lo, hi float32) []float32 {
	values := make([]float32, size)
	for ii := range values {
		values[ii] = lo + rng.Float32()*(hi-lo)
	}
	return values
}

type convTestConfig struct {
	name                 string
	num, inC, outC, h, w int
	kernel, group        int
	pad, stride          int
	dilation             int
	bias, relu           bool
	unsignedInput        bool
}

func (cfg convTestConfig) param(rng *rand.Rand) *backends.ConvParam {
	weights := tensors.FromFlatDataAndDimensions(
		randomFloats(rng, cfg.outC*cfg.inC/cfg.group*cfg.kernel*cfg.kernel, -1, 1),
		shapes.LayoutNCHW, cfg.outC, cfg.inC/cfg.group, cfg.kernel, cfg.kernel)
	var bias *tensors.Tensor
	if cfg.bias {
		bias = tensors.FromFlatDataAndDimensions(randomFloats(rng, cfg.outC, -0.5, 0.5), shapes.LayoutW, cfg.outC)
	}
	param := backends.NewConvParam(weights, bias)
	param.Group, param.PadH, param.PadW, param.StrideH, param.StrideW = cfg.group, cfg.pad, cfg.pad, cfg.stride, cfg.stride
	if cfg.dilation > 1 {
		param.DilationH, param.DilationW = cfg.dilation, cfg.dilation
	}
	if cfg.relu {
		param.Activation = &backends.ActivationParam{Kind: backends.ActivationRelu}
	}
	return param
}

// reference computes the convolution in float32 with the generic implementation.
func reference(t *testing.T, input *tensors.Tensor, param *backends.ConvParam) *tensors.Tensor {
	op := funcs.NewConv(dtypes.Float32)
	output := tensors.Empty(dtypes.Float32)
	inputs, outputs := []*tensors.Tensor{input}, []*tensors.Tensor{output}
	require.NoError(t, op.Init(inputs, outputs, param, funcs.SelectStatic, backends.ImplNative, ctx))
	require.NoError(t, op.Run(inputs, outputs, param, ctx))
	require.Equal(t, simplego.ConvName, op.Current())
	return output
}

// runConvInt8 creates and dispatches a ConvInt8 for the given ISA, with a private kernel cache.
func runConvInt8(t *testing.T, isa ISA, input, output *tensors.Tensor, param *backends.ConvParam) *ConvInt8 {
	conv := &ConvInt8{isa: isa, cache: &KernelCache{}}
	inputs, outputs := []*tensors.Tensor{input}, []*tensors.Tensor{output}
	require.NoError(t, conv.Init(inputs, outputs, param, ctx))
	require.NoError(t, conv.Create(inputs, outputs, param, ctx))
	require.NoError(t, conv.Dispatch(inputs, outputs, param))
	return conv
}

func TestConvInt8(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	for _, cfg := range []convTestConfig{
		{name: "first conv", num: 1, inC: 3, outC: 2, h: 4, w: 4, kernel: 3, group: 1, pad: 1, stride: 1},
		{name: "conv3x3 bias", num: 2, inC: 16, outC: 16, h: 7, w: 9, kernel: 3, group: 1, pad: 1, stride: 1, bias: true},
		{name: "conv1x1 relu blocked", num: 1, inC: 32, outC: 64, h: 5, w: 6, kernel: 1, group: 1, stride: 1, relu: true},
		{name: "tail channels", num: 1, inC: 20, outC: 15, h: 6, w: 6, kernel: 3, group: 1, pad: 1, stride: 2, bias: true},
		{name: "groups", num: 1, inC: 32, outC: 32, h: 6, w: 5, kernel: 3, group: 2, pad: 1, stride: 1, relu: true},
		{name: "dilated", num: 1, inC: 16, outC: 16, h: 9, w: 9, kernel: 3, group: 1, pad: 2, stride: 1, dilation: 2},
		{name: "depthwise", num: 2, inC: 20, outC: 20, h: 6, w: 7, kernel: 3, group: 20, pad: 1, stride: 1, bias: true},
		{name: "depthwise strided relu", num: 1, inC: 16, outC: 16, h: 9, w: 9, kernel: 5, group: 16, pad: 2, stride: 2, relu: true},
		{name: "unsigned input", num: 1, inC: 16, outC: 16, h: 6, w: 6, kernel: 3, group: 1, pad: 1, stride: 1, bias: true, unsignedInput: true},
		{name: "unsigned depthwise", num: 1, inC: 17, outC: 17, h: 5, w: 5, kernel: 3, group: 17, pad: 1, stride: 1, unsignedInput: true},
		// Both dilated kernel rows fall in the padding: nothing of the input (or the next sample) is read.
		{name: "dilated rows in padding", num: 2, inC: 16, outC: 16, h: 2, w: 4, kernel: 2, group: 1, pad: 1, stride: 1, dilation: 3, unsignedInput: true},
	} {
		param := cfg.param(rng)
		var input, floatInput *tensors.Tensor
		var inScale float32
		if cfg.unsignedInput {
			values := make([]uint8, cfg.num*cfg.inC*cfg.h*cfg.w)
			inScale = 0.01
			floats := make([]float32, len(values))
			for ii := range values {
				values[ii] = uint8(rng.IntN(256))
				floats[ii] = float32(values[ii]) * inScale
			}
			input = tensors.FromFlatDataAndDimensions(values, shapes.LayoutNCHW, cfg.num, cfg.inC, cfg.h, cfg.w)
			input.SetScale([]float32{inScale})
			floatInput = tensors.FromFlatDataAndDimensions(floats, shapes.LayoutNCHW, cfg.num, cfg.inC, cfg.h, cfg.w)
		} else {
			values := randomFloats(rng, cfg.num*cfg.inC*cfg.h*cfg.w, -1, 1)
			inScale = tensors.ScaleFromMaxAbs(tensors.MaxAbs(values), dtypes.Int8)
			input = tensors.FromFlatDataAndDimensions(values, shapes.LayoutNCHW, cfg.num, cfg.inC, cfg.h, cfg.w)
			floatInput = input
		}
		want := reference(t, floatInput, param)

		for _, isa := range []ISA{ISAEmulated, ISAVNNI} {
			t.Run(cfg.name+"/"+isa.String(), func(t *testing.T) {
				got := tensors.FromShape(want.Shape())
				runConvInt8(t, isa, input, got, param)
				numDiff := countDiff(tensors.Flat[float32](want), tensors.Flat[float32](got), 0.2, inScale)
				assert.Less(t, float64(numDiff)/float64(want.Size()), 0.05, "%d of %d values differ", numDiff, want.Size())
			})
		}
	}
}

func TestConvInt8Deterministic(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	cfg := convTestConfig{num: 2, inC: 16, outC: 48, h: 8, w: 8, kernel: 3, group: 1, pad: 1, stride: 1, bias: true, relu: true}
	param := cfg.param(rng)
	input := tensors.FromFlatDataAndDimensions(randomFloats(rng, cfg.num*cfg.inC*cfg.h*cfg.w, -2, 2),
		shapes.LayoutNCHW, cfg.num, cfg.inC, cfg.h, cfg.w)
	output := tensors.FromShape(shapes.Make(dtypes.Float32, shapes.LayoutNCHW, cfg.num, cfg.outC, cfg.h, cfg.w))
	conv := runConvInt8(t, ISAEmulated, input, output, param)
	first := append([]float32(nil), tensors.Flat[float32](output)...)
	for range 3 {
		inputs, outputs := []*tensors.Tensor{input}, []*tensors.Tensor{output}
		require.NoError(t, conv.Dispatch(inputs, outputs, param))
		require.Equal(t, first, tensors.Flat[float32](output))
	}

	// Create is idempotent: the kernel is generated once and the workspace keeps its size.
	srcLen, weightsLen, dstLen := len(conv.src), len(conv.weights), len(conv.dst.bytes)
	inputs, outputs := []*tensors.Tensor{input}, []*tensors.Tensor{output}
	for range 2 {
		require.NoError(t, conv.Create(inputs, outputs, param, ctx))
		require.Equal(t, srcLen, len(conv.src))
		require.Equal(t, weightsLen, len(conv.weights))
		require.Equal(t, dstLen, len(conv.dst.bytes))
	}
	require.Equal(t, int64(1), conv.cache.Generations())
}

func TestConvInt8Sum(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	cfg := convTestConfig{num: 1, inC: 16, outC: 16, h: 5, w: 5, kernel: 3, group: 1, pad: 1, stride: 1, bias: true}
	param := cfg.param(rng)
	input := tensors.FromFlatDataAndDimensions(randomFloats(rng, cfg.num*cfg.inC*cfg.h*cfg.w, -1, 1),
		shapes.LayoutNCHW, cfg.num, cfg.inC, cfg.h, cfg.w)
	want := reference(t, input, param)
	prev := randomFloats(rng, want.Size(), -3, 3)
	for ii, v := range prev {
		tensors.Flat[float32](want)[ii] += 0.5 * v
	}

	param.Sum = &backends.SumParam{Coeff: 0.5}
	for _, isa := range []ISA{ISAEmulated, ISAVNNI} {
		got := tensors.FromShape(want.Shape())
		copy(tensors.Flat[float32](got), prev)
		runConvInt8(t, isa, input, got, param)
		inScale := tensors.ScaleFromMaxAbs(tensors.MaxAbs(tensors.Flat[float32](input)), dtypes.Int8)
		numDiff := countDiff(tensors.Flat[float32](want), tensors.Flat[float32](got), 0.2, inScale)
		assert.Less(t, float64(numDiff)/float64(want.Size()), 0.05, "%s: %d of %d values differ", isa, numDiff, want.Size())
	}
}

func TestConvInt8QuantizedOutput(t *testing.T) {
	input := tensors.FromFlatDataAndDimensions([]int8{10, 20, 30, 40}, shapes.LayoutNCHW, 1, 1, 2, 2)
	input.SetScale([]float32{0.1})
	weights := tensors.FromFlatDataAndDimensions([]float32{1, -1}, shapes.LayoutNCHW, 2, 1, 1, 1)
	param := backends.NewConvParam(weights, nil)

	// Through the operator: the generated implementation has priority on x86.
	output := tensors.Empty(dtypes.Int8)
	output.SetScale([]float32{0.5})
	conv := funcs.NewConv(dtypes.Int8)
	inputs, outputs := []*tensors.Tensor{input}, []*tensors.Tensor{output}
	require.NoError(t, conv.Init(inputs, outputs, param, funcs.SelectStatic, backends.ImplNative, ctx))
	require.NoError(t, conv.Run(inputs, outputs, param, ctx))
	require.Equal(t, ConvName, conv.Current())
	// Values 1, 2, 3, 4 and their negation, with output scale 0.5.
	require.Equal(t, []int8{2, 4, 6, 8, -2, -4, -6, -8}, tensors.Flat[int8](output))

	// Unsigned outputs are clamped at 0, int32 outputs without scale hold the real values rounded.
	for _, isa := range []ISA{ISAEmulated, ISAVNNI} {
		u8 := tensors.FromShape(shapes.Make(dtypes.Uint8, shapes.LayoutNCHW, 1, 2, 2, 2))
		u8.SetScale([]float32{0.5})
		runConvInt8(t, isa, input, u8, param)
		require.Equal(t, []uint8{2, 4, 6, 8, 0, 0, 0, 0}, tensors.Flat[uint8](u8), "isa=%s", isa)

		i32 := tensors.FromShape(shapes.Make(dtypes.Int32, shapes.LayoutNCHW, 1, 2, 2, 2))
		runConvInt8(t, isa, input, i32, param)
		require.Equal(t, []int32{1, 2, 3, 4, -1, -2, -3, -4}, tensors.Flat[int32](i32), "isa=%s", isa)
	}

	// Quantized outputs require a scale.
	noScale := tensors.FromShape(shapes.Make(dtypes.Int8, shapes.LayoutNCHW, 1, 2, 2, 2))
	c := &ConvInt8{isa: ISAVNNI, cache: &KernelCache{}}
	inputs, outputs = []*tensors.Tensor{input}, []*tensors.Tensor{noScale}
	require.NoError(t, c.Init(inputs, outputs, param, ctx))
	require.NoError(t, c.Create(inputs, outputs, param, ctx))
	require.ErrorIs(t, c.Dispatch(inputs, outputs, param), backends.ErrInvalidValue)
}

func TestConvInt8Fallback(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 4))
	// 4 output channels per group can't be blocked by the generated kernels.
	cfg := convTestConfig{num: 1, inC: 8, outC: 8, h: 5, w: 5, kernel: 3, group: 2, pad: 1, stride: 1}
	param := cfg.param(rng)
	input := tensors.FromFlatDataAndDimensions(randomFloats(rng, cfg.num*cfg.inC*cfg.h*cfg.w, -1, 1),
		shapes.LayoutNCHW, cfg.num, cfg.inC, cfg.h, cfg.w)
	conv := funcs.NewConv(dtypes.Int8)
	output := tensors.Empty(dtypes.Float32)
	inputs, outputs := []*tensors.Tensor{input}, []*tensors.Tensor{output}
	require.NoError(t, conv.Init(inputs, outputs, param, funcs.SelectStatic, backends.ImplNative, ctx))
	require.Equal(t, []string{ConvName, simplego.ConvName}, conv.Candidates())
	require.NoError(t, conv.Run(inputs, outputs, param, ctx))
	require.Equal(t, simplego.ConvName, conv.Current())

	// Forcing the generated implementation surfaces the error.
	forced := funcs.NewConv(dtypes.Int8)
	require.NoError(t, forced.Init(inputs, outputs, param, funcs.SelectStatic, backends.ImplNative, ctx))
	require.NoError(t, forced.SelectImplementation(ConvName))
	require.ErrorIs(t, forced.Run(inputs, outputs, param, ctx), backends.ErrConfiguration)

	// Leaky rectifiers are not supported.
	param.Activation = &backends.ActivationParam{Kind: backends.ActivationRelu, NegativeSlope: 0.1}
	c := &ConvInt8{isa: ISAVNNI}
	require.ErrorIs(t, c.Init(inputs, outputs, param, ctx), backends.ErrUnimplemented)
}

func TestConvInt8NotCreated(t *testing.T) {
	c := NewConvInt8()
	require.Equal(t, ConvName, c.Name())
	require.ErrorIs(t, c.Dispatch(nil, nil, nil), backends.ErrNotInitialized)
}
