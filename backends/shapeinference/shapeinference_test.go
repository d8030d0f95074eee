package shapeinference

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/types/shapes"
	"github.com/gomlx/opkernels/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	F32 = dtypes.Float32
	S8  = dtypes.Int8
	MS  = shapes.MakeNCHW
)

func convParam(oc, icPerGroup, kh, kw int) *backends.ConvParam {
	return backends.NewConvParam(tensors.FromShape(MS(F32, oc, icPerGroup, kh, kw)), nil)
}

func TestConvOp(t *testing.T) {
	param := convParam(2, 3, 3, 3)
	param.PadH, param.PadW = 1, 1
	output, err := ConvOp(MS(F32, 1, 3, 4, 4), param)
	require.NoError(t, err)
	assert.True(t, output.Equal(MS(F32, 1, 2, 4, 4)), "got %s", output)

	// Stride, dilation and group.
	param = convParam(8, 2, 3, 3)
	param.Group, param.StrideH, param.StrideW, param.DilationH, param.DilationW = 2, 2, 1, 1, 2
	output, err = ConvOp(MS(F32, 2, 4, 9, 9), param)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 4, 5}, output.Dimensions)

	// Wildcard batch and height.
	output, err = ConvOp(shapes.Make(F32, shapes.LayoutNCHW, -1, 4, -1, 9), param)
	require.NoError(t, err)
	assert.Equal(t, []int{-1, 8, -1, 5}, output.Dimensions)

	_, err = ConvOp(MS(F32, 2, 5, 9, 9), param)
	require.ErrorIs(t, err, backends.ErrShapeMismatch)

	param.StrideH = 0
	_, err = ConvOp(MS(F32, 2, 4, 9, 9), param)
	require.ErrorIs(t, err, backends.ErrInvalidValue)

	_, err = ConvOp(MS(F32, 1, 3, 2, 2), convParam(2, 3, 3, 3))
	require.ErrorIs(t, err, backends.ErrShapeMismatch)

	_, err = ConvOp(shapes.Make(F32, shapes.LayoutNHWC, 1, 4, 4, 3), convParam(2, 3, 3, 3))
	require.ErrorIs(t, err, backends.ErrShapeMismatch)
}

func TestDeconvOp(t *testing.T) {
	param := backends.NewConvParam(tensors.FromShape(MS(F32, 4, 3, 4, 4)), nil)
	param.StrideH, param.StrideW, param.PadH, param.PadW = 2, 2, 1, 1
	output, err := DeconvOp(MS(F32, 1, 4, 5, 6), param)
	require.NoError(t, err)
	// (5-1)*2 + 1*(4-1)+1 - 2 = 10
	assert.Equal(t, []int{1, 3, 10, 12}, output.Dimensions)

	param.Group = 2
	output, err = DeconvOp(MS(F32, 1, 4, 5, 6), param)
	require.NoError(t, err)
	assert.Equal(t, 6, output.Channel())

	_, err = DeconvOp(MS(F32, 1, 3, 5, 6), param)
	require.ErrorIs(t, err, backends.ErrShapeMismatch)
}

func TestPoolingOp(t *testing.T) {
	param := &backends.PoolingParam{WindowH: 3, WindowW: 3, StrideH: 2, StrideW: 2}
	output, err := PoolingOp(MS(F32, 1, 8, 6, 6), param)
	require.NoError(t, err)
	// ceil((6-3)/2)+1 = 3
	assert.Equal(t, []int{1, 8, 3, 3}, output.Dimensions)

	param.FloorAsConv = true
	output, err = PoolingOp(MS(F32, 1, 8, 6, 6), param)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 8, 2, 2}, output.Dimensions)

	// Last window starting in the padding is dropped: size 4, window 2, pad 1, stride 2:
	// ceil((4+2-2)/2)+1 = 3, and (3-1)*2 = 4 < 4+1, so it is kept.
	assert.Equal(t, 3, PoolingOutputSize(4, 2, 1, 2, false))
	// size 5, window 3, pad 2, stride 3: ceil(6/3)+1=3, (3-1)*3 = 6 >= 5+2? no. 3.
	assert.Equal(t, 3, PoolingOutputSize(5, 3, 2, 3, false))
	// size 2, window 2, pad 1, stride 2: ceil(2/2)+1 = 2; (2-1)*2 = 2 >= 2+1? no.
	assert.Equal(t, 2, PoolingOutputSize(2, 2, 1, 2, false))
	// size 3, window 2, pad 1, stride 3: ceil(3/3)+1 = 2; (2-1)*3 = 3 >= 3+1? no.
	assert.Equal(t, 2, PoolingOutputSize(3, 2, 1, 3, false))
	// size 1, window 2, pad 1, stride 1: ceil(1/1)+1 = 2; (2-1)*1 = 1 >= 1+1? no.
	assert.Equal(t, 2, PoolingOutputSize(1, 2, 1, 1, false))
	// size 4, window 3, pad 2, stride 4: ceil(5/4)+1 = 3; (3-1)*4 = 8 >= 4+2: dropped.
	assert.Equal(t, 2, PoolingOutputSize(4, 3, 2, 4, false))
	// No padding, stride larger than the window: size 5, window 1, stride 3: ceil(4/3)+1 = 3, but the
	// third window would start at 6.
	assert.Equal(t, 2, PoolingOutputSize(5, 1, 0, 3, false))

	output, err = PoolingOp(MS(F32, 2, 8, 6, 7), &backends.PoolingParam{Global: true})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 1, 1}, output.Dimensions)

	_, err = PoolingOp(MS(F32, 1, 8, 6, 6), &backends.PoolingParam{WindowH: 2, WindowW: 2, StrideH: 1, StrideW: 1, PadH: 2})
	require.ErrorIs(t, err, backends.ErrInvalidValue)
}

func TestConcatOp(t *testing.T) {
	// Output extent on the axis is the sum, every other axis the common extent.
	for axis := range 4 {
		a := []int{2, 3, 4, 5}
		b := []int{2, 3, 4, 5}
		b[axis] = 7
		output, err := ConcatOp([]shapes.Shape{MS(F32, a[0], a[1], a[2], a[3]), MS(F32, b[0], b[1], b[2], b[3])}, axis)
		require.NoError(t, err)
		want := []int{2, 3, 4, 5}
		want[axis] += 7
		assert.Equal(t, want, output.Dimensions)

		// Negative axis.
		output, err = ConcatOp([]shapes.Shape{MS(F32, a[0], a[1], a[2], a[3]), MS(F32, b[0], b[1], b[2], b[3])}, axis-4)
		require.NoError(t, err)
		assert.Equal(t, want, output.Dimensions)

		// Mismatch in any other axis.
		c := []int{2, 3, 4, 5}
		c[(axis+1)%4] = 9
		_, err = ConcatOp([]shapes.Shape{MS(F32, a[0], a[1], a[2], a[3]), MS(F32, c[0], c[1], c[2], c[3])}, axis)
		require.ErrorIs(t, err, backends.ErrShapeMismatch)
	}

	// Three inputs, with wildcards.
	output, err := ConcatOp([]shapes.Shape{
		shapes.Make(F32, shapes.LayoutNC, -1, 3),
		shapes.Make(F32, shapes.LayoutNC, 4, 5),
		shapes.Make(F32, shapes.LayoutNC, 4, 1),
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 9}, output.Dimensions)

	_, err = ConcatOp([]shapes.Shape{MS(F32, 1, 2, 3, 4), MS(S8, 1, 2, 3, 4)}, 0)
	require.ErrorIs(t, err, backends.ErrShapeMismatch)
	_, err = ConcatOp([]shapes.Shape{MS(F32, 1, 2, 3, 4)}, 4)
	require.ErrorIs(t, err, backends.ErrInvalidValue)
	_, err = ConcatOp(nil, 0)
	require.ErrorIs(t, err, backends.ErrInvalidValue)
}

func TestConcatSeqOffsets(t *testing.T) {
	merged, err := ConcatSeqOffsets([][][]int{{{0, 2, 5}}, {{0, 3, 4}}}, 0)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 5, 9}}, merged)

	// Only the outermost level is merged.
	merged, err = ConcatSeqOffsets([][][]int{{{0, 2, 5}, {0, 1, 2, 3, 4, 5}}, {{0, 3, 4}, {0, 2, 3, 4}}}, 0)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 5, 9}}, merged)

	// Any other axis forwards the first input's offsets.
	merged, err = ConcatSeqOffsets([][][]int{{{0, 2, 5}}, {{0, 3, 4}}}, 1)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 2, 5}}, merged)

	merged, err = ConcatSeqOffsets([][][]int{nil, nil}, 0)
	require.NoError(t, err)
	assert.Nil(t, merged)

	_, err = ConcatSeqOffsets([][][]int{{{0, 2, 5}}, {{0, 3}}}, 0)
	require.ErrorIs(t, err, backends.ErrShapeMismatch)
	_, err = ConcatSeqOffsets([][][]int{{{0, 2, 5}}, nil}, 0)
	require.ErrorIs(t, err, backends.ErrShapeMismatch)
}

func TestSequenceConcatOp(t *testing.T) {
	inputs := []shapes.Shape{shapes.Make(F32, shapes.LayoutNC, 5, 8), shapes.Make(F32, shapes.LayoutNC, 4, 8)}
	output, offsets, err := SequenceConcatOp(inputs, [][][]int{{{0, 2, 5}}, {{0, 3, 4}}})
	require.NoError(t, err)
	assert.Equal(t, []int{9, 8}, output.Dimensions)
	assert.Equal(t, [][]int{{0, 5, 9}}, offsets)

	_, _, err = SequenceConcatOp(inputs, [][][]int{{{0, 2, 5}}, {{0, 3, 5}}})
	require.ErrorIs(t, err, backends.ErrShapeMismatch)
	_, _, err = SequenceConcatOp(inputs, [][][]int{{{0, 2, 5}}, nil})
	require.ErrorIs(t, err, backends.ErrInvalidValue)
}

func TestTopKPoolingOp(t *testing.T) {
	output, err := TopKPoolingOp(MS(F32, 3, 4, 6, 7), &backends.TopKPoolingParam{TopK: 2, FeatMapNum: 4})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8, 1, 1}, output.Dimensions)

	_, err = TopKPoolingOp(MS(F32, 3, 4, 6, 7), &backends.TopKPoolingParam{TopK: 0})
	require.ErrorIs(t, err, backends.ErrInvalidValue)
	_, err = TopKPoolingOp(MS(F32, 3, 4, 6, 7), &backends.TopKPoolingParam{TopK: 1, FeatMapNum: 5})
	require.ErrorIs(t, err, backends.ErrShapeMismatch)
}

func TestBatchGemmOp(t *testing.T) {
	require.NoError(t, BatchGemmOp(2, 3, 4, 5, 5))
	require.ErrorIs(t, BatchGemmOp(2, 3, 4, 6, 5), backends.ErrInvalidValue)
	require.ErrorIs(t, BatchGemmOp(0, 3, 4, 1, 5), backends.ErrInvalidValue)
}
