package jit

import (
	"encoding/binary"
	"flag"
	"math"
	"math/rand/v2"
	"os"
	"testing"

	"github.com/gomlx/opkernels/backends"
	"github.com/stretchr/testify/assert"
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
	if err := ctx.SetRunMode(backends.PowerHigh, 3); err != nil {
		klog.Fatalf("failed to configure context: %+v", err)
	}
	os.Exit(m.Run())
}

// runProgram assembles the instructions emitted by build and runs them once.
func runProgram(t *testing.T, params *CallParams, build func(e Emitter)) error {
	asm := &Assembler{}
	build(asm)
	prog, err := asm.Program()
	require.NoError(t, err)
	return (&Kernel{Program: prog}).Run(params)
}

func int32sOf(data []byte) []int32 {
	values := make([]int32, len(data)/4)
	for ii := range values {
		values[ii] = int32(binary.NativeEndian.Uint32(data[4*ii:]))
	}
	return values
}

func TestDotProductDecomposition(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 14))
	src := make([]byte, 4*Lanes)
	wei := make([]int8, 4*Lanes)
	want := make([]int32, Lanes)
	for ii := range src {
		src[ii] = byte(rng.IntN(256))
		// Halved weights, so pairs of products never saturate 16 bits.
		wei[ii] = int8(rng.IntN(129) - 64)
		want[ii/4] += int32(src[ii]) * int32(wei[ii])
	}
	params := &CallParams{Src: src, Filt: bytesOf(wei), Dst: make([]byte, 2*4*Lanes)}
	const vnniAcc, emulatedAcc, ones, tmp Zmm = 2, 4, 3, 5
	err := runProgram(t, params, func(e Emitter) {
		e.Emit(VMOVUPSLoad(0, Mem{Seg: SegSrc}))
		e.Emit(VMOVUPSLoad(1, Mem{Seg: SegFilt}))
		e.Emit(VPXORD(vnniAcc, vnniAcc, vnniAcc))
		e.Emit(VPDPBUSD(vnniAcc, 0, 1))

		e.Emit(MOV(2, 1))
		e.Emit(VPBROADCASTW(ones, 2))
		e.Emit(VPXORD(emulatedAcc, emulatedAcc, emulatedAcc))
		e.Emit(VPMADDUBSW(tmp, 0, 1))
		e.Emit(VPMADDWD(tmp, tmp, ones))
		e.Emit(VPADDD(emulatedAcc, emulatedAcc, tmp))

		e.Emit(VMOVUPSStore(Mem{Seg: SegDst}, vnniAcc))
		e.Emit(VMOVUPSStore(Mem{Seg: SegDst, Disp: 4 * Lanes}, emulatedAcc))
	})
	require.NoError(t, err)
	got := int32sOf(params.Dst)
	require.Equal(t, want, got[:Lanes])
	require.Equal(t, want, got[Lanes:])
}

func TestSaturatingMultiplyAdd(t *testing.T) {
	// 255*127 + 255*127 doesn't fit in 16 bits: it saturates to 32767.
	src := []byte{255, 255, 1, 2}
	wei := []int8{127, 127, -3, 4}
	params := &CallParams{Src: src, Filt: bytesOf(wei), Dst: make([]byte, 4)}
	err := runProgram(t, params, func(e Emitter) {
		e.Emit(VPBROADCASTD(0, Mem{Seg: SegSrc}))
		e.Emit(VPBROADCASTD(1, Mem{Seg: SegFilt}))
		e.Emit(VPMADDUBSW(2, 0, 1))
		e.Emit(MOV(1, 1))
		e.Emit(KMOVW(1, 1))
		e.Emit(VMOVUPSStore(Mem{Seg: SegDst}, 2).Masked(1, false))
	})
	require.NoError(t, err)
	low := int16(binary.NativeEndian.Uint16(params.Dst))
	high := int16(binary.NativeEndian.Uint16(params.Dst[2:]))
	assert.Equal(t, int16(math.MaxInt16), low)
	assert.Equal(t, int16(-3+8), high)
}

func TestMasking(t *testing.T) {
	// Only 8 lanes of memory: masked lanes must never be accessed.
	src := make([]byte, 4*8)
	for ii := range 8 {
		binary.NativeEndian.PutUint32(src[4*ii:], uint32(ii+1))
	}
	dst := make([]byte, 4*8)
	params := &CallParams{Src: src, Dst: dst}
	err := runProgram(t, params, func(e Emitter) {
		e.Emit(MOV(1, 0xFF))
		e.Emit(KMOVW(1, 1))
		e.Emit(MOV(2, 7))
		e.Emit(VPBROADCASTB(0, 2))
		e.Emit(VMOVUPSLoad(0, Mem{Seg: SegSrc}).Masked(1, false))
		e.Emit(VPADDD(0, 0, 0).Masked(1, true))
		e.Emit(VMOVUPSStore(Mem{Seg: SegDst}, 0).Masked(1, false))
	})
	require.NoError(t, err)
	require.Equal(t, []int32{2, 4, 6, 8, 10, 12, 14, 16}, int32sOf(dst))

	// Without the mask the access is out of range.
	err = runProgram(t, &CallParams{Src: src}, func(e Emitter) {
		e.Emit(VMOVUPSLoad(0, Mem{Seg: SegSrc}))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestLoops(t *testing.T) {
	dst := make([]byte, 4*Lanes)
	err := runProgram(t, &CallParams{Dst: dst, KhPadding: 3}, func(e Emitter) {
		loop := e.NewLabel()
		e.Emit(MOVParam(1, FieldKhPadding))
		e.Emit(MOV(2, 0))
		e.Bind(loop)
		e.Emit(ADD(2, 5))
		e.Emit(DEC(1))
		e.Emit(CMP(1, 0))
		e.Emit(JG(loop))
		e.Emit(VPBROADCASTB(0, 2))
		e.Emit(VMOVUPSStore(Mem{Seg: SegDst}, 0))
	})
	require.NoError(t, err)
	for _, v := range int32sOf(dst) {
		require.Equal(t, int32(15*0x01010101), v)
	}

	asm := &Assembler{}
	asm.Emit(JMP(asm.NewLabel()))
	_, err = asm.Program()
	require.Error(t, err)
}

func TestConversions(t *testing.T) {
	for _, tc := range []struct {
		value float32
		mode  backends.RoundMode
		want  int32
	}{
		{2.5, backends.RoundNearest, 2},
		{3.5, backends.RoundNearest, 4},
		{-2.5, backends.RoundNearest, -2},
		{-2.5, backends.RoundDown, -3},
		{2.9, backends.RoundDown, 2},
		{3e9, backends.RoundNearest, math.MinInt32},
		{float32(math.NaN()), backends.RoundDown, math.MinInt32},
	} {
		assert.Equal(t, tc.want, int32(cvtps2dq(tc.value, tc.mode)), "cvtps2dq(%g, %s)", tc.value, tc.mode)
	}

	// Fused multiply-add with a constant, then narrowing with saturation.
	dst := make([]byte, 2*Lanes)
	params := &CallParams{Dst: dst}
	err := runProgram(t, params, func(e Emitter) {
		half := e.Const32(0.5)
		e.Emit(MOV(1, 100))
		e.Emit(VPBROADCASTB(0, 1))
		e.Emit(VCVTDQ2PS(0, 0))
		e.Emit(VPXORD(1, 1, 1))
		e.Emit(VFMADD231PS(1, 0, Mem{Seg: SegConst, Disp: half.Disp, Bcst: true}))
		e.Emit(VCVTPS2DQ(1, 1, backends.RoundNearest))
		e.Emit(VPMOVSDB(Mem{Seg: SegDst}, 1))
		e.Emit(VPMOVUSDB(Mem{Seg: SegDst, Disp: Lanes}, 1))
	})
	require.NoError(t, err)
	for l := range Lanes {
		assert.Equal(t, int8(math.MaxInt8), int8(dst[l]))
		assert.Equal(t, byte(math.MaxUint8), dst[Lanes+l])
	}
}
