package jit

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// General purpose registers of the kernels.
const (
	regInp Reg = iota + 1
	regOut
	regKer
	auxRegInp
	auxRegKer
	regKj
	regOverflow
	regICB
	regOI
	regOCBlocks
	regBias
	regScales
	regComp
	regScratch
)

const kTailMask Opmask = 1

// Fixed vector registers: the accumulators and inputs use the ones below regBudget.
const (
	zmmTmp   Zmm = 28
	zmmOne   Zmm = 29
	zmmShift Zmm = 30
	zmmZero  Zmm = 31
	zmmWei   Zmm = 31
)

// Which input channel block a computation covers.
type icBlockFlag int

const (
	noLastBlock icBlockFlag = iota
	lastICBlock
	// lastSPBlock is the last input channel block of the last spatial tile of a row: the trailing bytes past
	// the input channels must not be read.
	lastSPBlock
)

// generator emits the program of a forward quantized convolution over one output row.
type generator struct {
	c *conf
	e Emitter

	sumScale, biasAlpha Mem
}

func (g *generator) emit(insts ...Inst) {
	for _, inst := range insts {
		g.e.Emit(inst)
	}
}

func (g *generator) zmmOut(iUr, iOC int) Zmm {
	idx := iUr*g.c.nbOCBlocking + iOC
	if idx >= regBudget {
		exceptions.Panicf("jit: accumulator register %d out of budget %d", idx, regBudget)
	}
	return Zmm(idx)
}

func (g *generator) zmmInp(iIC int) Zmm {
	idx := iIC + g.c.nbOCBlocking*g.c.urW
	if idx >= regBudget {
		exceptions.Panicf("jit: input register %d out of budget %d", idx, regBudget)
	}
	return Zmm(idx)
}

// zmmBiasAlpha reuses the first input register, free during the output finalization.
func (g *generator) zmmBiasAlpha() Zmm { return g.zmmInp(0) }

// maybeRelu returns whether the rectifier is applied before (position 0) or after (position 1) the
// residual sum.
func (g *generator) maybeRelu(position int) bool {
	d := g.c.desc
	if position == 0 {
		return !d.WithSum && d.WithRelu
	}
	return d.WithSum && (d.DstDType == dtypes.Uint8 || d.WithRelu)
}

func (g *generator) prepareOutput(urW int) {
	for k := range g.c.nbOCBlocking {
		for j := range urW {
			z := g.zmmOut(j, k)
			g.emit(VPXORD(z, z, z))
		}
	}
	if g.c.signedShift {
		g.emit(MOV(regScratch, -128), VPBROADCASTB(zmmShift, regScratch))
	}
}

// cvt2ps loads 16 values of dtype into z as float32.
func (g *generator) cvt2ps(dtype dtypes.DType, z Zmm, mem Mem, maskFlag bool) {
	var load Inst
	switch dtype {
	case dtypes.Float32, dtypes.Int32:
		load = VMOVUPSLoad(z, mem)
	case dtypes.Int8:
		load = VPMOVSXBD(z, mem)
	case dtypes.Uint8:
		load = VPMOVZXBD(z, mem)
	default:
		exceptions.Panicf("jit: cannot convert %s to float32", dtype)
	}
	if maskFlag {
		load = load.Masked(kTailMask, true)
	}
	g.emit(load)
	if dtype != dtypes.Float32 {
		g.emit(VCVTDQ2PS(z, z))
	}
}

func (g *generator) outputOffset(j, k int) int {
	c := g.c
	return c.typesizeOut * (k*c.ocBlock + j*c.ocWithoutPadding*c.desc.Groups)
}

// storeOutput finalizes the accumulators and stores them. With lastOCBlock, the last channel block is
// masked to the valid channels.
func (g *generator) storeOutput(urW int, lastOCBlock bool) {
	c, d := g.c, g.c.desc
	withBias := d.BiasDType != dtypes.InvalidDType
	if withBias {
		g.emit(MOVParam(regBias, FieldBias))
	}
	g.emit(MOVParam(regScales, FieldScales))
	if c.signedShift {
		g.emit(MOVParam(regComp, FieldComp))
	}
	if withBias && c.weiAdjScale != 1 {
		g.emit(VBROADCASTSS(g.zmmBiasAlpha(), g.biasAlpha))
	}

	for k := range c.nbOCBlocking {
		maskFlag := lastOCBlock && k == c.nbOCBlocking-1
		scaleOffset := 4 * k * c.ocBlock
		zmmBias, zmmComp := zmmTmp, zmmShift
		if withBias {
			g.cvt2ps(d.BiasDType, zmmBias, Mem{Seg: SegBias, Base: regBias, Disp: c.typesizeBias * k * c.ocBlock}, maskFlag)
			if c.weiAdjScale != 1 {
				g.emit(VMULPS(zmmBias, zmmBias, g.zmmBiasAlpha()))
			}
		}
		if c.signedShift {
			g.cvt2ps(dtypes.Int32, zmmComp, Mem{Seg: SegComp, Base: regComp, Disp: 4 * k * c.ocBlock}, maskFlag)
		}

		for j := range urW {
			addr := Mem{Seg: SegDst, Base: regOut, Disp: g.outputOffset(j, k)}
			z := g.zmmOut(j, k)
			g.emit(VCVTDQ2PS(z, z))
			if c.signedShift {
				g.emit(VADDPS(z, z, zmmComp))
			}
			if withBias {
				g.emit(VADDPS(z, z, zmmBias))
			}
			mul := VMULPSMem(z, z, Mem{Seg: SegScales, Base: regScales, Disp: scaleOffset})
			if maskFlag {
				mul = mul.Masked(kTailMask, true)
			}
			g.emit(mul)
			if g.maybeRelu(0) {
				g.emit(VPXORD(zmmZero, zmmZero, zmmZero), VMAXPS(z, zmmZero, z))
			}
			if d.WithSum {
				prev := zmmZero
				g.emit(VPXORD(prev, prev, prev))
				g.cvt2ps(d.DstDType, prev, addr, maskFlag)
				if d.SumScale == 1 {
					g.emit(VADDPS(z, z, prev))
				} else {
					g.emit(VFMADD231PS(z, prev, g.sumScale))
				}
			}
			if g.maybeRelu(1) {
				g.emit(VPXORD(zmmZero, zmmZero, zmmZero), VMAXPS(z, zmmZero, z))
			}
			if d.DstDType != dtypes.Float32 {
				g.emit(VCVTPS2DQ(z, z, d.RoundMode))
			}
		}
	}

	if d.DstDType == dtypes.Uint8 {
		g.emit(VPXORD(zmmZero, zmmZero, zmmZero))
	}
	for k := range c.nbOCBlocking {
		maskFlag := lastOCBlock && k == c.nbOCBlocking-1
		for j := range urW {
			addr := Mem{Seg: SegDst, Base: regOut, Disp: g.outputOffset(j, k)}
			z := g.zmmOut(j, k)
			var store Inst
			switch d.DstDType {
			case dtypes.Float32, dtypes.Int32:
				store = VMOVUPSStore(addr, z)
			case dtypes.Int8:
				store = VPMOVSDB(addr, z)
			case dtypes.Uint8:
				g.emit(VPMAXSD(z, z, zmmZero))
				store = VPMOVUSDB(addr, z)
			}
			if maskFlag {
				store = store.Masked(kTailMask, false)
			}
			g.emit(store)
		}
	}
}

// owStart is the first output column of the tile that reads inside the input for kernel column ki.
func (g *generator) owStart(ki, padL int) int {
	d := g.c.desc
	return max(0, divUp(padL-ki*d.DilationW, d.StrideW))
}

// owEnd is one past the last output column of the tile that reads inside the input for kernel column ki.
func (g *generator) owEnd(urW, ki, padR int) int {
	d := g.c.desc
	return urW - max(0, divUp(padR-(d.KW-1-ki)*d.DilationW, d.StrideW))
}

// compute accumulates into acc the dot products of groups of 4 bytes of src (unsigned) and wei (signed).
func (g *generator) compute(acc, wei, src Zmm) {
	c := g.c
	switch {
	case c.ver == ISAVNNI && !c.dwInt8:
		// Also valid for depthwise: src is zero-extended.
		g.emit(VPDPBUSD(acc, src, wei))
	case c.isDw:
		g.emit(VPMULLD(zmmTmp, src, wei), VPADDD(acc, acc, zmmTmp))
	default:
		g.emit(VPMADDUBSW(zmmTmp, src, wei), VPMADDWD(zmmTmp, zmmTmp, zmmOne), VPADDD(acc, acc, zmmTmp))
	}
}

// computeKer accumulates one kernel row over urW output columns. With hPadded the row is entirely in the
// vertical padding.
func (g *generator) computeKer(urW, padL, padR int, flag icBlockFlag, hPadded bool) {
	c, d := g.c, g.c.desc
	chBlockAll := c.chBlock * c.icBlock * c.ocBlock
	inputOffset := func(oi, ic, ki int) int {
		return c.typesizeIn * ((ki*d.DilationW+oi*d.StrideW-padL)*c.icWithoutPadding*d.Groups + 4*ic)
	}
	kernelOffset := func(ii, ic, ki int) int {
		return c.typesizeIn * ((ii*c.nbIC*d.KH*d.KW+ki)*chBlockAll + 4*ic*c.ocBlock)
	}

	for ki := range d.KW {
		jjStart, jjEnd := g.owStart(ki, padL), g.owEnd(urW, ki, padR)
		tailSize := c.icWithoutPadding % 4
		start, end := jjStart, jjEnd
		if c.signedShift {
			start, end = 0, urW
		}
		icb := c.icBlock / 4
		switch {
		case c.isDw:
			icb = 1
		case flag != noLastBlock:
			icb = divUp(c.icWithoutPadding%c.icBlock, 4)
		}

		for ic := range icb {
			if hPadded {
				inp := g.zmmInp(0)
				g.emit(VPXORD(inp, inp, inp), VPSUBB(inp, inp, zmmShift))
			} else {
				for jj := start; jj < end; jj++ {
					inp := g.zmmInp(jj)
					mem := Mem{Seg: SegSrc, Base: auxRegInp, Disp: inputOffset(jj, ic, ki)}
					if jj < jjStart || jj >= jjEnd {
						// Padding column: only reached with the signed shift.
						g.emit(VPXORD(inp, inp, inp), VPSUBB(inp, inp, zmmShift))
						continue
					}
					switch {
					case c.isDw && c.dwInt8:
						g.emit(VPMOVSXBD(inp, mem))
					case c.isDw:
						g.emit(VPMOVZXBD(inp, mem))
					case flag == lastSPBlock && tailSize != 0 && ic == icb-1:
						g.emit(VPXORD(inp, inp, inp))
						for r := range tailSize {
							byteMem := mem
							byteMem.Disp += r
							g.emit(VPINSRB(inp, byteMem, r))
						}
						g.emit(VPBROADCASTDReg(inp, inp))
					default:
						g.emit(VPBROADCASTD(inp, mem))
					}
					if c.signedShift {
						g.emit(VPSUBB(inp, inp, zmmShift))
					}
				}
			}

			for ii := range c.nbOCBlocking {
				mem := Mem{Seg: SegFilt, Base: auxRegKer, Disp: kernelOffset(ii, ic, ki)}
				if c.isDw {
					g.emit(VPMOVSXBD(zmmWei, mem))
				} else {
					g.emit(VMOVUPSLoad(zmmWei, mem))
				}
				for jj := start; jj < end; jj++ {
					inp := g.zmmInp(jj)
					if hPadded {
						inp = g.zmmInp(0)
					}
					g.compute(g.zmmOut(jj, ii), zmmWei, inp)
				}
			}
		}
	}
}

// khLoop accumulates the kernel rows: the ones in the top padding, the KhPadding rows inside the input,
// and the ones in the bottom padding. Padding rows are only computed with the signed shift, otherwise they
// contribute nothing and the caller skips them.
func (g *generator) khLoop(urW, padL, padR int, flag icBlockFlag) {
	c, d := g.c, g.c.desc
	chBlockAll := c.chBlock * c.icBlock * c.ocBlock
	shiftKernelPtr := int64(c.typesizeIn * d.KW * chBlockAll)
	shiftInputPtr := int64(c.typesizeIn * d.DilationH * d.IW * c.icWithoutPadding * d.Groups)

	g.emit(MOVReg(auxRegInp, regInp), MOVReg(auxRegKer, regKer))

	overflowLoop := func(field ParamField) {
		loop, skip := g.e.NewLabel(), g.e.NewLabel()
		g.emit(MOVParam(regOverflow, field), CMP(regOverflow, 0), JE(skip))
		g.e.Bind(loop)
		g.computeKer(urW, padL, padR, flag, true)
		g.emit(ADD(auxRegKer, shiftKernelPtr), DEC(regOverflow), CMP(regOverflow, 0), JG(loop))
		g.e.Bind(skip)
	}

	if c.signedShift {
		overflowLoop(FieldTOverflow)
	}
	khLabel, skipKhLoop := g.e.NewLabel(), g.e.NewLabel()
	// With dilation every kernel row can fall in the padding, even without top or bottom overflow rows.
	g.emit(MOVParam(regKj, FieldKhPadding), CMP(regKj, 0), JE(skipKhLoop))
	g.e.Bind(khLabel)
	g.computeKer(urW, padL, padR, flag, false)
	g.emit(ADD(auxRegKer, shiftKernelPtr), ADD(auxRegInp, shiftInputPtr), DEC(regKj), CMP(regKj, 0), JG(khLabel))
	g.e.Bind(skipKhLoop)
	if c.signedShift {
		overflowLoop(FieldBOverflow)
	}
}

// icbLoop computes one tile of urW output columns: it accumulates over the input channel blocks and
// stores the result.
func (g *generator) icbLoop(urW, padL, padR int, isLastSPBlock bool) {
	c, d := g.c, g.c.desc
	g.prepareOutput(urW)

	icbLabel := g.e.NewLabel()
	g.emit(MOV(regICB, int64(c.nbIC)))
	g.e.Bind(icbLabel)
	if c.icWithoutPadding != c.ic {
		commonKer, endKer := g.e.NewLabel(), g.e.NewLabel()
		g.emit(CMP(regICB, 1), JNE(commonKer))
		lastFlag := lastICBlock
		if isLastSPBlock {
			lastFlag = lastSPBlock
		}
		g.khLoop(urW, padL, padR, lastFlag)
		g.emit(JMP(endKer))
		g.e.Bind(commonKer)
		g.khLoop(urW, padL, padR, noLastBlock)
		g.e.Bind(endKer)
	} else {
		g.khLoop(urW, padL, padR, noLastBlock)
	}

	inpStep := int64(c.typesizeIn * c.icBlock)
	kerStep := int64(c.typesizeIn * d.KH * d.KW * c.ocBlock * c.icBlock)
	g.emit(ADD(regInp, inpStep), ADD(regKer, kerStep), DEC(regICB), CMP(regICB, 0), JG(icbLabel))
	g.emit(SUB(regInp, inpStep*int64(c.nbIC)), SUB(regKer, kerStep*int64(c.nbIC)))

	if c.ocTail() != 0 {
		commonStore, endStore := g.e.NewLabel(), g.e.NewLabel()
		lastBlocks := c.nbOC - c.nbOCBlocking
		if c.isDw {
			lastBlocks = c.nbCh - 1
		}
		g.emit(CMP(regOCBlocks, int64(lastBlocks)), JNE(commonStore))
		g.storeOutput(urW, true)
		g.emit(JMP(endStore))
		g.e.Bind(commonStore)
		g.storeOutput(urW, false)
		g.e.Bind(endStore)
	} else {
		g.storeOutput(urW, false)
	}
}

// generate emits the whole program: the output row is split in a left-padded tile, a loop of full tiles,
// a right-padded tile and a tail tile. Rows narrower than the unrolled width are computed as one tile.
func (g *generator) generate() {
	c, d := g.c, g.c.desc
	if d.WithSum && d.SumScale != 1 {
		g.sumScale = g.e.Const32(d.SumScale)
		g.sumScale.Bcst = true
	}
	if c.weiAdjScale != 1 {
		g.biasAlpha = g.e.Const32(c.weiAdjScale)
	}
	rowStride := c.icWithoutPadding * d.Groups
	inpShiftPad := int64(c.typesizeIn * (c.urW*d.StrideW - c.lPad) * rowStride)
	inpShift := int64(c.typesizeIn * c.urW * d.StrideW * rowStride)
	outShift := int64(c.typesizeOut * c.urW * c.ocWithoutPadding * d.Groups)

	g.emit(MOV(regScratch, 1), VPBROADCASTW(zmmOne, regScratch))
	g.emit(MOVParam(regInp, FieldSrc), MOVParam(regOut, FieldDst), MOVParam(regKer, FieldFilt))
	if tail := c.ocTail(); tail != 0 {
		g.emit(MOVParam(regOCBlocks, FieldOcBlocks), MOV(regScratch, int64(1)<<tail-1), KMOVW(kTailMask, regScratch))
	}

	rPad := c.rPad
	nOI := d.OW / c.urW
	rPad1 := (c.urW*nOI-1)*d.StrideW + (d.KW-1)*d.DilationW - (d.IW + c.lPad - 1)
	if rPad1 > 0 || c.urWTail == 0 {
		nOI--
	}

	g.emit(MOV(regOI, 0))
	switch {
	case d.OW == c.urW:
		g.icbLoop(c.urW, c.lPad, rPad, true)
	case nOI == 0:
		g.icbLoop(c.urW, c.lPad, rPad1, c.urWTail == 0)
		g.emit(ADD(regInp, inpShiftPad), ADD(regOut, outShift))
		if c.urWTail != 0 {
			g.icbLoop(c.urWTail, 0, rPad, true)
		}
	default:
		if c.lPad > 0 {
			g.icbLoop(c.urW, c.lPad, 0, false)
			g.emit(ADD(regInp, inpShiftPad), ADD(regOut, outShift), INC(regOI))
		}
		if (c.lPad <= 0 && nOI > 0) || (c.lPad > 0 && nOI > 1) {
			owLoop := g.e.NewLabel()
			g.e.Bind(owLoop)
			g.icbLoop(c.urW, 0, 0, false)
			g.emit(ADD(regInp, inpShift), ADD(regOut, outShift), INC(regOI), CMP(regOI, int64(nOI)), JL(owLoop))
		}
		if rPad1 > 0 || c.urWTail == 0 {
			g.icbLoop(c.urW, 0, rPad1, c.urWTail == 0)
			g.emit(ADD(regInp, inpShift), ADD(regOut, outShift))
		}
		if c.urWTail != 0 {
			g.icbLoop(c.urWTail, 0, rPad, true)
		}
	}
}
