package jit

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/opkernels/backends"
)

type vec [Lanes]uint32

// machine holds the state of one invocation of a program.
type machine struct {
	zmm    [NumZmm]vec
	k      [NumMasks]uint16
	gpr    [NumRegs]int
	flag   int
	segs   [numSegments][]byte
	params *CallParams
}

func (m *machine) active(inst *Inst, lane int) bool {
	return inst.Mask == K0 || m.k[inst.Mask]&(1<<lane) != 0
}

// address returns the byte offset of the memory operand, after checking that size bytes are accessible.
func (m *machine) address(mem Mem, offset, size int) int {
	addr := mem.Disp + offset
	if mem.Base != RegNone {
		addr += m.gpr[mem.Base]
	}
	if addr < 0 || addr+size > len(m.segs[mem.Seg]) {
		exceptions.Panicf("jit: access to %s bytes [%d, %d) out of range [0, %d)", mem.Seg, addr, addr+size,
			len(m.segs[mem.Seg]))
	}
	return addr
}

func (m *machine) load8(mem Mem, offset int) byte {
	return m.segs[mem.Seg][m.address(mem, offset, 1)]
}

func (m *machine) load32(mem Mem, offset int) uint32 {
	addr := m.address(mem, offset, 4)
	return binary.NativeEndian.Uint32(m.segs[mem.Seg][addr:])
}

func (m *machine) store8(mem Mem, offset int, value byte) {
	m.segs[mem.Seg][m.address(mem, offset, 1)] = value
}

func (m *machine) store32(mem Mem, offset int, value uint32) {
	addr := m.address(mem, offset, 4)
	binary.NativeEndian.PutUint32(m.segs[mem.Seg][addr:], value)
}

// operandB returns the lane of the second source operand: a register or memory (full or broadcast).
// It must only be called for active lanes, so masked lanes are never read from memory.
func (m *machine) operandB(inst *Inst, lane int) uint32 {
	if !inst.usesMem() {
		return m.zmm[inst.B][lane]
	}
	if inst.Mem.Bcst {
		return m.load32(inst.Mem, 0)
	}
	return m.load32(inst.Mem, 4*lane)
}

// lanewise writes fn(lane) to the active lanes of the destination.
func (m *machine) lanewise(inst *Inst, fn func(lane int) uint32) {
	var result vec
	dst := &m.zmm[inst.Dst]
	for lane := range Lanes {
		switch {
		case m.active(inst, lane):
			result[lane] = fn(lane)
		case inst.Zero:
			result[lane] = 0
		default:
			result[lane] = dst[lane]
		}
	}
	*dst = result
}

func f32(v uint32) float32 { return math.Float32frombits(v) }
func u32(v float32) uint32 { return math.Float32bits(v) }

func byteOf(v uint32, b int) uint32 { return (v >> (8 * b)) & 0xff }
func wordOf(v uint32, w int) int32  { return int32(int16(v >> (16 * w))) }

func saturate16(v int32) uint32 {
	return uint32(uint16(int16(min(max(v, math.MinInt16), math.MaxInt16))))
}

// cvtps2dq converts with the x86 semantics: NaN and out of range values become math.MinInt32.
func cvtps2dq(v float32, mode backends.RoundMode) uint32 {
	x := float64(v)
	if mode == backends.RoundDown {
		x = math.Floor(x)
	} else {
		x = math.RoundToEven(x)
	}
	if math.IsNaN(x) || x < math.MinInt32 || x > math.MaxInt32 {
		return uint32(1) << 31
	}
	return uint32(int32(x))
}

func (m *machine) param(field ParamField) int {
	p := m.params
	switch field {
	case FieldSrc:
		return p.SrcOffset
	case FieldDst:
		return p.DstOffset
	case FieldFilt:
		return p.FiltOffset
	case FieldBias:
		return p.BiasOffset
	case FieldComp:
		return p.CompOffset
	case FieldScales:
		return p.ScalesOffset
	case FieldKhPadding:
		return p.KhPadding
	case FieldTOverflow:
		return p.TOverflow
	case FieldBOverflow:
		return p.BOverflow
	case FieldOcBlocks:
		return p.OcBlocks
	}
	exceptions.Panicf("jit: unknown parameter field %d", field)
	return 0
}

// run executes the program to its end.
func (m *machine) run(prog *Program) {
	for pc := 0; pc < len(prog.Insts); pc++ {
		inst := &prog.Insts[pc]
		if inst.Op.IsJump() {
			var taken bool
			switch inst.Op {
			case OpJMP:
				taken = true
			case OpJE:
				taken = m.flag == 0
			case OpJNE:
				taken = m.flag != 0
			case OpJG:
				taken = m.flag > 0
			case OpJL:
				taken = m.flag < 0
			}
			if taken {
				pc = prog.LabelPosition(inst.Target) - 1
			}
			continue
		}
		m.step(inst)
	}
}

func (m *machine) step(inst *Inst) {
	a := &m.zmm[inst.A]
	switch inst.Op {
	case OpVPXORD:
		m.lanewise(inst, func(l int) uint32 { return a[l] ^ m.operandB(inst, l) })
	case OpVPBROADCASTB:
		b := uint32(uint8(m.gpr[inst.Reg]))
		v := b | b<<8 | b<<16 | b<<24
		m.lanewise(inst, func(int) uint32 { return v })
	case OpVPBROADCASTW:
		w := uint32(uint16(m.gpr[inst.Reg]))
		v := w | w<<16
		m.lanewise(inst, func(int) uint32 { return v })
	case OpVPBROADCASTD, OpVBROADCASTSS:
		m.lanewise(inst, func(int) uint32 { return m.load32(inst.Mem, 0) })
	case OpVPBROADCASTDReg:
		v := a[0]
		m.lanewise(inst, func(int) uint32 { return v })
	case OpVPINSRB:
		dst := &m.zmm[inst.Dst]
		shift := 8 * uint(inst.Imm)
		low := dst[0]&^(0xff<<shift) | uint32(m.load8(inst.Mem, 0))<<shift
		*dst = vec{}
		dst[0] = low
	case OpVPSUBB:
		m.lanewise(inst, func(l int) uint32 {
			x, y := a[l], m.operandB(inst, l)
			var r uint32
			for b := range 4 {
				r |= ((byteOf(x, b) - byteOf(y, b)) & 0xff) << (8 * b)
			}
			return r
		})
	case OpVPMOVSXBD:
		m.lanewise(inst, func(l int) uint32 { return uint32(int32(int8(m.load8(inst.Mem, l)))) })
	case OpVPMOVZXBD:
		m.lanewise(inst, func(l int) uint32 { return uint32(m.load8(inst.Mem, l)) })
	case OpVMOVUPSLoad:
		m.lanewise(inst, func(l int) uint32 { return m.load32(inst.Mem, 4*l) })
	case OpVMOVUPSStore:
		for l := range Lanes {
			if m.active(inst, l) {
				m.store32(inst.Mem, 4*l, a[l])
			}
		}
	case OpVPMOVSDB:
		for l := range Lanes {
			if m.active(inst, l) {
				m.store8(inst.Mem, l, byte(int8(min(max(int32(a[l]), math.MinInt8), math.MaxInt8))))
			}
		}
	case OpVPMOVUSDB:
		for l := range Lanes {
			if m.active(inst, l) {
				m.store8(inst.Mem, l, byte(min(a[l], math.MaxUint8)))
			}
		}
	case OpVPMAXSD:
		m.lanewise(inst, func(l int) uint32 { return uint32(max(int32(a[l]), int32(m.operandB(inst, l)))) })
	case OpVPDPBUSD:
		acc := &m.zmm[inst.Dst]
		m.lanewise(inst, func(l int) uint32 {
			x, w := a[l], m.operandB(inst, l)
			sum := int32(acc[l])
			for b := range 4 {
				sum += int32(byteOf(x, b)) * int32(int8(byteOf(w, b)))
			}
			return uint32(sum)
		})
	case OpVPMADDUBSW:
		m.lanewise(inst, func(l int) uint32 {
			x, w := a[l], m.operandB(inst, l)
			var r uint32
			for word := range 2 {
				sum := int32(byteOf(x, 2*word))*int32(int8(byteOf(w, 2*word))) +
					int32(byteOf(x, 2*word+1))*int32(int8(byteOf(w, 2*word+1)))
				r |= saturate16(sum) << (16 * word)
			}
			return r
		})
	case OpVPMADDWD:
		m.lanewise(inst, func(l int) uint32 {
			x, y := a[l], m.operandB(inst, l)
			return uint32(wordOf(x, 0)*wordOf(y, 0) + wordOf(x, 1)*wordOf(y, 1))
		})
	case OpVPADDD:
		m.lanewise(inst, func(l int) uint32 { return a[l] + m.operandB(inst, l) })
	case OpVPMULLD:
		m.lanewise(inst, func(l int) uint32 { return uint32(int32(a[l]) * int32(m.operandB(inst, l))) })
	case OpVCVTDQ2PS:
		m.lanewise(inst, func(l int) uint32 { return u32(float32(int32(a[l]))) })
	case OpVCVTPS2DQ:
		m.lanewise(inst, func(l int) uint32 { return cvtps2dq(f32(a[l]), inst.Round) })
	case OpVADDPS:
		m.lanewise(inst, func(l int) uint32 { return u32(f32(a[l]) + f32(m.operandB(inst, l))) })
	case OpVMULPS:
		m.lanewise(inst, func(l int) uint32 { return u32(f32(a[l]) * f32(m.operandB(inst, l))) })
	case OpVMAXPS:
		m.lanewise(inst, func(l int) uint32 {
			x, y := f32(a[l]), f32(m.operandB(inst, l))
			if x > y {
				return u32(x)
			}
			return u32(y)
		})
	case OpVFMADD231PS:
		acc := &m.zmm[inst.Dst]
		m.lanewise(inst, func(l int) uint32 {
			fma := math.FMA(float64(f32(a[l])), float64(f32(m.operandB(inst, l))), float64(f32(acc[l])))
			return u32(float32(fma))
		})
	case OpKMOVW:
		m.k[inst.Mask] = uint16(m.gpr[inst.Reg])
	case OpMOV:
		m.gpr[inst.Reg] = int(inst.Imm)
	case OpMOVParam:
		m.gpr[inst.Reg] = m.param(inst.Field)
	case OpMOVReg:
		m.gpr[inst.Reg] = m.gpr[inst.Src]
	case OpADD:
		m.gpr[inst.Reg] += int(inst.Imm)
	case OpSUB:
		m.gpr[inst.Reg] -= int(inst.Imm)
	case OpINC:
		m.gpr[inst.Reg]++
	case OpDEC:
		m.gpr[inst.Reg]--
	case OpCMP:
		switch diff := int64(m.gpr[inst.Reg]) - inst.Imm; {
		case diff < 0:
			m.flag = -1
		case diff > 0:
			m.flag = 1
		default:
			m.flag = 0
		}
	default:
		exceptions.Panicf("jit: cannot execute instruction %s", inst)
	}
}
