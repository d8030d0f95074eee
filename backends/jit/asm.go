package jit

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/opkernels/backends"
	"github.com/pkg/errors"
)

// The kernels are generated for a virtual vector machine modelled on AVX-512: 32 vector registers of 16
// 32-bit lanes, 8 opmask registers and 16 general purpose registers. General purpose registers used as
// pointers hold byte offsets into one of the memory segments given to each invocation.
const (
	NumZmm   = 32
	Lanes    = 16
	NumMasks = 8
	NumRegs  = 16
)

// Zmm is a vector register, from 0 to NumZmm-1.
type Zmm int

// Opmask is an opmask register. K0 means "no mask".
type Opmask int

const K0 Opmask = 0

// Reg is a general purpose register. RegNone (0) is used for memory operands without a base register.
type Reg int

const RegNone Reg = 0

// Segment is one of the memory areas the kernel accesses.
type Segment int

const (
	SegNone Segment = iota
	SegSrc
	SegDst
	SegFilt
	SegBias
	SegComp
	SegScales

	// SegConst holds the constants of the program.
	SegConst
	numSegments
)

var segmentNames = []string{"none", "src", "dst", "filt", "bias", "comp", "scales", "const"}

// String implements fmt.Stringer.
func (s Segment) String() string {
	if s < 0 || s >= numSegments {
		return fmt.Sprintf("Segment(%d)", int(s))
	}
	return segmentNames[s]
}

// Mem is a memory operand: Seg[Base + Disp]. If Bcst is set, a 32-bit value is broadcast to every lane.
type Mem struct {
	Seg  Segment
	Base Reg
	Disp int
	Bcst bool
}

// String implements fmt.Stringer.
func (m Mem) String() string {
	var sb strings.Builder
	sb.WriteString(m.Seg.String())
	sb.WriteByte('[')
	if m.Base != RegNone {
		fmt.Fprintf(&sb, "r%d", m.Base)
		if m.Disp != 0 {
			fmt.Fprintf(&sb, "%+d", m.Disp)
		}
	} else {
		fmt.Fprintf(&sb, "%d", m.Disp)
	}
	sb.WriteByte(']')
	if m.Bcst {
		sb.WriteString("{1to16}")
	}
	return sb.String()
}

// ParamField is a scalar field of CallParams a general purpose register can be loaded from.
type ParamField int

const (
	FieldSrc ParamField = iota
	FieldDst
	FieldFilt
	FieldBias
	FieldComp
	FieldScales
	FieldKhPadding
	FieldTOverflow
	FieldBOverflow
	FieldOcBlocks
)

var paramFieldNames = []string{"src", "dst", "filt", "bias", "comp", "scales", "kh_padding", "t_overflow",
	"b_overflow", "oc_blocks"}

// Label marks a position of the program, the target of jumps. The zero value is not a label.
type Label int

// Opcode of an instruction.
type Opcode int

const (
	OpInvalid Opcode = iota

	// Vector instructions.
	OpVPXORD
	OpVPBROADCASTB
	OpVPBROADCASTW
	OpVPBROADCASTD
	OpVPBROADCASTDReg
	OpVBROADCASTSS
	OpVPINSRB
	OpVPSUBB
	OpVPMOVSXBD
	OpVPMOVZXBD
	OpVMOVUPSLoad
	OpVMOVUPSStore
	OpVPMOVSDB
	OpVPMOVUSDB
	OpVPMAXSD
	OpVPDPBUSD
	OpVPMADDUBSW
	OpVPMADDWD
	OpVPADDD
	OpVPMULLD
	OpVCVTDQ2PS
	OpVCVTPS2DQ
	OpVADDPS
	OpVMULPS
	OpVMAXPS
	OpVFMADD231PS
	OpKMOVW

	// General purpose instructions.
	OpMOV
	OpMOVParam
	OpMOVReg
	OpADD
	OpSUB
	OpINC
	OpDEC
	OpCMP
	OpJMP
	OpJE
	OpJNE
	OpJG
	OpJL
)

var opcodeNames = []string{"invalid",
	"vpxord", "vpbroadcastb", "vpbroadcastw", "vpbroadcastd", "vpbroadcastd", "vbroadcastss", "vpinsrb",
	"vpsubb", "vpmovsxbd", "vpmovzxbd", "vmovups", "vmovups", "vpmovsdb", "vpmovusdb", "vpmaxsd", "vpdpbusd",
	"vpmaddubsw", "vpmaddwd", "vpaddd", "vpmulld", "vcvtdq2ps", "vcvtps2dq", "vaddps", "vmulps", "vmaxps",
	"vfmadd231ps", "kmovw",
	"mov", "mov", "mov", "add", "sub", "inc", "dec", "cmp", "jmp", "je", "jne", "jg", "jl"}

// String implements fmt.Stringer.
func (op Opcode) String() string {
	if op < 0 || int(op) >= len(opcodeNames) {
		return fmt.Sprintf("Opcode(%d)", int(op))
	}
	return opcodeNames[op]
}

// IsJump returns whether the opcode is a (conditional or not) jump.
func (op Opcode) IsJump() bool { return op >= OpJMP && op <= OpJL }

// Inst is one instruction. Which fields are used depends on the opcode.
//
// Vector instructions write Dst, reading A and B, or reading Mem in place of B when Mem.Seg is set.
// With Mask set, only the lanes of the mask are read and written: the others are zeroed if Zero is
// set, or kept otherwise.
type Inst struct {
	Op     Opcode
	Dst    Zmm
	A, B   Zmm
	Mem    Mem
	Mask   Opmask
	Zero   bool
	Reg    Reg
	Src    Reg
	Imm    int64
	Field  ParamField
	Round  backends.RoundMode
	Target Label
}

func (inst Inst) usesMem() bool { return inst.Mem.Seg != SegNone }

// String returns the instruction in assembly syntax (destination first).
func (inst Inst) String() string {
	dst := fmt.Sprintf("zmm%d", inst.Dst)
	if inst.Mask != K0 {
		dst += fmt.Sprintf("{k%d}", inst.Mask)
		if inst.Zero {
			dst += "{z}"
		}
	}
	srcB := fmt.Sprintf("zmm%d", inst.B)
	if inst.usesMem() {
		srcB = inst.Mem.String()
	}
	a := fmt.Sprintf("zmm%d", inst.A)
	op := inst.Op.String()
	switch inst.Op {
	case OpVPXORD, OpVPSUBB, OpVPMAXSD, OpVPMADDUBSW, OpVPMADDWD, OpVPADDD, OpVPMULLD, OpVADDPS, OpVMULPS,
		OpVMAXPS, OpVFMADD231PS, OpVPDPBUSD:
		return fmt.Sprintf("%s %s, %s, %s", op, dst, a, srcB)
	case OpVPBROADCASTB, OpVPBROADCASTW:
		return fmt.Sprintf("%s %s, r%d", op, dst, inst.Reg)
	case OpVPBROADCASTD, OpVBROADCASTSS, OpVPMOVSXBD, OpVPMOVZXBD, OpVMOVUPSLoad:
		return fmt.Sprintf("%s %s, %s", op, dst, inst.Mem)
	case OpVPBROADCASTDReg, OpVCVTDQ2PS:
		return fmt.Sprintf("%s %s, %s", op, dst, a)
	case OpVCVTPS2DQ:
		return fmt.Sprintf("%s %s, %s {r%s-sae}", op, dst, a, inst.Round.String()[:1])
	case OpVPINSRB:
		return fmt.Sprintf("%s xmm%d, %s, %d", op, inst.Dst, inst.Mem, inst.Imm)
	case OpVMOVUPSStore, OpVPMOVSDB, OpVPMOVUSDB:
		mask := ""
		if inst.Mask != K0 {
			mask = fmt.Sprintf("{k%d}", inst.Mask)
		}
		return fmt.Sprintf("%s %s%s, zmm%d", op, inst.Mem, mask, inst.A)
	case OpKMOVW:
		return fmt.Sprintf("%s k%d, r%d", op, inst.Mask, inst.Reg)
	case OpMOV, OpADD, OpSUB, OpCMP:
		return fmt.Sprintf("%s r%d, %d", op, inst.Reg, inst.Imm)
	case OpMOVParam:
		return fmt.Sprintf("%s r%d, param.%s", op, inst.Reg, paramFieldNames[inst.Field])
	case OpMOVReg:
		return fmt.Sprintf("%s r%d, r%d", op, inst.Reg, inst.Src)
	case OpINC, OpDEC:
		return fmt.Sprintf("%s r%d", op, inst.Reg)
	case OpJMP, OpJE, OpJNE, OpJG, OpJL:
		return fmt.Sprintf("%s L%d", op, inst.Target)
	}
	return op
}

// Emitter receives the instructions, labels and constants of a kernel as it is generated.
type Emitter interface {
	// Emit appends an instruction.
	Emit(inst Inst)

	// NewLabel returns a new unbound label.
	NewLabel() Label

	// Bind the label to the position of the next instruction emitted.
	Bind(label Label)

	// Const32 adds a float32 constant to the program and returns its memory operand.
	Const32(value float32) Mem
}

// Program is a finalized sequence of instructions, with its labels resolved.
type Program struct {
	Insts  []Inst
	Consts []byte

	// labels[l-1] is the instruction index of label l.
	labels []int
}

// LabelPosition returns the index of the instruction the label is bound to.
func (p *Program) LabelPosition(label Label) int { return p.labels[label-1] }

// Count returns the number of instructions with the opcode.
func (p *Program) Count(op Opcode) (count int) {
	for _, inst := range p.Insts {
		if inst.Op == op {
			count++
		}
	}
	return
}

// String disassembles the program.
func (p *Program) String() string {
	labelsAt := make(map[int][]Label)
	for ii, pos := range p.labels {
		labelsAt[pos] = append(labelsAt[pos], Label(ii+1))
	}
	var sb strings.Builder
	for pc := 0; pc <= len(p.Insts); pc++ {
		for _, l := range labelsAt[pc] {
			fmt.Fprintf(&sb, "L%d:\n", l)
		}
		if pc < len(p.Insts) {
			fmt.Fprintf(&sb, "%6d\t%s\n", pc, p.Insts[pc])
		}
	}
	for offset := 0; offset+4 <= len(p.Consts); offset += 4 {
		fmt.Fprintf(&sb, "const[%d]\t%g\n", offset, math.Float32frombits(binary.NativeEndian.Uint32(p.Consts[offset:])))
	}
	return sb.String()
}

// Assembler is an Emitter that builds a Program.
type Assembler struct {
	insts  []Inst
	labels []int
	consts []byte
}

// Emit implements Emitter.
func (a *Assembler) Emit(inst Inst) { a.insts = append(a.insts, inst) }

// NewLabel implements Emitter.
func (a *Assembler) NewLabel() Label {
	a.labels = append(a.labels, -1)
	return Label(len(a.labels))
}

// Bind implements Emitter.
func (a *Assembler) Bind(label Label) { a.labels[label-1] = len(a.insts) }

// Const32 implements Emitter.
func (a *Assembler) Const32(value float32) Mem {
	offset := len(a.consts)
	a.consts = binary.NativeEndian.AppendUint32(a.consts, math.Float32bits(value))
	return Mem{Seg: SegConst, Disp: offset}
}

// Program returns the finalized program. It fails if a jump targets an unbound label.
func (a *Assembler) Program() (*Program, error) {
	for pc, inst := range a.insts {
		if !inst.Op.IsJump() {
			continue
		}
		if inst.Target < 1 || int(inst.Target) > len(a.labels) || a.labels[inst.Target-1] < 0 {
			return nil, errors.Errorf("jit: instruction %d (%s) jumps to an unbound label", pc, inst)
		}
	}
	return &Program{Insts: a.insts, Consts: a.consts, labels: a.labels}, nil
}

// Instruction constructors, in assembly operand order.

func VPXORD(dst, a, b Zmm) Inst        { return Inst{Op: OpVPXORD, Dst: dst, A: a, B: b} }
func VPBROADCASTB(dst Zmm, r Reg) Inst { return Inst{Op: OpVPBROADCASTB, Dst: dst, Reg: r} }
func VPBROADCASTW(dst Zmm, r Reg) Inst { return Inst{Op: OpVPBROADCASTW, Dst: dst, Reg: r} }
func VPBROADCASTD(dst Zmm, m Mem) Inst { return Inst{Op: OpVPBROADCASTD, Dst: dst, Mem: m} }
func VPBROADCASTDReg(dst, a Zmm) Inst  { return Inst{Op: OpVPBROADCASTDReg, Dst: dst, A: a} }
func VBROADCASTSS(dst Zmm, m Mem) Inst { return Inst{Op: OpVBROADCASTSS, Dst: dst, Mem: m} }
func VPSUBB(dst, a, b Zmm) Inst        { return Inst{Op: OpVPSUBB, Dst: dst, A: a, B: b} }
func VPMAXSD(dst, a, b Zmm) Inst       { return Inst{Op: OpVPMAXSD, Dst: dst, A: a, B: b} }
func VPDPBUSD(acc, src, wei Zmm) Inst  { return Inst{Op: OpVPDPBUSD, Dst: acc, A: src, B: wei} }
func VPMADDUBSW(dst, a, b Zmm) Inst    { return Inst{Op: OpVPMADDUBSW, Dst: dst, A: a, B: b} }
func VPMADDWD(dst, a, b Zmm) Inst      { return Inst{Op: OpVPMADDWD, Dst: dst, A: a, B: b} }
func VPADDD(dst, a, b Zmm) Inst        { return Inst{Op: OpVPADDD, Dst: dst, A: a, B: b} }
func VPMULLD(dst, a, b Zmm) Inst       { return Inst{Op: OpVPMULLD, Dst: dst, A: a, B: b} }
func VCVTDQ2PS(dst, a Zmm) Inst        { return Inst{Op: OpVCVTDQ2PS, Dst: dst, A: a} }
func VADDPS(dst, a, b Zmm) Inst        { return Inst{Op: OpVADDPS, Dst: dst, A: a, B: b} }
func VMULPS(dst, a, b Zmm) Inst        { return Inst{Op: OpVMULPS, Dst: dst, A: a, B: b} }
func VMAXPS(dst, a, b Zmm) Inst        { return Inst{Op: OpVMAXPS, Dst: dst, A: a, B: b} }
func KMOVW(k Opmask, r Reg) Inst       { return Inst{Op: OpKMOVW, Mask: k, Reg: r} }

// VPINSRB inserts the byte at m into the byte idx of the lowest lane of dst, and zeroes the upper lanes.
func VPINSRB(dst Zmm, m Mem, idx int) Inst {
	return Inst{Op: OpVPINSRB, Dst: dst, Mem: m, Imm: int64(idx)}
}

// VPMOVSXBD loads 16 bytes sign-extended to 32 bits.
func VPMOVSXBD(dst Zmm, m Mem) Inst { return Inst{Op: OpVPMOVSXBD, Dst: dst, Mem: m} }

// VPMOVZXBD loads 16 bytes zero-extended to 32 bits.
func VPMOVZXBD(dst Zmm, m Mem) Inst { return Inst{Op: OpVPMOVZXBD, Dst: dst, Mem: m} }

func VMOVUPSLoad(dst Zmm, m Mem) Inst  { return Inst{Op: OpVMOVUPSLoad, Dst: dst, Mem: m} }
func VMOVUPSStore(m Mem, src Zmm) Inst { return Inst{Op: OpVMOVUPSStore, Mem: m, A: src} }

// VPMOVSDB stores the lanes narrowed to int8 with signed saturation.
func VPMOVSDB(m Mem, src Zmm) Inst { return Inst{Op: OpVPMOVSDB, Mem: m, A: src} }

// VPMOVUSDB stores the lanes narrowed to uint8 with unsigned saturation.
func VPMOVUSDB(m Mem, src Zmm) Inst { return Inst{Op: OpVPMOVUSDB, Mem: m, A: src} }

func VMULPSMem(dst, a Zmm, m Mem) Inst { return Inst{Op: OpVMULPS, Dst: dst, A: a, Mem: m} }

// VFMADD231PS computes dst += a * b.
func VFMADD231PS(dst, a Zmm, m Mem) Inst { return Inst{Op: OpVFMADD231PS, Dst: dst, A: a, Mem: m} }

// VCVTPS2DQ converts to int32 with the rounding mode given, instead of the one of the control register.
func VCVTPS2DQ(dst, a Zmm, round backends.RoundMode) Inst {
	return Inst{Op: OpVCVTPS2DQ, Dst: dst, A: a, Round: round}
}

// Masked returns the instruction restricted to the lanes of k, zeroing the others if zero is set.
func (inst Inst) Masked(k Opmask, zero bool) Inst {
	inst.Mask, inst.Zero = k, zero
	return inst
}

func MOV(r Reg, imm int64) Inst             { return Inst{Op: OpMOV, Reg: r, Imm: imm} }
func MOVParam(r Reg, field ParamField) Inst { return Inst{Op: OpMOVParam, Reg: r, Field: field} }
func MOVReg(dst, src Reg) Inst              { return Inst{Op: OpMOVReg, Reg: dst, Src: src} }
func ADD(r Reg, imm int64) Inst             { return Inst{Op: OpADD, Reg: r, Imm: imm} }
func SUB(r Reg, imm int64) Inst             { return Inst{Op: OpSUB, Reg: r, Imm: imm} }
func INC(r Reg) Inst                        { return Inst{Op: OpINC, Reg: r} }
func DEC(r Reg) Inst                        { return Inst{Op: OpDEC, Reg: r} }
func CMP(r Reg, imm int64) Inst             { return Inst{Op: OpCMP, Reg: r, Imm: imm} }
func JMP(l Label) Inst                      { return Inst{Op: OpJMP, Target: l} }
func JE(l Label) Inst                       { return Inst{Op: OpJE, Target: l} }
func JNE(l Label) Inst                      { return Inst{Op: OpJNE, Target: l} }
func JG(l Label) Inst                       { return Inst{Op: OpJG, Target: l} }
func JL(l Label) Inst                       { return Inst{Op: OpJL, Target: l} }
