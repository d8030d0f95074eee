package jit

import (
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CallParams is the parameter block of one invocation of a kernel, computing one output row of one output
// channel block group (or channel block, for depthwise convolutions).
//
// The buffers are the whole tensors, and the offsets (in bytes) point to the first element the tile uses.
type CallParams struct {
	Src, Dst, Filt, Bias, Comp, Scales []byte

	SrcOffset, DstOffset, FiltOffset     int
	BiasOffset, CompOffset, ScalesOffset int

	// KhPadding is the number of kernel rows inside the input, TOverflow and BOverflow the number of
	// kernel rows in the top and bottom paddings.
	KhPadding, TOverflow, BOverflow int

	// OcBlocks is the index of the first output channel block of the tile.
	OcBlocks int
}

// Kernel is a generated convolution kernel. It is immutable and safe for concurrent use.
type Kernel struct {
	Desc    ConvDesc
	Program *Program

	// TailMask selects the valid channels of the last output channel block, or 0 if all blocks are full.
	TailMask uint16

	// ID identifies the kernel in logs.
	ID uuid.UUID

	conf *conf
}

// Generate returns the kernel for the descriptor, or an error wrapping backends.ErrConfiguration if it
// can't be generated.
func Generate(desc ConvDesc) (*Kernel, error) {
	c, err := initConf(desc)
	if err != nil {
		return nil, err
	}
	asm := &Assembler{}
	g := &generator{c: c, e: asm}
	if err = exceptions.TryCatch[error](g.generate); err != nil {
		return nil, errors.WithMessagef(err, "jit: generating kernel for %s", c.desc)
	}
	prog, err := asm.Program()
	if err != nil {
		return nil, err
	}
	k := &Kernel{Desc: c.desc, Program: prog, ID: uuid.New(), conf: c}
	if tail := c.ocTail(); tail != 0 {
		k.TailMask = uint16(1)<<tail - 1
	}
	klog.V(1).Infof("jit: generated kernel %s for %s: %d instructions, ur_w=%d, nb_oc_blocking=%d",
		k.ID, c.desc, len(prog.Insts), c.urW, c.nbOCBlocking)
	if klog.V(2).Enabled() {
		klog.Infof("jit: kernel %s:\n%s", k.ID, prog)
	}
	return k, nil
}

// Run executes the kernel for one tile. It only writes to p.Dst, and it can be called concurrently for
// disjoint tiles.
func (k *Kernel) Run(p *CallParams) error {
	m := &machine{params: p}
	m.segs[SegSrc] = p.Src
	m.segs[SegDst] = p.Dst
	m.segs[SegFilt] = p.Filt
	m.segs[SegBias] = p.Bias
	m.segs[SegComp] = p.Comp
	m.segs[SegScales] = p.Scales
	m.segs[SegConst] = k.Program.Consts
	err := exceptions.TryCatch[error](func() { m.run(k.Program) })
	if err != nil {
		return errors.WithMessagef(err, "jit: running kernel %s", k.ID)
	}
	return nil
}

// URW returns the number of output columns computed per unrolled tile.
func (k *Kernel) URW() int { return k.conf.urW }

// OCBlocking returns the number of output channel blocks computed per invocation.
func (k *Kernel) OCBlocking() int { return k.conf.nbOCBlocking }
