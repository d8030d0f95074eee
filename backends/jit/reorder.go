package jit

import (
	"math"
	"unsafe"

	"github.com/pkg/errors"
)

// bytesOf returns the memory of the slice as bytes, without copying.
func bytesOf[T int8 | uint8 | int32 | float32](values []T) []byte {
	if len(values) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(values))), len(values)*int(unsafe.Sizeof(zero)))
}

// WeightsAdjustment is the factor applied to the weights by ReorderWeights: the output scales of the
// kernel must be divided by it.
func (k *Kernel) WeightsAdjustment() float32 { return k.conf.weiAdjScale }

// ReorderWeights converts int8 weights in the layout [Groups*OC, IC, KH, KW] to the blocked layout read by
// the kernel, zero-padding the channels to the blocks. Weights are multiplied by WeightsAdjustment.
//
// If the kernel shifts signed inputs to unsigned, it also returns the compensation of each output channel
// (-128 times the sum of its weights, indexed by group*OC + oc), otherwise comp is nil.
func (k *Kernel) ReorderWeights(weights []int8) (blocked []int8, comp []int32, err error) {
	c, d := k.conf, k.Desc
	if want := d.Groups * d.OC * d.IC * d.KH * d.KW; len(weights) != want {
		return nil, nil, errors.Errorf("jit: ReorderWeights got %d weights, wanted %d for %s", len(weights), want, d)
	}
	adjust := func(w int8) int8 {
		if c.weiAdjScale == 1 {
			return w
		}
		return int8(math.Round(float64(w) * float64(c.weiAdjScale)))
	}
	blocked = make([]int8, c.weightsSize())
	if c.signedShift {
		comp = make([]int32, d.Groups*d.OC)
	}
	spatial := d.KH * d.KW
	for g := range d.Groups {
		for oc := range d.OC {
			var sum int32
			for ic := range d.IC {
				for y := range d.KH {
					for x := range d.KW {
						w := adjust(weights[((g*d.OC+oc)*d.IC+ic)*spatial+y*d.KW+x])
						sum += int32(w)
						var idx int
						if c.isDw {
							idx = ((g/c.chBlock*d.KH+y)*d.KW+x)*c.chBlock + g%c.chBlock
						} else {
							ocb, o := oc/c.ocBlock, oc%c.ocBlock
							icb, i := ic/c.icBlock, ic%c.icBlock
							idx = ((((g*c.nbOC+ocb)*c.nbIC+icb)*d.KH+y)*d.KW+x)*c.icBlock*c.ocBlock +
								(i/4)*4*c.ocBlock + o*4 + i%4
						}
						blocked[idx] = w
					}
				}
			}
			if comp != nil {
				comp[g*d.OC+oc] = -128 * sum
			}
		}
	}
	return blocked, comp, nil
}
