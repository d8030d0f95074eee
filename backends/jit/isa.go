package jit

import (
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/cpu"
	"k8s.io/klog/v2"
)

// ISA selects the instructions used for the int8 multiply-accumulate of the kernels.
type ISA int

const (
	// ISAEmulated decomposes the multiply-accumulate into vpmaddubsw+vpmaddwd+vpaddd.
	// Weights are halved to keep the int16 pair sums of vpmaddubsw from saturating.
	ISAEmulated ISA = iota

	// ISAVNNI uses the native dot-product instruction vpdpbusd.
	ISAVNNI
)

// String implements fmt.Stringer.
func (isa ISA) String() string {
	switch isa {
	case ISAEmulated:
		return "emulated"
	case ISAVNNI:
		return "vnni"
	}
	return "ISA(?)"
}

// ISAEnv is the environment variable that overrides the detected ISA: "vnni" or "emulated".
// It is read only once, on the first call to DetectISA.
const ISAEnv = "OPKERNELS_JIT_ISA"

// DetectISA returns the ISA of the host, or the one configured with ISAEnv.
// The result is probed once and never changes afterward.
var DetectISA = sync.OnceValue(func() ISA {
	if value, found := os.LookupEnv(ISAEnv); found {
		switch strings.ToLower(value) {
		case "vnni":
			return ISAVNNI
		case "emulated":
			return ISAEmulated
		default:
			klog.Warningf("%s=%q unknown, valid values are \"vnni\" and \"emulated\": detecting ISA instead", ISAEnv, value)
		}
	}
	isa := ISAEmulated
	if cpu.X86.HasAVX512VNNI {
		isa = ISAVNNI
	}
	klog.V(1).Infof("jit: using %s ISA", isa)
	return isa
})
