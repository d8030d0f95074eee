// Package backends defines the pieces shared by every operator implementation: the execution Target,
// the implementation categories (ImplKind), the parameter objects, the execution Context, the error
// taxonomy and the registry of implementations.
//
// Each backend package (simplego, gonumblas, mobile, jit) registers its implementations during
// initialization, keyed by (OpType, Target, DType, ImplKind), with Register. The operators in package
// funcs then instantiate the candidates for a key with Implementations and select one of them.
//
// Import the backends you want to make available, e.g.:
//
//	import _ "github.com/gomlx/opkernels/backends/default"
package backends

import (
	"cmp"
	"fmt"
	"reflect"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opkernels/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"
)

// Target is the execution target of an implementation.
type Target int

const (
	TargetInvalid Target = iota

	// X86 is a general CPU with vector extensions.
	X86

	// ARM is a mobile CPU.
	ARM

	// NV is an NVidia GPU.
	NV

	// AMD is an AMD GPU.
	AMD
)

var targetNames = []string{"invalid", "x86", "arm", "nv", "amd"}

// String implements fmt.Stringer.
func (t Target) String() string {
	if t < 0 || int(t) >= len(targetNames) {
		return fmt.Sprintf("Target(%d)", int(t))
	}
	return targetNames[t]
}

// ParseTarget converts a target name (as returned by Target.String) to a Target.
func ParseTarget(name string) (Target, error) {
	idx := slices.Index(targetNames, strings.ToLower(name))
	if idx <= 0 {
		return TargetInvalid, errors.Wrapf(ErrInvalidValue, "unknown target %q, valid targets are %v", name, targetNames[1:])
	}
	return Target(idx), nil
}

// DefaultTarget is the CPU target of the host.
func DefaultTarget() Target {
	if runtime.GOARCH == "arm64" && cpu.ARM64.HasASIMD {
		return ARM
	}
	return X86
}

// Impl is one concrete implementation of an operator with parameters of type P.
//
// The lifecycle is: Init once (store references, check support), Create whenever shapes change
// (allocate workspace, generate kernels), and Dispatch any number of times.
// An implementation instance is owned by one operator instance, and it's not safe for concurrent use.
type Impl[P any] interface {
	// Name of the implementation, unique among the implementations of the same operator.
	Name() string

	// Init prepares the implementation for the given inputs/outputs and parameters.
	// It returns ErrUnimplemented (wrapped) if the configuration is not supported.
	Init(inputs, outputs []*tensors.Tensor, param *P, ctx *Context) error

	// Create (re)allocates workspace for the current shapes. It must be idempotent.
	Create(inputs, outputs []*tensors.Tensor, param *P, ctx *Context) error

	// Dispatch executes the operator on the values of the tensors.
	Dispatch(inputs, outputs []*tensors.Tensor, param *P) error
}

// Constructor of a new implementation instance.
type Constructor[P any] func() Impl[P]

// GemmImpl is an implementation of batched matrix multiplication of float32 row-major matrices:
// for each batch b, C[b] = alpha * op(A[b]) * op(B[b]) + beta * C[b], where op transposes the operand
// if the corresponding flag given to Init is set.
//
// A (after op) is m x k, B (after op) is k x n and C is m x n.
type GemmImpl interface {
	// Name of the implementation.
	Name() string

	// Init configures the transposition of the operands and the maximum batch size.
	Init(transA, transB bool, maxBatch int, ctx *Context) error

	// DispatchBatched multiplies independent matrices given per batch.
	DispatchBatched(alpha, beta float32, a, b [][]float32, m, n, k int, c [][]float32, batch int) error

	// DispatchStrided multiplies matrices stored contiguously: batch i of A starts at i*m*k,
	// of B at i*k*n and of C at i*m*n.
	DispatchStrided(alpha, beta float32, a, b []float32, m, n, k int, c []float32, batch int) error
}

// GemmConstructor of a new GemmImpl instance.
type GemmConstructor func() GemmImpl

type registryKey struct {
	op     OpType
	target Target
	dtype  dtypes.DType
	kind   ImplKind
}

type registration struct {
	capability  Capability
	priority    Priority
	constructor any
}

// Priority of a registration: among the implementations registered for the same key, the higher priorities
// come first, and hence are preferred by the default selection. Equal priorities keep the registration order.
type Priority int

const (
	// PriorityGeneric is for portable implementations, that serve as fallback.
	PriorityGeneric Priority = 0

	// PriorityTyped is for implementations specialized for the dtype.
	PriorityTyped Priority = 10

	// PriorityArch is for implementations specialized for the hardware, e.g. generated code.
	PriorityArch Priority = 20
)

var (
	muRegistry sync.Mutex
	registry   = make(map[registryKey][]registration)
)

func register(capability Capability, priority Priority, constructor any) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	key := registryKey{capability.Op, capability.Target, capability.DType, capability.Kind}
	regs := append(registry[key], registration{capability: capability, priority: priority, constructor: constructor})
	slices.SortStableFunc(regs, func(a, b registration) int { return cmp.Compare(b.priority, a.priority) })
	registry[key] = regs
}

func lookup(op OpType, target Target, dtype dtypes.DType, kind ImplKind) ([]registration, error) {
	muRegistry.Lock()
	regs := slices.Clone(registry[registryKey{op, target, dtype, kind}])
	muRegistry.Unlock()
	if len(regs) == 0 {
		return nil, errors.Wrapf(ErrUnimplemented, "no %s implementation of %s for target %s and dtype %s",
			kind, op, target, dtype)
	}
	return regs, nil
}

// Register an implementation constructor for the operator op on target, for operators with data type
// dtype and for the implementation category kind.
//
// Implementations with higher priority, and then the ones registered first, are preferred by the default
// selection. Call Register during package initialization.
func Register[P any](op OpType, target Target, dtype dtypes.DType, kind ImplKind, priority Priority, name string, constructor Constructor[P]) {
	register(Capability{
		Op: op, Target: target, DType: dtype, Kind: kind, Name: name,
		ParamType: reflect.TypeFor[P](),
	}, priority, constructor)
}

// RegisterGemm registers a batched matrix multiplication implementation for float32.
func RegisterGemm(target Target, kind ImplKind, priority Priority, name string, constructor GemmConstructor) {
	register(Capability{
		Op: OpTypeBatchGemm, Target: target, DType: dtypes.Float32, Kind: kind, Name: name,
		ParamType: reflect.TypeFor[GemmImpl](),
	}, priority, constructor)
}

// Implementations returns new instances of the implementations registered for the key, in registration order.
//
// It returns ErrUnimplemented if there are none.
func Implementations[P any](op OpType, target Target, dtype dtypes.DType, kind ImplKind) ([]Impl[P], error) {
	regs, err := lookup(op, target, dtype, kind)
	if err != nil {
		return nil, err
	}
	impls := make([]Impl[P], 0, len(regs))
	for _, reg := range regs {
		constructor, ok := reg.constructor.(Constructor[P])
		if !ok {
			return nil, errors.Wrapf(ErrInvalidValue, "implementation %q of %s takes parameters %s, not %s",
				reg.capability.Name, op, reg.capability.ParamType, reflect.TypeFor[P]())
		}
		impls = append(impls, constructor())
	}
	return impls, nil
}

// GemmImplementations returns new instances of the batched matrix multiplications registered for the
// target and category, in registration order.
//
// It returns ErrUnimplemented if there are none.
func GemmImplementations(target Target, kind ImplKind) ([]GemmImpl, error) {
	regs, err := lookup(OpTypeBatchGemm, target, dtypes.Float32, kind)
	if err != nil {
		return nil, err
	}
	impls := make([]GemmImpl, 0, len(regs))
	for _, reg := range regs {
		impls = append(impls, reg.constructor.(GemmConstructor)())
	}
	return impls, nil
}

// RegisteredCapabilities lists the capability of every registered implementation, sorted by
// operator, target, dtype and category, and then registration order.
func RegisteredCapabilities() []Capability {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	var caps []Capability
	for _, regs := range registry {
		for _, reg := range regs {
			caps = append(caps, reg.capability)
		}
	}
	slices.SortStableFunc(caps, func(a, b Capability) int {
		return a.compare(b)
	})
	return caps
}
