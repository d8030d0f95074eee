package backends

import (
	"cmp"
	"fmt"
	"maps"
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
)

// Capability describes one registered implementation: which operator, target, operator dtype and
// category it serves, and the type of the parameter object it requires.
type Capability struct {
	Op        OpType
	Target    Target
	DType     dtypes.DType
	Kind      ImplKind
	Name      string
	ParamType reflect.Type
}

// String implements fmt.Stringer.
func (c Capability) String() string {
	return fmt.Sprintf("%s/%s/%s/%s: %s(%s)", c.Op, c.Target, c.DType, c.Kind, c.Name, c.ParamType)
}

func (c Capability) compare(c2 Capability) int {
	return cmp.Or(
		cmp.Compare(c.Op, c2.Op),
		cmp.Compare(c.Target, c2.Target),
		cmp.Compare(c.DType, c2.DType),
		cmp.Compare(c.Kind, c2.Kind))
}

// Capabilities holds mappings of what is supported for a target.
type Capabilities struct {
	// Operations supported.
	// If not listed, it's assumed to be false, hence not supported.
	Operations map[OpType]bool

	// DTypes list the operator data types supported.
	// If not listed, it's assumed to be false, hence not supported.
	DTypes map[dtypes.DType]bool

	// Kinds lists the implementation categories with at least one implementation.
	Kinds map[ImplKind]bool
}

// CapabilitiesFor collects the Capabilities of the registered implementations for the target.
func CapabilitiesFor(target Target) Capabilities {
	c := Capabilities{
		Operations: make(map[OpType]bool),
		DTypes:     make(map[dtypes.DType]bool),
		Kinds:      make(map[ImplKind]bool),
	}
	for _, capability := range RegisteredCapabilities() {
		if capability.Target != target {
			continue
		}
		c.Operations[capability.Op] = true
		c.DTypes[capability.DType] = true
		c.Kinds[capability.Kind] = true
	}
	return c
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	var c2 Capabilities
	c2.Operations = maps.Clone(c.Operations)
	c2.DTypes = maps.Clone(c.DTypes)
	c2.Kinds = maps.Clone(c.Kinds)
	return c2
}
