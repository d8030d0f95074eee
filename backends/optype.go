package backends

// OpType is an enum of the operators supported by the library.
type OpType int

const (
	OpTypeInvalid OpType = iota
	OpTypeConv
	OpTypeDeconv
	OpTypePooling
	OpTypeConcat
	OpTypeTopKPooling
	OpTypeSequenceConcat
	OpTypeBatchGemm

	// OpTypeLast should always be kept the last, it is used as a counter/marker for OpType.
	OpTypeLast
)

var opTypeNames = []string{"Invalid", "Conv", "Deconv", "Pooling", "Concat", "TopKPooling", "SequenceConcat",
	"BatchGemm", "Last"}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if op < 0 || op > OpTypeLast {
		return "OpType(?)"
	}
	return opTypeNames[op]
}

// ImplKind is the implementation category: implementations supplied by (or wrapping) a vendor library,
// or native implementations of this library.
type ImplKind int

const (
	ImplVendor ImplKind = iota
	ImplNative
)

// String implements fmt.Stringer.
func (k ImplKind) String() string {
	switch k {
	case ImplVendor:
		return "vendor"
	case ImplNative:
		return "native"
	}
	return "ImplKind(?)"
}
