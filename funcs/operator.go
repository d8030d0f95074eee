// Package funcs defines the operators: each one is a shape-inference contract plus the selection of one
// of the implementations registered in package backends.
//
// Usage of an operator:
//
//	conv := funcs.NewConv(dtypes.Float32)
//	err := conv.Init(inputs, outputs, param, funcs.SelectStatic, backends.ImplNative, ctx)
//	err = conv.Create(inputs, outputs, param, ctx)
//	for ... {
//	    err = conv.Dispatch(inputs, outputs, param)
//	}
//
// Or use Run, which re-creates the operator when the input shapes change.
//
// Implementations are only available for the backends linked in, e.g. with
// `import _ "github.com/gomlx/opkernels/backends/default"`.
package funcs

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opkernels/backends"
	"github.com/gomlx/opkernels/types/shapes"
	"github.com/gomlx/opkernels/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of an operator's implementation selection.
type State int

const (
	StateUnregistered State = iota
	StateRegistered
	StateSelected
	StatePrepared
)

var stateNames = []string{"Unregistered", "Registered", "Selected", "Prepared"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "State(?)"
	}
	return stateNames[s]
}

// SelectPolicy defines how Init chooses among the candidates.
type SelectPolicy int

const (
	// SelectStatic picks the default candidate: the first registered that supports the configuration.
	SelectStatic SelectPolicy = iota

	// SelectRuntime creates every candidate and times a few dispatches of each, picking the fastest.
	// The outputs are written while timing.
	SelectRuntime

	// SelectSpecify picks the first candidate of the requested category, without checking support beyond Init.
	SelectSpecify
)

// runtimeSelectionRuns is the number of timed dispatches per candidate for SelectRuntime.
const runtimeSelectionRuns = 3

// shapeFn computes the output shapes and metadata of an operator.
type shapeFn[P any] func(inputs, outputs []*tensors.Tensor, param *P) error

// Operator is an instance of an operator with parameters of type P, bound to one of the implementations
// registered for it.
//
// It is not safe for concurrent use. The parameters and tensors are owned by the caller.
type Operator[P any] struct {
	op         backends.OpType
	dtype      dtypes.DType
	inferShape shapeFn[P]

	state      State
	kind       backends.ImplKind
	ctx        *backends.Context
	candidates []backends.Impl[P]
	current    int

	// selectedName is the name explicitly requested with SelectImplementation, if any.
	selectedName string

	// preferred is the candidate chosen by the selection policy, re-selected after shape changes.
	preferred int

	// inputShapes seen by the last Create.
	inputShapes []shapes.Shape
}

func newOperator[P any](op backends.OpType, dtype dtypes.DType, inferShape shapeFn[P]) *Operator[P] {
	return &Operator[P]{op: op, dtype: dtype, inferShape: inferShape, current: -1}
}

// OpType of the operator.
func (o *Operator[P]) OpType() backends.OpType { return o.op }

// DType of the operator: the data type its implementations compute in.
func (o *Operator[P]) DType() dtypes.DType { return o.dtype }

// State returns the selection state.
func (o *Operator[P]) State() State { return o.state }

// Candidates returns the names of the registered candidates.
func (o *Operator[P]) Candidates() []string {
	names := make([]string, len(o.candidates))
	for ii, impl := range o.candidates {
		names[ii] = impl.Name()
	}
	return names
}

// Current returns the name of the selected implementation, or "" if none is selected.
func (o *Operator[P]) Current() string {
	if o.state < StateSelected || o.current < 0 {
		return ""
	}
	return o.candidates[o.current].Name()
}

// ComputeOutputShape sets the shape and metadata (e.g. sequence offsets) of the outputs for the given inputs
// and parameters. Only metadata is read and written.
//
// The dtype of each output is preserved if set, otherwise it is taken from the first input.
func (o *Operator[P]) ComputeOutputShape(inputs, outputs []*tensors.Tensor, param *P) error {
	if param == nil {
		return errors.Wrapf(backends.ErrInvalidValue, "%s: nil parameters", o.op)
	}
	return o.inferShape(inputs, outputs, param)
}

// RegisterImplementations populates the candidates with the implementations of the category kind
// registered for the operator, the operator dtype and the target of the context.
//
// It returns ErrUnimplemented if there are none. Previously registered candidates are discarded.
func (o *Operator[P]) RegisterImplementations(kind backends.ImplKind, ctx *backends.Context) error {
	if ctx == nil {
		return errors.Wrapf(backends.ErrInvalidValue, "%s: nil context", o.op)
	}
	candidates, err := backends.Implementations[P](o.op, ctx.Target(), o.dtype, kind)
	if err != nil {
		return err
	}
	o.candidates = candidates
	o.kind = kind
	o.ctx = ctx
	o.current, o.preferred = -1, 0
	o.state = StateRegistered
	return nil
}

// SelectImplementation commits to one of the candidates. If name is empty, the default (first candidate) is
// selected, otherwise the candidate with the given name.
//
// It returns ErrNotInitialized if no candidates were registered, and ErrUnimplemented if no candidate
// has the given name. Any prepared state is invalidated: Create must be called again.
func (o *Operator[P]) SelectImplementation(name string) error {
	if o.state < StateRegistered {
		return errors.Wrapf(backends.ErrNotInitialized, "%s: no implementations registered", o.op)
	}
	idx := 0
	if name != "" {
		idx = slices.IndexFunc(o.candidates, func(impl backends.Impl[P]) bool { return impl.Name() == name })
		if idx < 0 {
			return errors.Wrapf(backends.ErrUnimplemented, "%s: no %s implementation named %q, candidates are %v",
				o.op, o.kind, name, o.Candidates())
		}
	}
	o.selectIndex(idx, name)
	return nil
}

// selectIndex commits to the candidate idx. Only explicit choices by name disable the fallback in Create.
func (o *Operator[P]) selectIndex(idx int, name string) {
	o.selectedName = name
	o.current, o.preferred = idx, idx
	o.state = StateSelected
	klog.V(1).Infof("%s[%s]: selected implementation %q", o.op, o.dtype, o.candidates[idx].Name())
}

// Init computes the output shapes, registers the candidates of the category kind, initializes them and
// selects one according to the policy.
//
// Candidates whose Init returns ErrUnimplemented are dropped. If none remains, ErrUnimplemented is returned.
func (o *Operator[P]) Init(inputs, outputs []*tensors.Tensor, param *P, policy SelectPolicy, kind backends.ImplKind, ctx *backends.Context) error {
	if err := o.ComputeOutputShape(inputs, outputs, param); err != nil {
		return err
	}
	if err := o.RegisterImplementations(kind, ctx); err != nil {
		return err
	}
	supported := o.candidates[:0]
	var lastErr error
	for _, impl := range o.candidates {
		err := impl.Init(inputs, outputs, param, ctx)
		if err == nil {
			supported = append(supported, impl)
			continue
		}
		if !errors.Is(err, backends.ErrUnimplemented) {
			return errors.WithMessagef(err, "%s: failed to initialize implementation %q", o.op, impl.Name())
		}
		klog.V(1).Infof("%s[%s]: implementation %q doesn't support configuration: %v", o.op, o.dtype, impl.Name(), err)
		lastErr = err
	}
	o.candidates = supported
	if len(o.candidates) == 0 {
		o.state = StateUnregistered
		return errors.WithMessagef(lastErr, "%s: no %s implementation supports the configuration", o.op, kind)
	}

	switch policy {
	case SelectStatic, SelectSpecify:
		return o.SelectImplementation("")
	case SelectRuntime:
		return o.selectRuntime(inputs, outputs, param)
	}
	return errors.Wrapf(backends.ErrInvalidValue, "%s: unknown selection policy %d", o.op, policy)
}

// selectRuntime creates each candidate and times its dispatches.
func (o *Operator[P]) selectRuntime(inputs, outputs []*tensors.Tensor, param *P) error {
	if err := reallocOutputs(outputs); err != nil {
		return err
	}
	best, bestMs := -1, 0.0
	var timer backends.Timer
	for idx, impl := range o.candidates {
		if err := impl.Create(inputs, outputs, param, o.ctx); err != nil {
			klog.V(1).Infof("%s[%s]: runtime selection skipping %q: %v", o.op, o.dtype, impl.Name(), err)
			continue
		}
		timer.Clear()
		failed := false
		for range runtimeSelectionRuns {
			timer.Start()
			err := impl.Dispatch(inputs, outputs, param)
			timer.Stop()
			if err != nil {
				failed = true
				break
			}
		}
		if failed {
			continue
		}
		ms := timer.AverageMs()
		klog.V(1).Infof("%s[%s]: %q takes %.3f ms", o.op, o.dtype, impl.Name(), ms)
		if best < 0 || ms < bestMs {
			best, bestMs = idx, ms
		}
	}
	if best < 0 {
		return errors.Wrapf(backends.ErrConfiguration, "%s: no candidate could be created and dispatched", o.op)
	}
	o.selectIndex(best, "")
	return nil
}

func reallocOutputs(outputs []*tensors.Tensor) error {
	for ii, output := range outputs {
		if err := output.ReAlloc(output.Shape()); err != nil {
			return errors.WithMessagef(err, "failed to allocate output #%d", ii)
		}
	}
	return nil
}

func inputShapesOf(inputs []*tensors.Tensor) []shapes.Shape {
	shapesList := make([]shapes.Shape, len(inputs))
	for ii, input := range inputs {
		shapesList[ii] = input.Shape().Clone()
	}
	return shapesList
}

func (o *Operator[P]) shapesChanged(inputs []*tensors.Tensor) bool {
	if len(inputs) != len(o.inputShapes) {
		return true
	}
	for ii, input := range inputs {
		if !input.Shape().Equal(o.inputShapes[ii]) {
			return true
		}
	}
	return false
}

// Create re-validates the shapes (recomputing the output shapes), allocates the outputs and prepares the
// selected implementation for the current shapes. It can be called again whenever shapes change.
//
// If the selected implementation fails with ErrConfiguration (e.g. a kernel could not be generated), the
// following candidates are tried in order. If none succeeds the error is returned.
func (o *Operator[P]) Create(inputs, outputs []*tensors.Tensor, param *P, ctx *backends.Context) error {
	switch o.state {
	case StateUnregistered:
		return errors.Wrapf(backends.ErrNotInitialized, "%s: Create called before Init", o.op)
	case StateRegistered:
		if o.selectedName == "" {
			o.selectIndex(o.preferred, "")
		} else if err := o.SelectImplementation(o.selectedName); err != nil {
			return err
		}
	}
	if ctx != nil {
		o.ctx = ctx
	}
	if err := o.ComputeOutputShape(inputs, outputs, param); err != nil {
		o.state = StateSelected
		return err
	}
	if err := reallocOutputs(outputs); err != nil {
		return err
	}
	var err error
	for idx := o.current; idx < len(o.candidates); idx++ {
		impl := o.candidates[idx]
		err = impl.Create(inputs, outputs, param, o.ctx)
		if err == nil {
			if idx != o.current {
				klog.Warningf("%s[%s]: falling back from %q to %q", o.op, o.dtype, o.candidates[o.current].Name(), impl.Name())
				o.current = idx
			}
			o.inputShapes = inputShapesOf(inputs)
			o.state = StatePrepared
			return nil
		}
		if !errors.Is(err, backends.ErrConfiguration) || o.selectedName != "" {
			break
		}
		klog.Warningf("%s[%s]: implementation %q can't be created: %v", o.op, o.dtype, impl.Name(), err)
	}
	o.state = StateSelected
	return err
}

// Dispatch executes the operator. It can only be called after a successful Create, otherwise it returns
// ErrNotInitialized.
//
// If the input shapes changed since Create, it returns ErrShapeMismatch and the operator returns to the
// Registered state: Create must be called again (or use Run).
func (o *Operator[P]) Dispatch(inputs, outputs []*tensors.Tensor, param *P) error {
	if o.state != StatePrepared {
		return errors.Wrapf(backends.ErrNotInitialized, "%s: Dispatch called in state %s, Create must be called first", o.op, o.state)
	}
	if o.shapesChanged(inputs) {
		o.state = StateRegistered
		return errors.Wrapf(backends.ErrShapeMismatch, "%s: input shapes changed from %v since Create", o.op, o.inputShapes)
	}
	return o.candidates[o.current].Dispatch(inputs, outputs, param)
}

// Run is the callable form of the operator: it re-creates the operator if needed (e.g. the input shapes
// changed) and dispatches it. Init must have been called.
func (o *Operator[P]) Run(inputs, outputs []*tensors.Tensor, param *P, ctx *backends.Context) error {
	if o.state == StateUnregistered {
		return errors.Wrapf(backends.ErrNotInitialized, "%s: Run called before Init", o.op)
	}
	if o.state != StatePrepared || o.shapesChanged(inputs) {
		if err := o.Create(inputs, outputs, param, ctx); err != nil {
			return err
		}
	}
	return o.candidates[o.current].Dispatch(inputs, outputs, param)
}

// setOutput sets the shape of output keeping its dtype, if set.
func setOutput(output *tensors.Tensor, shape shapes.Shape) error {
	if dtype := output.DType(); dtype != dtypes.InvalidDType {
		shape = shape.WithDType(dtype)
	}
	return output.SetShape(shape)
}

func checkArity(op backends.OpType, inputs, outputs []*tensors.Tensor, minInputs, maxInputs, numOutputs int) error {
	if len(inputs) < minInputs || len(inputs) > maxInputs {
		return errors.Wrapf(backends.ErrInvalidValue, "%s takes %d to %d inputs, got %d", op, minInputs, maxInputs, len(inputs))
	}
	if len(outputs) != numOutputs {
		return errors.Wrapf(backends.ErrInvalidValue, "%s takes %d outputs, got %d", op, numOutputs, len(outputs))
	}
	for ii, input := range inputs {
		if input == nil {
			return errors.Wrapf(backends.ErrInvalidValue, "%s: input #%d is nil", op, ii)
		}
	}
	for ii, output := range outputs {
		if output == nil {
			return errors.Wrapf(backends.ErrInvalidValue, "%s: output #%d is nil", op, ii)
		}
	}
	return nil
}
