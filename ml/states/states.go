// Package states defines TrainState, the full persisted/restorable training
// state: a step counter, model variables and optimizer state, each a nested
// tree of leaves.
//
// A leaf (Value) is one of:
//
//   - *tensors.Tensor: concrete data;
//   - shapes.Shape: a shape-and-dtype-only leaf, used by restore targets to
//     describe what is expected without holding data;
//   - Masked: a structurally present but data-absent position (e.g. an
//     optimizer slot unused for a given parameter). Masked leaves carry no
//     data and are never written to or read from storage.
//
// The tree shape of a TrainState is stable across save/restore for a given
// configuration: leaves are replaced wholesale by the optimizer step, never
// mutated in place.
package states

import (
	"github.com/pkg/errors"

	"github.com/paxgo/pax/ml/nested"
	"github.com/paxgo/pax/types/shapes"
	"github.com/paxgo/pax/types/tensors"
)

// Value is a leaf of a TrainState tree. See the package documentation for
// the three implementations.
type Value interface {
	Shape() shapes.Shape
}

// Masked is the sentinel leaf marking a structurally-present,
// semantically-absent position. Its shape is invalid: masked leaves carry
// no data.
type Masked struct{}

// Shape implements Value. A masked leaf has no shape.
func (Masked) Shape() shapes.Shape { return shapes.Invalid() }

// String implements fmt.Stringer.
func (Masked) String() string { return "Masked" }

// IsMasked reports whether the leaf is the masked placeholder.
// It is the predicate threaded through the checkpoint flatten/unflatten
// passes; other "phantom leaf" kinds can supply their own predicate without
// touching those passes.
func IsMasked(v Value) bool {
	_, ok := v.(Masked)
	return ok
}

// Tree keys of the TrainState root. They are part of the on-disk naming
// protocol: leaf names derive from them (e.g. `mdl_vars.layer1.w`).
const (
	KeyStep      = "step"
	KeyMdlVars   = "mdl_vars"
	KeyOptStates = "opt_states"
)

// TrainState holds the step counter, the model variables and the optimizer
// state. Leaves are Values; a TrainState whose leaves are all shapes.Shape
// is a "shape struct", the target description used for restores.
type TrainState struct {
	// Step is a scalar integer tensor (possibly replicated across workers),
	// or its shape in a shape struct.
	Step Value

	MdlVars   *nested.Tree[Value]
	OptStates *nested.Tree[Value]
}

// New creates a TrainState at the given step.
func New(step int64, mdlVars, optStates *nested.Tree[Value]) *TrainState {
	return &TrainState{
		Step:      tensors.FromScalar(step),
		MdlVars:   mdlVars,
		OptStates: optStates,
	}
}

// Tree returns the TrainState as a single nested tree rooted at
// {mdl_vars, opt_states, step}. The subtrees are shared, not copied.
func (s *TrainState) Tree() *nested.Tree[Value] {
	return nested.Branch[Value]().
		Set(KeyStep, nested.Leaf(s.Step)).
		Set(KeyMdlVars, s.MdlVars).
		Set(KeyOptStates, s.OptStates)
}

// FromTree rebuilds a TrainState from a tree with the root layout produced
// by TrainState.Tree.
func FromTree(tree *nested.Tree[Value]) (*TrainState, error) {
	if tree == nil || tree.IsLeaf() {
		return nil, errors.Errorf("TrainState tree must be a branch with keys %q, %q and %q",
			KeyStep, KeyMdlVars, KeyOptStates)
	}
	stepNode := tree.Get(KeyStep)
	if stepNode == nil || !stepNode.IsLeaf() {
		return nil, errors.Errorf("TrainState tree is missing the %q leaf", KeyStep)
	}
	mdlVars := tree.Get(KeyMdlVars)
	optStates := tree.Get(KeyOptStates)
	if mdlVars == nil || optStates == nil {
		return nil, errors.Errorf("TrainState tree is missing %q or %q", KeyMdlVars, KeyOptStates)
	}
	return &TrainState{
		Step:      stepNode.Value(),
		MdlVars:   mdlVars,
		OptStates: optStates,
	}, nil
}

// StepValue collapses the (possibly replicated) step leaf down to a single
// scalar. A fully-replicated step arrives as a rank-1 tensor with one entry
// per worker; all entries are the same, the first is taken.
func (s *TrainState) StepValue() (int64, error) {
	stepT, ok := s.Step.(*tensors.Tensor)
	if !ok {
		return 0, errors.Errorf("TrainState.Step is %T, cannot read a step value from it", s.Step)
	}
	if stepT.Shape().Rank() > 1 {
		return 0, errors.Errorf("TrainState.Step has unexpected shape %s, wanted a scalar "+
			"or a per-worker replicated vector", stepT.Shape())
	}
	var value int64
	var err error
	stepT.ConstFlatData(func(flat any) {
		switch typed := flat.(type) {
		case []int64:
			value = typed[0]
		case []int32:
			value = int64(typed[0])
		default:
			err = errors.Errorf("step tensor has dtype %s, wanted an integer", stepT.DType())
		}
	})
	return value, err
}

// ShapeStruct returns a new TrainState with every leaf replaced by its
// shape (masked leaves stay masked): the restore-target form.
func (s *TrainState) ShapeStruct() *TrainState {
	toShape := func(v Value) Value {
		if IsMasked(v) {
			return Masked{}
		}
		return v.Shape()
	}
	return &TrainState{
		Step:      toShape(s.Step),
		MdlVars:   nested.Map(s.MdlVars, toShape),
		OptStates: nested.Map(s.OptStates, toShape),
	}
}

// ValueEqual compares two leaves: masked leaves compare as masked (not by
// any sentinel content), tensors by shape and data, shapes structurally.
func ValueEqual(a, b Value) bool {
	if IsMasked(a) || IsMasked(b) {
		return IsMasked(a) && IsMasked(b)
	}
	switch typedA := a.(type) {
	case *tensors.Tensor:
		typedB, ok := b.(*tensors.Tensor)
		return ok && typedA.Equal(typedB)
	case shapes.Shape:
		typedB, ok := b.(shapes.Shape)
		return ok && typedA.Equal(typedB)
	}
	return false
}

// Equal compares two TrainStates leaf-for-leaf.
func (s *TrainState) Equal(other *TrainState) bool {
	if s == nil || other == nil {
		return s == other
	}
	return ValueEqual(s.Step, other.Step) &&
		nested.Equal(s.MdlVars, other.MdlVars, ValueEqual) &&
		nested.Equal(s.OptStates, other.OptStates, ValueEqual)
}
