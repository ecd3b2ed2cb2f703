package checkpoints

import (
	"github.com/pkg/errors"

	"github.com/paxgo/pax/ml/nested"
	"github.com/paxgo/pax/ml/partitioning"
	"github.com/paxgo/pax/ml/states"
)

// MaskedPredicate classifies a leaf as a phantom (data-absent) position.
// It is injectable so other phantom leaf kinds can be introduced without
// touching the flatten/unflatten passes. The default is states.IsMasked.
type MaskedPredicate func(states.Value) bool

// prepareLeaves flattens a TrainState for storage: masked leaves are
// dropped, and values, dotted names and (when given) sharding specs are
// filtered consistently, preserving positional correspondence.
//
// specs, when not nil, must have the same tree structure as state.Tree().
func prepareLeaves(state *states.TrainState, specs *nested.Tree[partitioning.Spec], isMasked MaskedPredicate) (
	leaves []states.Value, names []string, flatSpecs []partitioning.Spec, err error) {
	allNames, allLeaves := nested.FlattenWithNames(state.Tree(), "")

	var allSpecs []partitioning.Spec
	if specs != nil {
		allSpecs, _ = nested.Flatten(specs)
		if len(allSpecs) != len(allLeaves) {
			return nil, nil, nil, structuralMismatchf(
				"sharding specs tree has %d leaves, train state has %d", len(allSpecs), len(allLeaves))
		}
		flatSpecs = make([]partitioning.Spec, 0, len(allSpecs))
	}
	leaves = make([]states.Value, 0, len(allLeaves))
	names = make([]string, 0, len(allNames))
	// Sanitization maps several raw keys to the same name, and the sharded
	// layout addresses stored leaves by name: collisions must fail loudly
	// instead of letting one leaf overwrite another.
	seen := make(map[string]bool, len(allNames))
	for ii, leaf := range allLeaves {
		if isMasked(leaf) {
			continue
		}
		name := allNames[ii]
		if seen[name] {
			return nil, nil, nil, errors.Errorf(
				"two leaves share the name %q after key sanitization; rename the colliding keys", name)
		}
		seen[name] = true
		leaves = append(leaves, leaf)
		names = append(names, name)
		if allSpecs != nil {
			flatSpecs = append(flatSpecs, allSpecs[ii])
		}
	}
	return
}

// reconstruct rebuilds a full TrainState from the flat restored values,
// reinserting the masked sentinel at every position the target marks as
// masked. The target's structure alone decides where sentinels belong:
// nothing is read from storage for them.
func reconstruct(target *states.TrainState, restored []states.Value, isMasked MaskedPredicate) (*states.TrainState, error) {
	targetLeaves, targetDef := nested.Flatten(target.Tree())
	full := make([]states.Value, 0, len(targetLeaves))
	next := 0
	for _, leaf := range targetLeaves {
		if isMasked(leaf) {
			full = append(full, states.Masked{})
			continue
		}
		if next >= len(restored) {
			return nil, structuralMismatchf(
				"restored checkpoint has %d values, target expects %d unmasked leaves",
				len(restored), len(targetLeaves)-countMasked(targetLeaves, isMasked))
		}
		full = append(full, restored[next])
		next++
	}
	if next != len(restored) {
		return nil, structuralMismatchf(
			"restored checkpoint has %d values, target consumed only %d -- masked-leaf positions disagree",
			len(restored), next)
	}
	tree, err := nested.Unflatten(targetDef, full)
	if err != nil {
		return nil, &StructuralMismatchError{Details: err.Error()}
	}
	return states.FromTree(tree)
}

func countMasked(leaves []states.Value, isMasked MaskedPredicate) int {
	count := 0
	for _, leaf := range leaves {
		if isMasked(leaf) {
			count++
		}
	}
	return count
}
