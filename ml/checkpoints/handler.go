package checkpoints

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/paxgo/pax/ml/nested"
	"github.com/paxgo/pax/ml/partitioning"
	"github.com/paxgo/pax/ml/states"
)

// Format selects the on-disk checkpoint layout. It is a tagged variant
// chosen once, at handler construction: each format implements the same
// {Save, Restore, Structure} capability set with its own layout and
// compatibility rules.
type Format int

const (
	// FormatUnknown is the zero value; using it is an error.
	FormatUnknown Format = iota

	// FormatSharded is the native layout: one artifact per unmasked leaf
	// plus per-leaf sharding metadata, suited to large device-sharded
	// state written by many processes.
	FormatSharded

	// FormatFlat is the legacy layout: the whole state flattened into one
	// aggregate file, together with its serialized structural descriptor.
	FormatFlat
)

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case FormatSharded:
		return "sharded"
	case FormatFlat:
		return "flat"
	default:
		return "unknown"
	}
}

// RestoreArgs carries the per-restore inputs shared by the handlers.
type RestoreArgs struct {
	// Mesh is the device mesh to place restored leaves on. Optional.
	Mesh *partitioning.Mesh

	// Specs is the desired sharding of each leaf over Mesh, with the same
	// tree structure as the target TrainState. Optional.
	Specs *nested.Tree[partitioning.Spec]

	// EnforceShapeCheck makes restore fail with a ShapeMismatchError if
	// any leaf's on-disk shape differs from the target's. When false, the
	// restore adopts the checkpoint's on-disk shape instead -- used when
	// resuming after a batch-size or padding change.
	EnforceShapeCheck bool
}

// Handler is the format-specific save/restore strategy. Implementations:
// ShardedHandler and FlatHandler.
//
// The version argument is mandatory on Save and Restore: handlers make
// version-dependent layout decisions by name at the top of each call, and
// reject version == 0 with ErrMissingVersion before any I/O.
type Handler interface {
	// Save writes state into directory, which the caller (normally the
	// Manager, for atomicity) has already created.
	Save(directory string, state *states.TrainState, version float64, specs *nested.Tree[partitioning.Spec]) error

	// Restore reads the checkpoint in directory and rebuilds a fresh
	// TrainState shaped like target. Masked positions of the target are
	// never read from storage.
	Restore(directory string, target *states.TrainState, version float64, args *RestoreArgs) (*states.TrainState, error)

	// Structure returns the stored tree structure with placeholder leaves
	// (no shape information is guaranteed). It works even against
	// checkpoints that predate aggregate descriptors, by degrading to
	// directory-layout inference.
	Structure(directory string) (*nested.Tree[string], error)
}

// NewHandler returns the Handler for the given format, or
// ErrUnsupportedFormat -- at call time, before any I/O.
func NewHandler(format Format, opts ...ShardedOption) (Handler, error) {
	switch format {
	case FormatSharded:
		return NewShardedHandler(opts...), nil
	case FormatFlat:
		return NewFlatHandler(), nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "checkpoint format %d", int(format))
	}
}

// LeafPlaceholder is the leaf value used by Structure queries: the stored
// leaf's presence is known, its shape is not.
const LeafPlaceholder = "?"

// structureFromNames synthesizes a structure tree from the stored dotted
// leaf names alone, nesting on the name separator.
func structureFromNames(names []string) *nested.Tree[string] {
	root := nested.Branch[string]()
	for _, name := range names {
		parts := strings.Split(name, nested.KeySeparator)
		node := root
		for _, part := range parts[:len(parts)-1] {
			child := node.Get(part)
			if child == nil {
				child = nested.Branch[string]()
				node.Set(part, child)
			}
			node = child
		}
		node.Set(parts[len(parts)-1], nested.Leaf(LeafPlaceholder))
	}
	return root
}
