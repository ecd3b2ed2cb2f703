package checkpoints

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/paxgo/pax/ml/nested"
	"github.com/paxgo/pax/ml/partitioning"
	"github.com/paxgo/pax/ml/states"
	"github.com/paxgo/pax/types/tensors"
)

// FlatAggregateName is the default base name of the legacy aggregate file
// inside a checkpoint step directory.
const FlatAggregateName = "checkpoint"

// FlatHandler is the legacy single-file strategy: the whole state is
// flattened into one aggregate gob stream, prefixed by a textual signature of
// the tree structure. Masked leaves keep their position in the stream as
// data-less marker records, so the record sequence always mirrors the full
// tree.
//
// It exists for reading old checkpoints and for small single-host state;
// new multi-process checkpoints should use the sharded layout.
type FlatHandler struct {
	aggregateName string
	isMasked      MaskedPredicate
}

// NewFlatHandler returns a FlatHandler with the default aggregate file name.
func NewFlatHandler() *FlatHandler {
	return &FlatHandler{aggregateName: FlatAggregateName, isMasked: states.IsMasked}
}

// AggregateName changes the base name of the aggregate file. It returns the
// handler for chaining and must be called before any Save/Restore.
func (h *FlatHandler) AggregateName(name string) *FlatHandler {
	h.aggregateName = name
	return h
}

// MaskedPredicate overrides the phantom-leaf predicate. It returns the
// handler for chaining and must be called before any Save/Restore.
func (h *FlatHandler) MaskedPredicate(pred MaskedPredicate) *FlatHandler {
	h.isMasked = pred
	return h
}

// flatHeader opens the aggregate stream. Signature is the textual tree
// structure at save time; a drift against the restore target is reported but
// not fatal, the decoded values themselves are authoritative.
type flatHeader struct {
	Signature  string
	NumRecords int
}

// flatRecord precedes each leaf in the stream. Masked records carry no data.
type flatRecord struct {
	Name   string
	Masked bool
}

// Save implements Handler.
func (h *FlatHandler) Save(directory string, state *states.TrainState, version float64,
	specs *nested.Tree[partitioning.Spec]) error {
	if version == 0 {
		return errors.WithMessage(ErrMissingVersion, "FlatHandler.Save")
	}
	if specs != nil {
		klog.Warningf("checkpoints: the flat (legacy) format stores no sharding metadata, specs are ignored")
	}
	names, leaves := nested.FlattenWithNames(state.Tree(), "")
	_, treeDef := nested.Flatten(state.Tree())

	if err := os.MkdirAll(directory, DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint directory %q", directory)
	}
	path := filepath.Join(directory, h.aggregateName)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create aggregate checkpoint file %q", path)
	}
	enc := gob.NewEncoder(f)
	err = enc.Encode(flatHeader{Signature: treeDef.String(), NumRecords: len(leaves)})
	for ii := 0; err == nil && ii < len(leaves); ii++ {
		masked := h.isMasked(leaves[ii])
		err = enc.Encode(flatRecord{Name: names[ii], Masked: masked})
		if err != nil || masked {
			continue
		}
		tensor, ok := leaves[ii].(*tensors.Tensor)
		if !ok {
			err = errors.Errorf("cannot save leaf %q: it holds %T, not tensor data", names[ii], leaves[ii])
			break
		}
		err = tensor.GobSerialize(enc)
	}
	if err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "failed to write aggregate checkpoint %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close aggregate checkpoint %q", path)
}

// aggregatePath resolves where the aggregate file lives: path may be the
// step directory containing it, or directly the aggregate file itself --
// older layouts saved the flat file without a per-step directory.
func (h *FlatHandler) aggregatePath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrapf(err, "checkpoint path %q is not accessible", path)
	}
	if !info.IsDir() {
		return path, nil
	}
	return filepath.Join(path, h.aggregateName), nil
}

// Restore implements Handler. The target's structure is authoritative: the
// stream's records are matched positionally against the target's full leaf
// sequence, target-masked positions keep their sentinel even when the stream
// stored data for them, and a signature drift is only warned about.
func (h *FlatHandler) Restore(directory string, target *states.TrainState, version float64,
	args *RestoreArgs) (*states.TrainState, error) {
	if version == 0 {
		return nil, errors.WithMessage(ErrMissingVersion, "FlatHandler.Restore")
	}
	if args == nil {
		args = &RestoreArgs{}
	}
	path, err := h.aggregatePath(directory)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open aggregate checkpoint %q", path)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)

	var header flatHeader
	if err = dec.Decode(&header); err != nil {
		return nil, errors.Wrapf(err, "failed to decode aggregate checkpoint header from %q", path)
	}
	targetNames, targetLeaves := nested.FlattenWithNames(target.Tree(), "")
	_, targetDef := nested.Flatten(target.Tree())
	if sig := targetDef.String(); header.Signature != sig {
		klog.Warningf("checkpoints: the tree structure stored in %q differs from the restore target's; "+
			"decoded values are matched positionally.\nStored:  %s\nTarget:  %s", path, header.Signature, sig)
	}
	if header.NumRecords != len(targetLeaves) {
		return nil, structuralMismatchf("aggregate checkpoint %q has %d records, target has %d leaves",
			path, header.NumRecords, len(targetLeaves))
	}

	full := make([]states.Value, len(targetLeaves))
	for ii := 0; ii < header.NumRecords; ii++ {
		var record flatRecord
		if err = dec.Decode(&record); err != nil {
			return nil, errors.Wrapf(err, "failed to decode record %d of aggregate checkpoint %q", ii, path)
		}
		var tensor *tensors.Tensor
		if !record.Masked {
			if tensor, err = tensors.GobDeserialize(dec); err != nil {
				return nil, errors.WithMessagef(err, "failed to decode leaf %q from aggregate checkpoint %q",
					record.Name, path)
			}
		}
		switch {
		case h.isMasked(targetLeaves[ii]):
			// Target says this position is phantom: keep the sentinel no
			// matter what the stream stored here.
			full[ii] = states.Masked{}
		case record.Masked:
			return nil, structuralMismatchf(
				"aggregate checkpoint %q stored no data for leaf %q, which the target expects restored",
				path, targetNames[ii])
		default:
			if args.EnforceShapeCheck {
				expected := targetLeaves[ii].Shape()
				if !tensor.Shape().Equal(expected) {
					return nil, &ShapeMismatchError{
						Leaf: targetNames[ii], Checkpoint: tensor.Shape(), Expected: expected,
					}
				}
			}
			full[ii] = tensor
		}
	}

	tree, err := nested.Unflatten(targetDef, full)
	if err != nil {
		return nil, &StructuralMismatchError{Details: err.Error()}
	}
	return states.FromTree(tree)
}

// Structure implements Handler by decoding only the record headers of the
// aggregate stream, skipping over leaf data.
func (h *FlatHandler) Structure(directory string) (*nested.Tree[string], error) {
	path, err := h.aggregatePath(directory)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open aggregate checkpoint %q", path)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)

	var header flatHeader
	if err = dec.Decode(&header); err != nil {
		return nil, errors.Wrapf(err, "failed to decode aggregate checkpoint header from %q", path)
	}
	names := make([]string, 0, header.NumRecords)
	for ii := 0; ii < header.NumRecords; ii++ {
		var record flatRecord
		if err = dec.Decode(&record); err != nil {
			return nil, errors.Wrapf(err, "failed to decode record %d of aggregate checkpoint %q", ii, path)
		}
		names = append(names, record.Name)
		if record.Masked {
			continue
		}
		if _, err = tensors.GobDeserialize(dec); err != nil {
			return nil, errors.WithMessagef(err, "failed to skip leaf %q in aggregate checkpoint %q",
				record.Name, path)
		}
	}
	return structureFromNames(names), nil
}
