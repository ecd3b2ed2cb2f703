package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/paxgo/pax/ml/distributed"
	"github.com/paxgo/pax/ml/nested"
	"github.com/paxgo/pax/ml/partitioning"
	"github.com/paxgo/pax/ml/states"
	"github.com/paxgo/pax/types/tensors"
)

const (
	// leafDataFileName holds one leaf's tensor inside its own subdirectory.
	leafDataFileName = "data.bin"

	// leafShardingFileName is the per-leaf placement sidecar.
	leafShardingFileName = "sharding.json"
)

// ShardedHandler is the native checkpoint strategy: every unmasked leaf is
// persisted as its own artifact together with enough placement metadata to
// reconstruct it under an arbitrary device mesh later.
//
// With WithConsolidated it instead writes an append-only, content-addressed
// chunked layout that lets every worker process contribute its chunks
// concurrently and still merge into a single consistent per-step artifact.
type ShardedHandler struct {
	consolidated bool
	isMasked     MaskedPredicate
	coord        distributed.Coordinator
}

// ShardedOption configures a ShardedHandler.
type ShardedOption func(*ShardedHandler)

// WithConsolidated enables the append-only content-addressed chunked
// storage mode. A checkpoint written this way can only be restored by a
// handler that also enables it.
func WithConsolidated(enabled bool) ShardedOption {
	return func(h *ShardedHandler) { h.consolidated = enabled }
}

// WithMaskedPredicate overrides the phantom-leaf predicate.
// The default is states.IsMasked.
func WithMaskedPredicate(pred MaskedPredicate) ShardedOption {
	return func(h *ShardedHandler) { h.isMasked = pred }
}

// WithCoordinator sets the cross-process coordination primitive used to fan
// in chunk descriptors from all processes before a consolidated commit.
// The default is the single-process coordinator.
func WithCoordinator(coord distributed.Coordinator) ShardedOption {
	return func(h *ShardedHandler) { h.coord = coord }
}

// NewShardedHandler returns a ShardedHandler with the given options.
func NewShardedHandler(opts ...ShardedOption) *ShardedHandler {
	h := &ShardedHandler{
		isMasked: states.IsMasked,
		coord:    distributed.Local(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Save implements Handler. Masked leaves are excluded entirely: no file is
// written and no metadata entry is recorded for them.
func (h *ShardedHandler) Save(directory string, state *states.TrainState, version float64,
	specs *nested.Tree[partitioning.Spec]) error {
	if version == 0 {
		return errors.WithMessage(ErrMissingVersion, "ShardedHandler.Save")
	}
	leaves, names, flatSpecs, err := prepareLeaves(state, specs, h.isMasked)
	if err != nil {
		return err
	}
	if h.consolidated {
		return h.saveConsolidated(directory, names, leaves, flatSpecs)
	}

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for ii := range leaves {
		name, leaf := names[ii], leaves[ii]
		var spec partitioning.Spec
		if flatSpecs != nil {
			spec = flatSpecs[ii]
		}
		g.Go(func() error {
			tensor, ok := leaf.(*tensors.Tensor)
			if !ok {
				return errors.Errorf("cannot save leaf %q: it holds %T, not tensor data", name, leaf)
			}
			leafDir := filepath.Join(directory, name)
			if err := os.MkdirAll(leafDir, DirPermMode); err != nil {
				return errors.Wrapf(err, "failed to create directory for leaf %q", name)
			}
			if err := tensor.Save(filepath.Join(leafDir, leafDataFileName)); err != nil {
				return errors.WithMessagef(err, "failed to save leaf %q", name)
			}
			return writeLeafSharding(filepath.Join(leafDir, leafShardingFileName), spec)
		})
	}
	return g.Wait()
}

func writeLeafSharding(path string, spec partitioning.Spec) error {
	sharding := partitioning.LeafSharding{MeshAxes: spec}
	data, err := json.MarshalIndent(&sharding, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "failed to encode sharding sidecar %q", path)
	}
	if err = os.WriteFile(path, data, 0660); err != nil {
		return errors.Wrapf(err, "failed to write sharding sidecar %q", path)
	}
	return nil
}

func readLeafSharding(path string) (partitioning.LeafSharding, error) {
	var sharding partitioning.LeafSharding
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		// Checkpoints predating sidecars: treat the leaf as replicated.
		return sharding, nil
	}
	if err != nil {
		return sharding, errors.Wrapf(err, "failed to read sharding sidecar %q", path)
	}
	if err = json.Unmarshal(data, &sharding); err != nil {
		return sharding, errors.Wrapf(err, "failed to decode sharding sidecar %q", path)
	}
	return sharding, nil
}

// Restore implements Handler. Per leaf it combines the target dtype/shape,
// the desired sharding over args.Mesh, and the strict-shape toggle; masked
// positions of the target are reinserted as sentinels without touching
// storage.
func (h *ShardedHandler) Restore(directory string, target *states.TrainState, version float64,
	args *RestoreArgs) (*states.TrainState, error) {
	if version == 0 {
		return nil, errors.WithMessage(ErrMissingVersion, "ShardedHandler.Restore")
	}
	if args == nil {
		args = &RestoreArgs{}
	}
	if isConsolidatedCheckpoint(directory) && !h.consolidated {
		return nil, errors.WithMessagef(ErrUnsupportedFormat,
			"%q is a consolidated (chunked) checkpoint, the handler must enable WithConsolidated to load it", directory)
	}

	targetLeaves, names, flatSpecs, err := prepareLeaves(target, args.Specs, h.isMasked)
	if err != nil {
		return nil, err
	}

	var restored []states.Value
	if h.consolidated {
		restored, err = h.restoreConsolidated(directory, names, targetLeaves, flatSpecs, args)
	} else {
		restored, err = h.restoreLeafFiles(directory, names, targetLeaves, flatSpecs, args)
	}
	if err != nil {
		return nil, err
	}
	return reconstruct(target, restored, h.isMasked)
}

func (h *ShardedHandler) restoreLeafFiles(directory string, names []string, targetLeaves []states.Value,
	flatSpecs []partitioning.Spec, args *RestoreArgs) ([]states.Value, error) {
	restored := make([]states.Value, len(names))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for ii := range names {
		ii := ii
		g.Go(func() error {
			name := names[ii]
			leafDir := filepath.Join(directory, name)
			dataPath := filepath.Join(leafDir, leafDataFileName)
			if _, err := os.Stat(dataPath); os.IsNotExist(err) {
				return structuralMismatchf("checkpoint in %q has no data for leaf %q expected by the target",
					directory, name)
			}
			tensor, err := tensors.Load(dataPath)
			if err != nil {
				return errors.WithMessagef(err, "failed to restore leaf %q", name)
			}
			if args.EnforceShapeCheck {
				expected := targetLeaves[ii].Shape()
				if !tensor.Shape().Equal(expected) {
					return &ShapeMismatchError{Leaf: name, Checkpoint: tensor.Shape(), Expected: expected}
				}
			}
			sharding, err := readLeafSharding(filepath.Join(leafDir, leafShardingFileName))
			if err != nil {
				return err
			}
			if err = h.checkPlacement(name, sharding, flatSpecs, ii, args.Mesh); err != nil {
				return err
			}
			restored[ii] = tensor
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return restored, nil
}

// checkPlacement validates that the requested sharding can be realized on
// the restore mesh. Placement itself is the numeric runtime's job; here we
// only fail early on specs naming axes the mesh doesn't have.
func (h *ShardedHandler) checkPlacement(name string, stored partitioning.LeafSharding,
	flatSpecs []partitioning.Spec, ii int, mesh *partitioning.Mesh) error {
	spec := stored.MeshAxes
	if flatSpecs != nil {
		spec = flatSpecs[ii]
	}
	if mesh == nil || spec.Replicated() {
		return nil
	}
	for _, axis := range spec {
		if axis == "" {
			continue
		}
		if _, err := mesh.AxisSize(axis); err != nil {
			return errors.WithMessagef(err, "cannot place restored leaf %q", name)
		}
	}
	return nil
}

// Structure implements Handler. It parses the consolidated index when one
// exists; otherwise it synthesizes the structure purely from the directory
// layout, one placeholder per stored leaf -- this keeps it working against
// checkpoints that predate any aggregate descriptor.
func (h *ShardedHandler) Structure(directory string) (*nested.Tree[string], error) {
	if isConsolidatedCheckpoint(directory) {
		index, err := readChunkIndex(directory)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(index.Entries))
		for _, entry := range index.Entries {
			names = append(names, entry.Name)
		}
		return structureFromNames(names), nil
	}

	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to infer checkpoint structure from %q", directory)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(directory, entry.Name(), leafDataFileName)); err != nil {
			klog.V(1).Infof("checkpoints: ignoring %q while inferring structure of %q: no leaf data",
				entry.Name(), directory)
			continue
		}
		names = append(names, entry.Name())
	}
	return structureFromNames(names), nil
}
