package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/paxgo/pax/ml/distributed"
	"github.com/paxgo/pax/ml/nested"
	"github.com/paxgo/pax/ml/partitioning"
	"github.com/paxgo/pax/ml/states"
	"github.com/paxgo/pax/types/shapes"
)

const (
	// CurrentVersion is the checkpoint format version written by this build.
	// Versions above 1 record unpadded-shape metadata alongside the data.
	CurrentVersion = 1.1

	// unpaddedShapesFileName stores the true (pre-padding) shape of each
	// leaf, written for format versions above 1.
	unpaddedShapesFileName = "unpadded_shapes.json"

	// auxiliaryFileName stores caller-provided side data committed
	// atomically with the checkpoint.
	auxiliaryFileName = "auxiliary.json"
)

// Manager owns one base directory of step checkpoints: it enumerates and
// discovers them, commits new ones atomically, restores, and applies the
// retention policy. The per-leaf storage is delegated to its Handler.
//
// Every process of a multi-process job drives the same Manager calls in
// lockstep; only the leader performs directory-level mutations.
type Manager struct {
	baseDir string
	handler Handler
	format  Format
	keep    int
	version float64
	coord   distributed.Coordinator
	specs   *nested.Tree[partitioning.Spec]
}

// ManagerConfig is a builder for Manager, created with BuildManager.
type ManagerConfig struct {
	manager Manager
	opts    []ShardedOption
	err     error
}

// BuildManager starts configuring a Manager over baseDir. Defaults: sharded
// format, keep all checkpoints, CurrentVersion, single-process coordinator.
// Call Done to materialize it.
func BuildManager(baseDir string) *ManagerConfig {
	return &ManagerConfig{
		manager: Manager{
			baseDir: baseDir,
			format:  FormatSharded,
			keep:    -1,
			version: CurrentVersion,
			coord:   distributed.Local(),
		},
	}
}

// Format selects the checkpoint layout and its handler options.
func (c *ManagerConfig) Format(format Format, opts ...ShardedOption) *ManagerConfig {
	c.manager.format = format
	c.opts = opts
	return c
}

// Handler overrides the handler entirely, ignoring Format.
func (c *ManagerConfig) Handler(handler Handler) *ManagerConfig {
	c.manager.handler = handler
	return c
}

// Keep sets the retention policy: after each commit the oldest checkpoints
// are pruned down to the n most recent. n <= 0 keeps everything.
func (c *ManagerConfig) Keep(n int) *ManagerConfig {
	c.manager.keep = n
	return c
}

// Version overrides the format version written on save. Zero is rejected by
// the handlers at save time.
func (c *ManagerConfig) Version(version float64) *ManagerConfig {
	c.manager.version = version
	return c
}

// Coordinator sets the cross-process coordination primitive.
func (c *ManagerConfig) Coordinator(coord distributed.Coordinator) *ManagerConfig {
	c.manager.coord = coord
	return c
}

// Specs sets the default per-leaf sharding specs used on save, a tree with
// the same structure as the saved TrainState.
func (c *ManagerConfig) Specs(specs *nested.Tree[partitioning.Spec]) *ManagerConfig {
	c.manager.specs = specs
	return c
}

// Done validates the configuration, creates the base directory if needed,
// and returns the Manager.
func (c *ManagerConfig) Done() (*Manager, error) {
	if c.err != nil {
		return nil, c.err
	}
	m := c.manager
	if m.handler == nil {
		var err error
		opts := c.opts
		if m.format == FormatSharded {
			opts = append(opts, WithCoordinator(m.coord))
		}
		m.handler, err = NewHandler(m.format, opts...)
		if err != nil {
			return nil, err
		}
	}
	if distributed.IsLeader(m.coord) {
		if err := os.MkdirAll(m.baseDir, DirPermMode); err != nil {
			return nil, errors.Wrapf(err, "failed to create checkpoints base directory %q", m.baseDir)
		}
	}
	return &m, nil
}

// BaseDir returns the directory the Manager owns.
func (m *Manager) BaseDir() string { return m.baseDir }

// Handler returns the storage strategy in use.
func (m *Manager) Handler() Handler { return m.handler }

// ListSteps returns all committed checkpoint steps, ascending.
func (m *Manager) ListSteps() ([]int64, error) { return ListSteps(m.baseDir) }

// LatestStep returns the highest committed step, or found=false.
func (m *Manager) LatestStep() (step int64, found bool, err error) { return LatestStep(m.baseDir) }

// HasStep reports whether a committed checkpoint exists at step.
func (m *Manager) HasStep(step int64) bool {
	info, err := os.Stat(MakeStepDir(m.baseDir, step))
	return err == nil && info.IsDir()
}

// SaveArgs carries the optional per-save inputs.
type SaveArgs struct {
	// Force overwrites a committed checkpoint at the same step instead of
	// failing with ErrAlreadyExists.
	Force bool

	// Unpadded, when set, supplies the true (pre-padding) shape of each
	// leaf, recorded for format versions above 1. Typically built with
	// TrainState.ShapeStruct over the unpadded state.
	Unpadded *states.TrainState

	// Auxiliary is caller side data (e.g. schedule position, RNG seeds)
	// committed atomically with the checkpoint. Values must be
	// JSON-encodable; entries that are not are skipped with a warning.
	Auxiliary map[string]any

	// Inputs are named input pipelines whose per-process position is
	// committed atomically with the checkpoint. Restore them with
	// Manager.RestoreInputs.
	Inputs map[string]InputPipeline
}

// Save commits state as the checkpoint for step. The commit is atomic: data
// is staged in a discovery-invisible temporary directory and renamed into
// place only after every process finished writing, so a crash mid-save never
// leaves a partial checkpoint visible.
func (m *Manager) Save(step int64, state *states.TrainState, args *SaveArgs) error {
	if args == nil {
		args = &SaveArgs{}
	}
	finalDir := MakeStepDir(m.baseDir, step)
	if m.HasStep(step) {
		if !args.Force {
			return errors.WithMessagef(ErrAlreadyExists, "step %d in %q", step, m.baseDir)
		}
		if distributed.IsLeader(m.coord) {
			if err := os.RemoveAll(finalDir); err != nil {
				return errors.Wrapf(err, "failed to remove checkpoint being overwritten at step %d", step)
			}
		}
	}

	// All processes must write into the same staging directory: the leader
	// picks the name and broadcasts it.
	var tmpName string
	if distributed.IsLeader(m.coord) {
		tmpName = makeTmpDirName(step)
	}
	broadcast, err := m.coord.BroadcastOneToAll([]byte(tmpName))
	if err != nil {
		return errors.WithMessage(err, "failed to agree on a staging directory name")
	}
	tmpName = string(broadcast)
	tmpDir := filepath.Join(m.baseDir, tmpName)
	if distributed.IsLeader(m.coord) {
		if err = os.MkdirAll(tmpDir, DirPermMode); err != nil {
			return errors.Wrapf(err, "failed to create staging directory %q", tmpDir)
		}
	}
	if err = m.coord.Barrier("checkpoint-staging-ready"); err != nil {
		return errors.WithMessage(err, "waiting for the staging directory")
	}

	if err = m.handler.Save(tmpDir, state, m.version, m.specs); err != nil {
		return err
	}
	if err = m.saveInputs(tmpDir, args.Inputs); err != nil {
		return err
	}
	if err = m.coord.Barrier("checkpoint-data-written"); err != nil {
		return errors.WithMessage(err, "waiting for all processes' checkpoint data")
	}

	if distributed.IsLeader(m.coord) {
		if m.version > 1 {
			if err = m.writeUnpaddedShapes(tmpDir, state, args.Unpadded); err != nil {
				return err
			}
		}
		if err = writeAuxiliary(tmpDir, args.Auxiliary); err != nil {
			return err
		}
		if err = os.Rename(tmpDir, finalDir); err != nil {
			return errors.Wrapf(err, "failed to commit checkpoint for step %d", step)
		}
		if err = m.prune(); err != nil {
			return err
		}
	}
	return errors.WithMessage(m.coord.Barrier("checkpoint-committed"), "waiting for the checkpoint commit")
}

// writeUnpaddedShapes records each leaf's true shape. When the caller did
// not supply them, the padded shapes of the state being saved are used and
// a warning is logged, matching the pre-metadata behavior.
func (m *Manager) writeUnpaddedShapes(directory string, state, unpadded *states.TrainState) error {
	if unpadded == nil {
		klog.Warningf("checkpoints: no unpadded shapes given for a version %g checkpoint, "+
			"recording the saved (possibly padded) shapes instead", m.version)
		unpadded = state.ShapeStruct()
	}
	names, leaves := nested.FlattenWithNames(unpadded.Tree(), "")
	shapesByName := make(map[string]shapes.Shape, len(leaves))
	for ii, leaf := range leaves {
		if states.IsMasked(leaf) {
			continue
		}
		shapesByName[names[ii]] = leaf.Shape()
	}
	data, err := json.MarshalIndent(shapesByName, "", "\t")
	if err != nil {
		return errors.Wrap(err, "failed to encode unpadded shapes")
	}
	path := filepath.Join(directory, unpaddedShapesFileName)
	return errors.Wrapf(os.WriteFile(path, data, 0660), "failed to write %q", path)
}

// UnpaddedShapes reads the true-shape metadata of the checkpoint at step.
// Checkpoints written before version 1.1 have none: that case returns a nil
// map after logging a warning, and callers fall back to the stored shapes.
func (m *Manager) UnpaddedShapes(step int64) (map[string]shapes.Shape, error) {
	path := filepath.Join(MakeStepDir(m.baseDir, step), unpaddedShapesFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		klog.Warningf("checkpoints: step %d in %q carries no unpadded-shape metadata, "+
			"using the stored shapes as-is", step, m.baseDir)
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", path)
	}
	shapesByName := make(map[string]shapes.Shape)
	if err = json.Unmarshal(data, &shapesByName); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %q", path)
	}
	return shapesByName, nil
}

func writeAuxiliary(directory string, aux map[string]any) error {
	if len(aux) == 0 {
		return nil
	}
	encoded := make(map[string]json.RawMessage, len(aux))
	for key, value := range aux {
		data, err := json.Marshal(value)
		if err != nil {
			klog.Warningf("checkpoints: auxiliary entry %q (%T) is not JSON-encodable and was skipped: %v",
				key, value, err)
			continue
		}
		encoded[key] = data
	}
	data, err := json.MarshalIndent(encoded, "", "\t")
	if err != nil {
		return errors.Wrap(err, "failed to encode auxiliary data")
	}
	path := filepath.Join(directory, auxiliaryFileName)
	return errors.Wrapf(os.WriteFile(path, data, 0660), "failed to write %q", path)
}

// Auxiliary reads the caller side data committed with the checkpoint at
// step, as raw JSON per key. A checkpoint without any yields an empty map.
func (m *Manager) Auxiliary(step int64) (map[string]json.RawMessage, error) {
	path := filepath.Join(MakeStepDir(m.baseDir, step), auxiliaryFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", path)
	}
	aux := make(map[string]json.RawMessage)
	if err = json.Unmarshal(data, &aux); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %q", path)
	}
	return aux, nil
}

// prune applies the retention policy, removing the oldest committed
// checkpoints beyond the keep limit. Leader only.
func (m *Manager) prune() error {
	if m.keep <= 0 {
		return nil
	}
	steps, err := m.ListSteps()
	if err != nil {
		return err
	}
	for len(steps) > m.keep {
		victim := MakeStepDir(m.baseDir, steps[0])
		if err = os.RemoveAll(victim); err != nil {
			return errors.Wrapf(err, "failed to prune old checkpoint %q", victim)
		}
		steps = steps[1:]
	}
	return nil
}

// LatestStepMarker is the step value asking Restore for the most recent
// committed checkpoint.
const LatestStepMarker int64 = -1

// Restore loads the checkpoint at step into a fresh TrainState shaped like
// target. step == LatestStepMarker picks the most recent committed
// checkpoint. When there is nothing to restore -- no checkpoint at the
// requested step, or none at all -- it returns (nil, nil), so callers can
// start from scratch without error handling gymnastics.
func (m *Manager) Restore(step int64, target *states.TrainState, args *RestoreArgs) (*states.TrainState, error) {
	if step == LatestStepMarker {
		latest, found, err := m.LatestStep()
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		step = latest
	}
	if !m.HasStep(step) {
		return nil, nil
	}
	return m.handler.Restore(MakeStepDir(m.baseDir, step), target, m.version, args)
}

// Structure returns the stored tree structure of the checkpoint at step,
// with placeholder leaves. step == LatestStepMarker picks the most recent.
func (m *Manager) Structure(step int64) (*nested.Tree[string], error) {
	if step == LatestStepMarker {
		latest, found, err := m.LatestStep()
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, errors.Errorf("no committed checkpoints in %q", m.baseDir)
		}
		step = latest
	}
	return m.handler.Structure(MakeStepDir(m.baseDir, step))
}

// Delete removes the committed checkpoint at step. Leader only; other
// processes return immediately.
func (m *Manager) Delete(step int64) error {
	if !distributed.IsLeader(m.coord) {
		return nil
	}
	if !m.HasStep(step) {
		return nil
	}
	return errors.Wrapf(os.RemoveAll(MakeStepDir(m.baseDir, step)),
		"failed to delete checkpoint at step %d", step)
}
