// Package checkpoints persists and restores training state.
//
// A checkpoint is the atomic unit of training persistence: the model
// variables, optimizer state and step counter of a states.TrainState, saved
// under a per-step directory (`checkpoint_00000100`) inside a base
// directory. Commits are atomic -- data is staged under a
// discovery-invisible temporary name and renamed into place -- so a crash
// mid-save never leaves a partial checkpoint visible to discovery.
//
// Two on-disk layouts are supported. The native sharded layout
// (FormatSharded) stores one artifact per unmasked leaf plus per-leaf
// sharding metadata, and optionally a consolidated content-addressed chunked
// mode for many-process jobs. The legacy flat layout (FormatFlat) stores the
// whole state as a single aggregate file.
//
// Masked leaves (states.Masked) are phantom positions: they are never
// written to or read from storage, and restores reinsert the sentinel at
// every position the restore target marks as masked.
//
// The Manager gives full control (retention, versions, multi-process
// coordination); SaveCheckpoint and RestoreCheckpoint are the one-call
// convenience wrappers:
//
//	err := checkpoints.SaveCheckpoint(dir, state)
//	...
//	restored, err := checkpoints.RestoreCheckpoint(dir, target)
//	if restored == nil { /* nothing saved yet, start from scratch */ }
package checkpoints

import (
	"github.com/pkg/errors"

	"github.com/paxgo/pax/ml/distributed"
	"github.com/paxgo/pax/ml/nested"
	"github.com/paxgo/pax/ml/partitioning"
	"github.com/paxgo/pax/ml/states"
)

// apiConfig collects the options of SaveCheckpoint / RestoreCheckpoint.
type apiConfig struct {
	format       Format
	consolidated bool
	version      float64
	keep         int
	coord        distributed.Coordinator
	specs        *nested.Tree[partitioning.Spec]

	// Save only.
	overwrite bool
	unpadded  *states.TrainState
	auxiliary map[string]any

	step int64

	// Restore only.
	mesh         *partitioning.Mesh
	enforceShape bool
}

// Option configures SaveCheckpoint and RestoreCheckpoint. Options that only
// apply to one of the two are ignored by the other.
type Option func(*apiConfig)

// WithFormat selects the on-disk layout. Default: FormatSharded.
func WithFormat(format Format) Option {
	return func(c *apiConfig) { c.format = format }
}

// WithConsolidatedStorage enables the content-addressed chunked mode of the
// sharded layout, for both saving and restoring.
func WithConsolidatedStorage() Option {
	return func(c *apiConfig) { c.consolidated = true }
}

// WithVersion overrides the checkpoint format version.
// Default: CurrentVersion.
func WithVersion(version float64) Option {
	return func(c *apiConfig) { c.version = version }
}

// WithKeep sets the retention policy applied after a save: only the n most
// recent checkpoints are kept. Default: keep everything.
func WithKeep(n int) Option {
	return func(c *apiConfig) { c.keep = n }
}

// WithWorkers sets the cross-process coordinator for multi-process jobs.
// Default: single process.
func WithWorkers(coord distributed.Coordinator) Option {
	return func(c *apiConfig) { c.coord = coord }
}

// WithSpecs sets the per-leaf sharding specs, a tree with the same structure
// as the TrainState.
func WithSpecs(specs *nested.Tree[partitioning.Spec]) Option {
	return func(c *apiConfig) { c.specs = specs }
}

// WithOverwrite lets a save replace a committed checkpoint at the same step
// instead of failing with ErrAlreadyExists.
func WithOverwrite() Option {
	return func(c *apiConfig) { c.overwrite = true }
}

// WithUnpadded supplies the true (pre-padding) shapes recorded with the
// checkpoint, typically TrainState.ShapeStruct over the unpadded state.
func WithUnpadded(unpadded *states.TrainState) Option {
	return func(c *apiConfig) { c.unpadded = unpadded }
}

// WithAuxiliary attaches caller side data (JSON-encodable values) committed
// atomically with the checkpoint.
func WithAuxiliary(aux map[string]any) Option {
	return func(c *apiConfig) { c.auxiliary = aux }
}

// WithStep pins the checkpoint step: a restore loads that step instead of
// the most recent one, a save commits under it instead of the state's own
// step counter.
func WithStep(step int64) Option {
	return func(c *apiConfig) { c.step = step }
}

// WithMesh sets the device mesh restored leaves are placed on.
func WithMesh(mesh *partitioning.Mesh) Option {
	return func(c *apiConfig) { c.mesh = mesh }
}

// WithEnforceShapeCheck makes a restore fail with a ShapeMismatchError when
// any leaf's stored shape differs from the target's, instead of adopting the
// stored shape.
func WithEnforceShapeCheck() Option {
	return func(c *apiConfig) { c.enforceShape = true }
}

func newAPIConfig(opts []Option) *apiConfig {
	c := &apiConfig{
		format:  FormatSharded,
		version: CurrentVersion,
		keep:    -1,
		coord:   distributed.Local(),
		step:    LatestStepMarker,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *apiConfig) manager(baseDir string) (*Manager, error) {
	var handlerOpts []ShardedOption
	if c.consolidated {
		handlerOpts = append(handlerOpts, WithConsolidated(true))
	}
	return BuildManager(baseDir).
		Format(c.format, handlerOpts...).
		Keep(c.keep).
		Version(c.version).
		Coordinator(c.coord).
		Specs(c.specs).
		Done()
}

// SaveCheckpoint commits state as a checkpoint under baseDir, at the step
// the state's own step counter says -- WithStep overrides it. See the
// Option functions for the knobs; the zero-option call writes a sharded,
// current-version checkpoint and keeps all previous ones.
func SaveCheckpoint(baseDir string, state *states.TrainState, opts ...Option) error {
	c := newAPIConfig(opts)
	step := c.step
	if step == LatestStepMarker {
		var err error
		if step, err = state.StepValue(); err != nil {
			return errors.WithMessage(err, "cannot derive the checkpoint step from the train state")
		}
	}
	m, err := c.manager(baseDir)
	if err != nil {
		return err
	}
	return m.Save(step, state, &SaveArgs{
		Force:     c.overwrite,
		Unpadded:  c.unpadded,
		Auxiliary: c.auxiliary,
	})
}

// RestoreCheckpoint loads a checkpoint from baseDir into a fresh TrainState
// shaped like target -- the most recent one, unless WithStep says otherwise.
// When there is nothing to restore it returns (nil, nil).
func RestoreCheckpoint(baseDir string, target *states.TrainState, opts ...Option) (*states.TrainState, error) {
	c := newAPIConfig(opts)
	m, err := c.manager(baseDir)
	if err != nil {
		return nil, err
	}
	return m.Restore(c.step, target, &RestoreArgs{
		Mesh:              c.mesh,
		Specs:             c.specs,
		EnforceShapeCheck: c.enforceShape,
	})
}

// RestoreFlatFile loads a legacy flat checkpoint directly from path, which
// may be either the aggregate file itself or a directory containing one.
// Old training setups saved the aggregate file without per-step
// directories; this is the entry point for reading those.
func RestoreFlatFile(path string, target *states.TrainState, opts ...Option) (*states.TrainState, error) {
	c := newAPIConfig(opts)
	handler := NewFlatHandler()
	return handler.Restore(path, target, c.version, &RestoreArgs{
		Mesh:              c.mesh,
		Specs:             c.specs,
		EnforceShapeCheck: c.enforceShape,
	})
}
