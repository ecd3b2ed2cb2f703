package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paxgo/pax/ml/nested"
	"github.com/paxgo/pax/ml/partitioning"
	"github.com/paxgo/pax/ml/states"
	"github.com/paxgo/pax/types/tensors"
)

// testState builds a small train state with one masked optimizer slot, the
// usual shape of a partially-restored fine-tuning run.
func testState(step int64) *states.TrainState {
	mdlVars := nested.Branch[states.Value]().
		Set("layer1", nested.Branch[states.Value]().
			Set("w", nested.Leaf[states.Value](tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2))).
			Set("b", nested.Leaf[states.Value](tensors.FromFlatDataAndDimensions([]float32{0.5, -0.5}, 2))))
	optStates := nested.Branch[states.Value]().
		Set("momentum", nested.Branch[states.Value]().
			Set("layer1", nested.Branch[states.Value]().
				Set("w", nested.Leaf[states.Value](tensors.FromScalarAndDimensions(float32(0.1), 2, 2))).
				Set("b", nested.Leaf[states.Value](states.Masked{}))))
	return states.New(step, mdlVars, optStates)
}

func TestShardedRoundTrip(t *testing.T) {
	baseDir := t.TempDir()
	state := testState(100)
	require.NoError(t, SaveCheckpoint(baseDir, state))

	restored, err := RestoreCheckpoint(baseDir, state.ShapeStruct())
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.True(t, state.Equal(restored))

	// The masked position comes back as the sentinel, not as data.
	assert.True(t, states.IsMasked(
		restored.OptStates.Get("momentum").Get("layer1").Get("b").Value()))

	step, err := restored.StepValue()
	require.NoError(t, err)
	assert.Equal(t, int64(100), step)
}

func TestShardedMaskedLeavesNotStored(t *testing.T) {
	baseDir := t.TempDir()
	state := testState(1) // 5 leaves, 1 masked.
	require.NoError(t, SaveCheckpoint(baseDir, state))

	entries, err := os.ReadDir(MakeStepDir(baseDir, 1))
	require.NoError(t, err)
	var leafDirs int
	for _, entry := range entries {
		if entry.IsDir() {
			leafDirs++
		}
	}
	assert.Equal(t, 4, leafDirs, "the masked leaf must not get its own artifact")
}

func TestSaveExistingStep(t *testing.T) {
	baseDir := t.TempDir()
	state := testState(7)
	require.NoError(t, SaveCheckpoint(baseDir, state))

	err := SaveCheckpoint(baseDir, state)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyExists))

	// Overwriting is idempotent with force.
	require.NoError(t, SaveCheckpoint(baseDir, state, WithOverwrite()))
	restored, err := RestoreCheckpoint(baseDir, state.ShapeStruct())
	require.NoError(t, err)
	assert.True(t, state.Equal(restored))
}

func TestNothingToRestore(t *testing.T) {
	baseDir := t.TempDir()
	target := testState(0).ShapeStruct()

	restored, err := RestoreCheckpoint(baseDir, target)
	require.NoError(t, err)
	assert.Nil(t, restored)

	restored, err = RestoreCheckpoint(baseDir, target, WithStep(33))
	require.NoError(t, err)
	assert.Nil(t, restored)
}

func TestInterruptedCommitIsInvisible(t *testing.T) {
	baseDir := t.TempDir()
	state := testState(10)
	require.NoError(t, SaveCheckpoint(baseDir, state))

	// Simulate a crash mid-save: a staging directory that never got renamed.
	stale := filepath.Join(baseDir, makeTmpDirName(20))
	require.NoError(t, os.MkdirAll(stale, 0770))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "junk"), []byte("partial"), 0660))

	steps, err := ListSteps(baseDir)
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, steps)

	latest, found, err := LatestStep(baseDir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(10), latest)
}

func TestLatestStepSelection(t *testing.T) {
	baseDir := t.TempDir()
	for _, step := range []int64{10, 20, 15} {
		require.NoError(t, SaveCheckpoint(baseDir, testState(step)))
	}

	target := testState(0).ShapeStruct()
	restored, err := RestoreCheckpoint(baseDir, target)
	require.NoError(t, err)
	require.NotNil(t, restored)
	step, err := restored.StepValue()
	require.NoError(t, err)
	assert.Equal(t, int64(20), step)

	// Asking for the latest explicitly is the same as not asking at all.
	explicit, err := RestoreCheckpoint(baseDir, target, WithStep(20))
	require.NoError(t, err)
	assert.True(t, restored.Equal(explicit))
}

func TestFlatRoundTrip(t *testing.T) {
	baseDir := t.TempDir()
	state := testState(55)
	require.NoError(t, SaveCheckpoint(baseDir, state, WithFormat(FormatFlat)))

	restored, err := RestoreCheckpoint(baseDir, state.ShapeStruct(), WithFormat(FormatFlat))
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.True(t, state.Equal(restored))
	assert.True(t, states.IsMasked(
		restored.OptStates.Get("momentum").Get("layer1").Get("b").Value()))
}

func TestFlatFileProbe(t *testing.T) {
	baseDir := t.TempDir()
	state := testState(3)
	require.NoError(t, SaveCheckpoint(baseDir, state, WithFormat(FormatFlat)))
	stepDir := MakeStepDir(baseDir, 3)

	// Pointing at the directory or at the aggregate file inside it both work.
	fromDir, err := RestoreFlatFile(stepDir, state.ShapeStruct())
	require.NoError(t, err)
	assert.True(t, state.Equal(fromDir))

	fromFile, err := RestoreFlatFile(filepath.Join(stepDir, FlatAggregateName), state.ShapeStruct())
	require.NoError(t, err)
	assert.True(t, state.Equal(fromFile))
}

func TestFlatLegacyPlaceholderYieldsTargetMask(t *testing.T) {
	baseDir := t.TempDir()
	// Old writers stored a real dummy tensor where newer targets mask the
	// position. Build such a legacy checkpoint: same tree as testState, but
	// with data at the slot testState masks.
	legacy := testState(4)
	legacy.OptStates.Get("momentum").Get("layer1").
		Set("b", nested.Leaf[states.Value](tensors.FromFlatDataAndDimensions([]float32{9, 9}, 2)))
	require.NoError(t, SaveCheckpoint(baseDir, legacy, WithFormat(FormatFlat)))

	target := testState(0).ShapeStruct()
	restored, err := RestoreCheckpoint(baseDir, target, WithFormat(FormatFlat))
	require.NoError(t, err)
	require.NotNil(t, restored)

	// The target's mask wins over the stored placeholder tensor.
	assert.True(t, states.IsMasked(
		restored.OptStates.Get("momentum").Get("layer1").Get("b").Value()))
	// Everything else restores from the file as usual.
	w := restored.MdlVars.Get("layer1").Get("w").Value().(*tensors.Tensor)
	assert.True(t, w.Equal(legacy.MdlVars.Get("layer1").Get("w").Value().(*tensors.Tensor)))
}

func TestFlatSignatureDriftOnlyWarns(t *testing.T) {
	baseDir := t.TempDir()
	state := testState(8)
	require.NoError(t, SaveCheckpoint(baseDir, state, WithFormat(FormatFlat)))

	// A renamed optimizer branch changes the textual tree signature but not
	// the leaf count: the restore proceeds, matching values positionally.
	optStates := nested.Branch[states.Value]().
		Set("velocity", nested.Branch[states.Value]().
			Set("layer1", nested.Branch[states.Value]().
				Set("w", nested.Leaf[states.Value](tensors.FromScalarAndDimensions(float32(0), 2, 2))).
				Set("b", nested.Leaf[states.Value](states.Masked{}))))
	target := states.New(0, state.MdlVars, optStates).ShapeStruct()

	restored, err := RestoreCheckpoint(baseDir, target, WithFormat(FormatFlat))
	require.NoError(t, err)
	require.NotNil(t, restored)
	w := restored.OptStates.Get("velocity").Get("layer1").Get("w").Value().(*tensors.Tensor)
	assert.True(t, w.Equal(state.OptStates.Get("momentum").Get("layer1").Get("w").Value().(*tensors.Tensor)))
	assert.True(t, states.IsMasked(
		restored.OptStates.Get("velocity").Get("layer1").Get("b").Value()))
}

func TestSanitizedNameCollisionRejected(t *testing.T) {
	// "a/b" and "a_b" sanitize to the same on-disk name; storing both would
	// let one leaf silently overwrite the other.
	mdlVars := nested.Branch[states.Value]().
		Set("a/b", nested.Leaf[states.Value](tensors.FromScalar(float32(1)))).
		Set("a_b", nested.Leaf[states.Value](tensors.FromScalar(float32(2))))
	state := states.New(1, mdlVars, nested.Branch[states.Value]())

	for name, handler := range map[string]Handler{
		"sharded":      NewShardedHandler(),
		"consolidated": NewShardedHandler(WithConsolidated(true)),
	} {
		t.Run(name, func(t *testing.T) {
			err := handler.Save(t.TempDir(), state, CurrentVersion, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "after key sanitization")
		})
	}
}

// misshapenTarget swaps layer1.b for a longer vector, as happens after a
// batch-size or padding change.
func misshapenTarget() *states.TrainState {
	target := testState(0)
	target.MdlVars.Get("layer1").
		Set("b", nested.Leaf[states.Value](tensors.FromFlatDataAndDimensions([]float32{0, 0, 0}, 3)))
	return target.ShapeStruct()
}

func TestEnforceShapeCheck(t *testing.T) {
	for _, format := range []Format{FormatSharded, FormatFlat} {
		t.Run(format.String(), func(t *testing.T) {
			baseDir := t.TempDir()
			state := testState(1)
			require.NoError(t, SaveCheckpoint(baseDir, state, WithFormat(format)))

			_, err := RestoreCheckpoint(baseDir, misshapenTarget(),
				WithFormat(format), WithEnforceShapeCheck())
			require.Error(t, err)
			var mismatch *ShapeMismatchError
			require.True(t, errors.As(err, &mismatch))
			assert.Equal(t, "mdl_vars.layer1.b", mismatch.Leaf)

			// Without enforcement the stored shape wins.
			restored, err := RestoreCheckpoint(baseDir, misshapenTarget(), WithFormat(format))
			require.NoError(t, err)
			b := restored.MdlVars.Get("layer1").Get("b").Value()
			assert.Equal(t, []int{2}, b.Shape().Dimensions)
		})
	}
}

func TestMissingVersion(t *testing.T) {
	state := testState(1)
	dir := t.TempDir()

	for name, handler := range map[string]Handler{
		"sharded": NewShardedHandler(),
		"flat":    NewFlatHandler(),
	} {
		t.Run(name, func(t *testing.T) {
			err := handler.Save(dir, state, 0, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMissingVersion))

			_, err = handler.Restore(dir, state.ShapeStruct(), 0, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMissingVersion))
		})
	}
}

func TestConsolidatedStorage(t *testing.T) {
	baseDir := t.TempDir()
	state := testState(9)
	require.NoError(t, SaveCheckpoint(baseDir, state, WithConsolidatedStorage()))

	// A consolidated checkpoint stores chunks + index, not per-leaf files.
	stepDir := MakeStepDir(baseDir, 9)
	_, err := os.Stat(filepath.Join(stepDir, chunkIndexFileName))
	require.NoError(t, err)

	restored, err := RestoreCheckpoint(baseDir, state.ShapeStruct(), WithConsolidatedStorage())
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.True(t, state.Equal(restored))

	// A handler without consolidated mode must refuse it, not misread it.
	_, err = RestoreCheckpoint(baseDir, state.ShapeStruct())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestRetention(t *testing.T) {
	baseDir := t.TempDir()
	manager, err := BuildManager(baseDir).Keep(2).Done()
	require.NoError(t, err)

	for _, step := range []int64{1, 2, 3, 4} {
		require.NoError(t, manager.Save(step, testState(step), nil))
	}
	steps, err := manager.ListSteps()
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, steps)
}

func TestStructure(t *testing.T) {
	baseDir := t.TempDir()
	state := testState(5)
	require.NoError(t, SaveCheckpoint(baseDir, state))

	manager, err := BuildManager(baseDir).Done()
	require.NoError(t, err)
	structure, err := manager.Structure(LatestStepMarker)
	require.NoError(t, err)

	w := structure.Get("mdl_vars").Get("layer1").Get("w")
	require.NotNil(t, w)
	assert.Equal(t, LeafPlaceholder, w.Value())
	assert.NotNil(t, structure.Get("step"))
	// Masked leaves were never stored, so they don't show up.
	assert.Nil(t, structure.Get("opt_states").Get("momentum").Get("layer1").Get("b"))
}

func TestUnpaddedShapesMetadata(t *testing.T) {
	baseDir := t.TempDir()
	state := testState(2)
	require.NoError(t, SaveCheckpoint(baseDir, state, WithUnpadded(state.ShapeStruct())))

	manager, err := BuildManager(baseDir).Done()
	require.NoError(t, err)
	unpadded, err := manager.UnpaddedShapes(2)
	require.NoError(t, err)
	require.NotNil(t, unpadded)
	assert.Len(t, unpadded, 4) // The masked leaf has no shape to record.
	assert.Equal(t, []int{2, 2}, unpadded["mdl_vars.layer1.w"].Dimensions)
}

func TestUnpaddedShapesMissingForOldVersions(t *testing.T) {
	baseDir := t.TempDir()
	require.NoError(t, SaveCheckpoint(baseDir, testState(1), WithVersion(1.0)))

	manager, err := BuildManager(baseDir).Done()
	require.NoError(t, err)
	unpadded, err := manager.UnpaddedShapes(1)
	require.NoError(t, err)
	assert.Nil(t, unpadded)
}

func TestAuxiliaryData(t *testing.T) {
	baseDir := t.TempDir()
	aux := map[string]any{
		"train_seed":  int64(42),
		"data_epoch":  3,
		"unencodable": func() {}, // Skipped with a warning, not fatal.
	}
	require.NoError(t, SaveCheckpoint(baseDir, testState(1), WithAuxiliary(aux)))

	manager, err := BuildManager(baseDir).Done()
	require.NoError(t, err)
	stored, err := manager.Auxiliary(1)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.JSONEq(t, "42", string(stored["train_seed"]))
	_, found := stored["unencodable"]
	assert.False(t, found)
}

func TestSpecsMismatch(t *testing.T) {
	state := testState(1)
	specs := nested.Branch[partitioning.Spec]().
		Set("step", nested.Leaf[partitioning.Spec](nil)) // Too few leaves.

	handler := NewShardedHandler()
	err := handler.Save(t.TempDir(), state, CurrentVersion, specs)
	require.Error(t, err)
	var mismatch *StructuralMismatchError
	assert.True(t, errors.As(err, &mismatch))
}

func TestStepDirNames(t *testing.T) {
	assert.Equal(t, "checkpoint_00000020", MakeStepDirName(20))

	step, ok := StepFromAssetName("checkpoint_00000020")
	require.True(t, ok)
	assert.Equal(t, int64(20), step)

	// Older layouts didn't pad.
	step, ok = StepFromAssetName("checkpoint_20")
	require.True(t, ok)
	assert.Equal(t, int64(20), step)

	_, ok = StepFromAssetName("checkpoint_")
	assert.False(t, ok)
	_, ok = StepFromAssetName("other_20")
	assert.False(t, ok)
	assert.False(t, IsCheckpointAsset(makeTmpDirName(20)))
}
