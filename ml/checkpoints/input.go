package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/paxgo/pax/ml/distributed"
)

// InputPipeline is a checkpointable data-input iterator. Its state is opaque
// bytes, defined entirely by the pipeline implementation (typically a
// serialized iterator position plus RNG state).
type InputPipeline interface {
	// SaveState serializes the pipeline's current position.
	SaveState() ([]byte, error)

	// RestoreState rewinds the pipeline to a previously saved position.
	RestoreState(state []byte) error
}

// inputDirPrefix namespaces per-pipeline input state inside a step
// directory.
const inputDirPrefix = "input_"

// inputStateFileName names one process' slice of a pipeline's state. Input
// state is inherently per-process: each worker owns a distinct slice of the
// data, so its file is keyed by rank and total process count.
func inputStateFileName(rank, count int) string {
	return fmt.Sprintf("process_%d-of-%d", rank, count)
}

// InputCheckpointHandler saves and restores the per-process state of input
// pipelines. A pipeline's checkpoint is only valid when restored under the
// same process count it was saved with.
type InputCheckpointHandler struct {
	coord distributed.Coordinator
}

// NewInputCheckpointHandler returns a handler coordinating over coord.
// A nil coord means single process.
func NewInputCheckpointHandler(coord distributed.Coordinator) *InputCheckpointHandler {
	if coord == nil {
		coord = distributed.Local()
	}
	return &InputCheckpointHandler{coord: coord}
}

// Save writes this process' slice of the pipeline state into directory.
// Every process calls it; each writes only its own file.
func (h *InputCheckpointHandler) Save(directory string, pipeline InputPipeline) error {
	state, err := pipeline.SaveState()
	if err != nil {
		return errors.WithMessage(err, "input pipeline failed to serialize its state")
	}
	if err = os.MkdirAll(directory, DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create input checkpoint directory %q", directory)
	}
	name := inputStateFileName(h.coord.ProcessIndex(), h.coord.ProcessCount())
	path := filepath.Join(directory, name)
	return errors.Wrapf(os.WriteFile(path, state, 0660), "failed to write input state %q", path)
}

// Restore rewinds pipeline to this process' saved slice in directory. It
// fails when the checkpoint was written under a different process count:
// per-process data slices cannot be re-dealt transparently.
func (h *InputCheckpointHandler) Restore(directory string, pipeline InputPipeline) error {
	rank, count := h.coord.ProcessIndex(), h.coord.ProcessCount()
	path := filepath.Join(directory, inputStateFileName(rank, count))
	state, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		savedCount, found := savedProcessCount(directory)
		if found && savedCount != count {
			return errors.Errorf(
				"input checkpoint in %q was saved with %d processes, cannot restore with %d",
				directory, savedCount, count)
		}
		return errors.Wrapf(err, "no input state for process %d of %d in %q", rank, count, directory)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read input state %q", path)
	}
	return errors.WithMessagef(pipeline.RestoreState(state),
		"input pipeline failed to restore its state from %q", path)
}

// Exists reports whether directory holds any saved input state.
func (h *InputCheckpointHandler) Exists(directory string) bool {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		var rank, count int
		if n, _ := fmt.Sscanf(entry.Name(), "process_%d-of-%d", &rank, &count); n == 2 {
			return true
		}
	}
	return false
}

// savedProcessCount parses the process count an input checkpoint was written
// with, from any of its per-process file names.
func savedProcessCount(directory string) (count int, found bool) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return 0, false
	}
	for _, entry := range entries {
		var rank, c int
		if n, _ := fmt.Sscanf(entry.Name(), "process_%d-of-%d", &rank, &c); n == 2 {
			return c, true
		}
	}
	return 0, false
}

// inputStateDir returns where the named pipeline's state lives inside a
// checkpoint step directory.
func inputStateDir(stepDir, name string) string {
	return filepath.Join(stepDir, inputDirPrefix+name)
}

// saveInputs persists every named pipeline's per-process state into the
// staged checkpoint directory, so they commit atomically with the model
// state.
func (m *Manager) saveInputs(stagingDir string, inputs map[string]InputPipeline) error {
	if len(inputs) == 0 {
		return nil
	}
	handler := NewInputCheckpointHandler(m.coord)
	for name, pipeline := range inputs {
		if err := handler.Save(inputStateDir(stagingDir, name), pipeline); err != nil {
			return errors.WithMessagef(err, "failed to checkpoint input pipeline %q", name)
		}
	}
	return nil
}

// RestoreInputs rewinds the named pipelines to their state saved with the
// checkpoint at step. Pipelines the checkpoint has no state for are left
// untouched, with a warning: the checkpoint may predate input
// checkpointing.
func (m *Manager) RestoreInputs(step int64, inputs map[string]InputPipeline) error {
	if step == LatestStepMarker {
		latest, found, err := m.LatestStep()
		if err != nil {
			return err
		}
		if !found {
			return errors.Errorf("no committed checkpoints in %q", m.baseDir)
		}
		step = latest
	}
	stepDir := MakeStepDir(m.baseDir, step)
	handler := NewInputCheckpointHandler(m.coord)
	for name, pipeline := range inputs {
		directory := inputStateDir(stepDir, name)
		if !handler.Exists(directory) {
			klog.Warningf("checkpoints: step %d has no saved state for input pipeline %q, leaving it untouched",
				step, name)
			continue
		}
		if err := handler.Restore(directory, pipeline); err != nil {
			return errors.WithMessagef(err, "failed to restore input pipeline %q", name)
		}
	}
	return nil
}
