package checkpoints

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingPipeline is a trivial checkpointable input: its whole state is how
// many batches it has produced.
type countingPipeline struct {
	produced int
}

func (p *countingPipeline) SaveState() ([]byte, error) {
	return json.Marshal(p.produced)
}

func (p *countingPipeline) RestoreState(state []byte) error {
	return json.Unmarshal(state, &p.produced)
}

func TestInputPipelineCheckpoint(t *testing.T) {
	baseDir := t.TempDir()
	manager, err := BuildManager(baseDir).Done()
	require.NoError(t, err)

	train := &countingPipeline{produced: 1234}
	eval := &countingPipeline{produced: 56}
	require.NoError(t, manager.Save(10, testState(10), &SaveArgs{
		Inputs: map[string]InputPipeline{"train": train, "eval": eval},
	}))

	// A fresh run restores both pipelines to where they were.
	train2, eval2 := &countingPipeline{}, &countingPipeline{}
	require.NoError(t, manager.RestoreInputs(LatestStepMarker, map[string]InputPipeline{
		"train": train2,
		"eval":  eval2,
	}))
	assert.Equal(t, 1234, train2.produced)
	assert.Equal(t, 56, eval2.produced)
}

func TestInputPipelineMissingStateIsNotFatal(t *testing.T) {
	baseDir := t.TempDir()
	manager, err := BuildManager(baseDir).Done()
	require.NoError(t, err)
	// Saved without any input state, as checkpoints used to be.
	require.NoError(t, manager.Save(1, testState(1), nil))

	pipeline := &countingPipeline{produced: 7}
	require.NoError(t, manager.RestoreInputs(1, map[string]InputPipeline{"train": pipeline}))
	assert.Equal(t, 7, pipeline.produced, "an absent input checkpoint must leave the pipeline untouched")
}

// fakeCoordinator pretends to be one rank of a multi-process job. Barriers
// are no-ops: tests sequence the "processes" themselves.
type fakeCoordinator struct {
	rank, count int
}

func (c *fakeCoordinator) ProcessIndex() int { return c.rank }

func (c *fakeCoordinator) ProcessCount() int { return c.count }

func (c *fakeCoordinator) Barrier(string) error { return nil }

func (c *fakeCoordinator) BroadcastOneToAll(value []byte) ([]byte, error) { return value, nil }

func TestInputPipelineProcessCountMismatch(t *testing.T) {
	directory := t.TempDir()
	saver := NewInputCheckpointHandler(&fakeCoordinator{rank: 0, count: 2})
	require.NoError(t, saver.Save(directory, &countingPipeline{produced: 99}))

	// Same process count, same rank: fine.
	restorer := NewInputCheckpointHandler(&fakeCoordinator{rank: 0, count: 2})
	restored := &countingPipeline{}
	require.NoError(t, restorer.Restore(directory, restored))
	assert.Equal(t, 99, restored.produced)

	// Different process count: the data slices don't line up anymore.
	wrong := NewInputCheckpointHandler(&fakeCoordinator{rank: 0, count: 3})
	err := wrong.Restore(directory, &countingPipeline{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "saved with 2 processes")
}
