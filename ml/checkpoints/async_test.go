package checkpoints

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/paxgo/pax/types/tensors"
)

// verifyNoLeaks checks for goroutine leaks, ignoring klog's global flush
// daemon, which lives for the whole process.
func verifyNoLeaks(t *testing.T) {
	goleak.VerifyNone(t, goleak.IgnoreTopFunction("k8s.io/klog/v2.(*flushDaemon).run"))
}

func TestAsyncCheckpointer(t *testing.T) {
	defer verifyNoLeaks(t)

	baseDir := t.TempDir()
	manager, err := BuildManager(baseDir).Done()
	require.NoError(t, err)
	async := NewAsyncCheckpointer(manager)

	state := testState(1)
	require.NoError(t, async.Save(1, state, nil))

	// The caller may mutate the state right away: the background save works
	// on a snapshot.
	state.MdlVars.Get("layer1").Get("w").Value().(*tensors.Tensor).MutableFlatData(func(flat any) {
		data := flat.([]float32)
		for ii := range data {
			data[ii] = -1
		}
	})

	require.NoError(t, async.WaitUntilFinished())

	expected := testState(1)
	restored, err := async.Restore(LatestStepMarker, expected.ShapeStruct(), nil)
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.True(t, expected.Equal(restored), "the snapshot, not the mutated state, must be on disk")
}

func TestAsyncSurfacesBackgroundErrors(t *testing.T) {
	defer verifyNoLeaks(t)

	baseDir := t.TempDir()
	// Version 0 makes every background save fail at the handler boundary.
	manager, err := BuildManager(baseDir).Version(0).Done()
	require.NoError(t, err)
	async := NewAsyncCheckpointer(manager)

	require.NoError(t, async.Save(1, testState(1), nil))
	err = async.WaitUntilFinished()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingVersion))

	// Errors surface through the next Save too; a surfaced error is not
	// reported twice.
	require.NoError(t, async.Save(2, testState(2), nil))
	err = async.Save(3, testState(3), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingVersion))
	require.NoError(t, async.WaitUntilFinished())
	require.NoError(t, async.CheckForErrors())
}

func TestAsyncAtMostOneInFlight(t *testing.T) {
	defer verifyNoLeaks(t)

	baseDir := t.TempDir()
	manager, err := BuildManager(baseDir).Keep(2).Done()
	require.NoError(t, err)
	async := NewAsyncCheckpointer(manager)

	for step := int64(1); step <= 5; step++ {
		require.NoError(t, async.Save(step, testState(step), nil))
	}
	require.NoError(t, async.WaitUntilFinished())

	steps, err := manager.ListSteps()
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, steps)
}
