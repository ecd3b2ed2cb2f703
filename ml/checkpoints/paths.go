package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// CheckpointPrefix is the reserved name prefix identifying
	// checkpoint-owned entries under a base directory. Anything else in the
	// directory is ignored by discovery.
	CheckpointPrefix = "checkpoint_"

	// tmpPrefix marks in-flight (uncommitted) checkpoint directories.
	// They are invisible to discovery until renamed into place.
	tmpPrefix = ".tmp-"

	// stepDigits pads the step number in directory names, keeping
	// lexicographic and numeric order aligned for fresh checkpoints.
	stepDigits = 8
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// MakeStepDirName returns the directory base name for a checkpoint at step.
func MakeStepDirName(step int64) string {
	return fmt.Sprintf("%s%0*d", CheckpointPrefix, stepDigits, step)
}

// MakeStepDir returns the full path of the checkpoint directory for step.
func MakeStepDir(baseDir string, step int64) string {
	return filepath.Join(baseDir, MakeStepDirName(step))
}

// StepFromAssetName parses the step number out of a checkpoint asset name.
// It accepts unpadded step numbers, which older layouts produced.
func StepFromAssetName(name string) (step int64, ok bool) {
	if !strings.HasPrefix(name, CheckpointPrefix) {
		return 0, false
	}
	step, err := strconv.ParseInt(name[len(CheckpointPrefix):], 10, 64)
	if err != nil || step < 0 {
		return 0, false
	}
	return step, true
}

// IsCheckpointAsset returns whether name is a committed checkpoint entry.
// In-flight temporary directories are not assets.
func IsCheckpointAsset(name string) bool {
	if strings.HasPrefix(name, tmpPrefix) {
		return false
	}
	_, ok := StepFromAssetName(name)
	return ok
}

// makeTmpDirName returns a unique, discovery-invisible name for an
// in-flight commit of the given step.
func makeTmpDirName(step int64) string {
	return fmt.Sprintf("%s%s_%s", tmpPrefix, uuid.NewString(), MakeStepDirName(step))
}

// ListSteps returns the steps of all committed checkpoints under baseDir,
// sorted ascending. A missing base directory yields an empty list.
func ListSteps(baseDir string) ([]int64, error) {
	entries, err := os.ReadDir(baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list checkpoints in %q", baseDir)
	}
	var steps []int64
	for _, entry := range entries {
		if !entry.IsDir() || !IsCheckpointAsset(entry.Name()) {
			continue
		}
		step, _ := StepFromAssetName(entry.Name())
		steps = append(steps, step)
	}
	slices.Sort(steps)
	return steps, nil
}

// LatestStep returns the highest committed step under baseDir, or
// found=false when there are no checkpoints. It never reports a step whose
// commit is incomplete: in-flight temporary directories are filtered out.
func LatestStep(baseDir string) (step int64, found bool, err error) {
	steps, err := ListSteps(baseDir)
	if err != nil || len(steps) == 0 {
		return 0, false, err
	}
	return steps[len(steps)-1], true, nil
}
