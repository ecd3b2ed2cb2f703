package checkpoints

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/paxgo/pax/types/shapes"
)

var (
	// ErrMissingVersion is returned when a handler Save/Restore is invoked
	// without the mandatory format-version argument. Version-dependent
	// layout decisions are made by name at the top of each call, so there
	// is no meaningful default.
	ErrMissingVersion = errors.New("checkpoint format version is required and was not given")

	// ErrUnsupportedFormat is returned for an unrecognized checkpoint
	// format, before any I/O happens.
	ErrUnsupportedFormat = errors.New("unsupported checkpoint format")

	// ErrAlreadyExists is returned by Manager.Save when a committed
	// checkpoint already exists at the requested step and force was not set.
	ErrAlreadyExists = errors.New("a checkpoint already exists at this step")
)

// Note: "no checkpoint found" is deliberately NOT an error. Restore paths
// return a nil TrainState (and nil error) so callers can distinguish
// "nothing to restore yet" from a genuine restore failure.

// StructuralMismatchError indicates the restored tree shape disagrees with
// the target tree shape -- a masked-leaf position mismatch, or a
// flattened-value count that disagrees with the expected leaf count.
// It is fatal: values cannot be realigned safely, restore aborts.
type StructuralMismatchError struct {
	Details string
}

// Error implements the error interface.
func (e *StructuralMismatchError) Error() string {
	return fmt.Sprintf("checkpoint structural mismatch: %s", e.Details)
}

func structuralMismatchf(format string, args ...any) error {
	return &StructuralMismatchError{Details: fmt.Sprintf(format, args...)}
}

// ShapeMismatchError indicates a restored leaf's shape differs from the
// expected one. It is only raised when strict shape checking is enabled.
type ShapeMismatchError struct {
	Leaf       string
	Checkpoint shapes.Shape
	Expected   shapes.Shape
}

// Error implements the error interface.
func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("restored parameter %q shape mismatch: %s (checkpoint) vs. %s (expected)",
		e.Leaf, e.Checkpoint, e.Expected)
}
