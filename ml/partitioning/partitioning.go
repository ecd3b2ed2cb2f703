// Package partitioning defines the placement metadata attached to sharded
// checkpoint leaves, and the Partitioner capability that produces it.
//
// The partitioning logic itself (assigning model shards to devices) is an
// external collaborator: this package only carries enough per-leaf metadata
// for a checkpoint to be reconstructed later under an arbitrary device mesh.
package partitioning

import (
	"github.com/pkg/errors"
)

// Mesh describes a logical device mesh: named axes with their sizes.
// Restores use it to rebuild device placement for each leaf.
type Mesh struct {
	Name      string   `json:"name"`
	AxisNames []string `json:"axis_names"`
	AxisSizes []int    `json:"axis_sizes"`
}

// NumDevices returns the total number of devices in the mesh.
func (m *Mesh) NumDevices() int {
	if m == nil {
		return 1
	}
	n := 1
	for _, size := range m.AxisSizes {
		n *= size
	}
	return n
}

// AxisSize returns the size of the named axis, or an error if the mesh has
// no such axis.
func (m *Mesh) AxisSize(name string) (int, error) {
	for ii, axisName := range m.AxisNames {
		if axisName == name {
			return m.AxisSizes[ii], nil
		}
	}
	return 0, errors.Errorf("mesh %q has no axis named %q (axes: %v)", m.Name, name, m.AxisNames)
}

// Spec describes how one tensor is partitioned over a mesh: one entry per
// tensor axis naming the mesh axis it is split over, or "" for a replicated
// axis. A nil Spec means fully replicated.
type Spec []string

// Replicated reports whether the spec replicates the tensor on all devices.
func (s Spec) Replicated() bool {
	for _, axis := range s {
		if axis != "" {
			return false
		}
	}
	return true
}

// LeafSharding is the per-leaf sidecar persisted next to a sharded leaf's
// data: enough to reconstruct the leaf's placement with a mesh available at
// restore time.
type LeafSharding struct {
	MeshName string `json:"mesh_name,omitempty"`
	MeshAxes Spec   `json:"mesh_axes,omitempty"`

	// UnpaddedDimensions, when present, are the true dimensions before any
	// batch padding was applied at save time.
	UnpaddedDimensions []int `json:"unpadded_dimensions,omitempty"`
}

// StepFn is an opaque partitioned computation, supplied and consumed by the
// surrounding numeric runtime.
type StepFn func(args ...any) (any, error)

// Partitioner is the capability producing placement metadata. The
// checkpoint subsystem consumes the returned input partition Spec; the
// partitioned StepFn is for the training loop.
type Partitioner interface {
	Partition(stepFn StepFn, shapeHint any, isEval bool) (StepFn, Spec)
}
