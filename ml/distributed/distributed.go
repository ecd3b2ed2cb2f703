// Package distributed defines the cross-process coordination capability the
// checkpoint subsystem depends on: process identity, a step-granularity
// barrier, and a one-to-all broadcast used to agree on cross-process facts
// (e.g. "did step N's outputs already get written").
//
// The actual transport (host mesh, RPC, etc.) is an external collaborator;
// Local returns the trivial single-process implementation.
package distributed

// Coordinator is the distributed coordination primitive.
//
// One process is the leader (by convention rank 0): only the leader mutates
// directory-level checkpoint structure (retention pruning, commit renames),
// while all processes may contribute data shards to an in-flight commit.
type Coordinator interface {
	// ProcessIndex returns this process' rank, in [0, ProcessCount).
	ProcessIndex() int

	// ProcessCount returns the number of lockstep worker processes.
	ProcessCount() int

	// Barrier blocks until every process reached the barrier with the same
	// name. The sharded commit protocol fans in shard descriptors from all
	// processes before the leader finalizes.
	Barrier(name string) error

	// BroadcastOneToAll sends value from the leader to every process and
	// returns the leader's value everywhere.
	BroadcastOneToAll(value []byte) ([]byte, error)
}

// IsLeader reports whether this process does directory-level bookkeeping.
func IsLeader(c Coordinator) bool {
	return c == nil || c.ProcessIndex() == 0
}

// local is the single-process Coordinator: every operation is a no-op.
type local struct{}

// Local returns the single-process Coordinator.
func Local() Coordinator { return local{} }

func (local) ProcessIndex() int { return 0 }

func (local) ProcessCount() int { return 1 }

func (local) Barrier(string) error { return nil }

func (local) BroadcastOneToAll(value []byte) ([]byte, error) { return value, nil }
