package checkpoints

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/paxgo/pax/ml/nested"
	"github.com/paxgo/pax/ml/states"
	"github.com/paxgo/pax/types/tensors"
	"github.com/paxgo/pax/types/xsync"
)

// AsyncCheckpointer runs saves on a background goroutine so the training
// loop only pays for snapshotting the state, not for I/O. At most one save
// is in flight: a new Save first waits for the previous one to finish, then
// surfaces its error before starting the next.
//
// Restores and queries go straight through to the underlying Manager.
type AsyncCheckpointer struct {
	manager *Manager

	mu       sync.Mutex
	inFlight *xsync.LatchWithValue[error]
	pending  error
}

// NewAsyncCheckpointer wraps manager with background saving.
func NewAsyncCheckpointer(manager *Manager) *AsyncCheckpointer {
	return &AsyncCheckpointer{manager: manager}
}

// Manager returns the underlying Manager.
func (a *AsyncCheckpointer) Manager() *Manager { return a.manager }

// Save snapshots state and commits it in the background. The snapshot is
// taken synchronously (a deep copy of every tensor), so the caller is free
// to mutate state as soon as Save returns. The returned error is either a
// snapshotting failure or the surfaced error of the PREVIOUS background
// save; the save started by this call reports through the next Save,
// WaitUntilFinished or CheckForErrors.
func (a *AsyncCheckpointer) Save(step int64, state *states.TrainState, args *SaveArgs) error {
	snapshot, err := snapshotState(state)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err = a.drainLocked(); err != nil {
		return err
	}
	latch := xsync.NewLatchWithValue[error]()
	a.inFlight = latch
	go func() {
		saveErr := a.manager.Save(step, snapshot, args)
		if saveErr != nil {
			klog.Errorf("checkpoints: background save of step %d failed: %+v", step, saveErr)
		}
		latch.Trigger(saveErr)
	}()
	return nil
}

// drainLocked waits out the in-flight save and collects its error.
// Callers hold a.mu.
func (a *AsyncCheckpointer) drainLocked() error {
	if a.inFlight != nil {
		if err := a.inFlight.Wait(); err != nil {
			a.pending = err
		}
		a.inFlight = nil
	}
	err := a.pending
	a.pending = nil
	return err
}

// WaitUntilFinished blocks until no save is in flight and returns any error
// not yet surfaced. Call it before exiting to make sure the last checkpoint
// actually committed.
func (a *AsyncCheckpointer) WaitUntilFinished() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.drainLocked()
}

// CheckForErrors surfaces the error of an already-finished background save
// without blocking on one still running.
func (a *AsyncCheckpointer) CheckForErrors() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight != nil && a.inFlight.Test() {
		if err := a.inFlight.Wait(); err != nil {
			a.pending = err
		}
		a.inFlight = nil
	}
	err := a.pending
	a.pending = nil
	return err
}

// Restore waits out any in-flight save first, so a restore right after a
// save of the same step sees the committed checkpoint.
func (a *AsyncCheckpointer) Restore(step int64, target *states.TrainState, args *RestoreArgs) (*states.TrainState, error) {
	if err := a.WaitUntilFinished(); err != nil {
		return nil, err
	}
	return a.manager.Restore(step, target, args)
}

// snapshotState deep-copies every tensor leaf so the background save reads
// stable data. Masked sentinels and bare shapes are copied as-is.
func snapshotState(state *states.TrainState) (*states.TrainState, error) {
	copied := nested.Map(state.Tree(), func(v states.Value) states.Value {
		if t, ok := v.(*tensors.Tensor); ok {
			return t.Clone()
		}
		return v
	})
	snapshot, err := states.FromTree(copied)
	return snapshot, errors.WithMessage(err, "failed to snapshot train state for async save")
}
