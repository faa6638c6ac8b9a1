package kobject

import (
	"context"
	"sync"

	"github.com/hedron-project/roottask/internal/hv"
)

// SC is a scheduling-context handle: priority and quantum attached to
// exactly one global EC (spec §3 "Scheduling Context").
type SC struct {
	mu sync.RWMutex

	capSel   uint64
	ec       *EC // weak: the EC owns the SC, not the reverse
	priority uint8
	quantum  uint64 // microseconds
}

// CreateSC issues the hypervisor create-SC call and attaches the result to
// the given global EC. Per spec §4.4 step 7, this is the call that makes
// the EC schedulable, so callers must create it only after the EC's
// exception portals are installed.
func (pd *PD) CreateSC(ctx context.Context, capSel uint64, ec *EC, priority uint8, quantum uint64) (*SC, error) {
	pd.mu.RLock()
	kernel := pd.kernel
	closed := pd.closed
	pd.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	if _, err := kernel.Call(ctx, hv.Request{
		Op:    hv.OpCreateSC,
		Args:  [5]uint64{capSel, ec.CapSelector(), uint64(priority), quantum},
	}); err != nil {
		return nil, err
	}

	sc := &SC{capSel: capSel, priority: priority, quantum: quantum}
	if err := ec.AttachSC(sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// CapSelector returns the SC's selector.
func (sc *SC) CapSelector() uint64 {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.capSel
}

// EC returns the (weak) global EC this SC schedules.
func (sc *SC) EC() *EC {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.ec
}

// Priority returns the SC's scheduling priority.
func (sc *SC) Priority() uint8 {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.priority
}

// Quantum returns the SC's time slice in microseconds.
func (sc *SC) Quantum() uint64 {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.quantum
}
