package kobject

import (
	"context"
	"sync"

	"github.com/hedron-project/roottask/internal/hv"
)

// SM is a semaphore handle, used by portal handlers to block a worker EC
// until signaled (spec §3 "Semaphore").
type SM struct {
	mu sync.RWMutex

	capSel uint64
	owner  *PD // weak: owner strong-owns the SM, not the reverse
	kernel hv.Kernel
}

// CreateSM issues the hypervisor create-SM call and registers the result as
// strongly owned by pd.
func (pd *PD) CreateSM(ctx context.Context, capSel uint64, initialCount uint64) (*SM, error) {
	pd.mu.RLock()
	kernel := pd.kernel
	closed := pd.closed
	pd.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	if _, err := kernel.Call(ctx, hv.Request{Op: hv.OpCreateSM, Args: [5]uint64{capSel, initialCount}}); err != nil {
		return nil, err
	}

	sm := &SM{capSel: capSel, owner: pd, kernel: kernel}
	pd.adoptSM(sm)
	return sm, nil
}

// CapSelector returns the semaphore's selector.
func (sm *SM) CapSelector() uint64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.capSel
}

// Up increments the semaphore, waking one blocked Down caller.
func (sm *SM) Up(ctx context.Context) error {
	sm.mu.RLock()
	kernel := sm.kernel
	capSel := sm.capSel
	sm.mu.RUnlock()
	_, err := kernel.Call(ctx, hv.Request{Op: hv.OpSMCtrl, SubFn: 0, Args: [5]uint64{capSel}})
	return err
}

// Down blocks the calling EC until the semaphore's count is positive, then
// decrements it.
func (sm *SM) Down(ctx context.Context) error {
	sm.mu.RLock()
	kernel := sm.kernel
	capSel := sm.capSel
	sm.mu.RUnlock()
	_, err := kernel.Call(ctx, hv.Request{Op: hv.OpSMCtrl, SubFn: 1, Args: [5]uint64{capSel}})
	return err
}
