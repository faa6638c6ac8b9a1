// Package kobject implements the reference-counted kernel-object handles
// (spec §3, §4.2, §9): PD, EC, SC, PT, SM. The object graph is a tree with
// explicit weak back-references — PD strong-owns its ECs, SMs, and the
// portals delegated into it; a portal holds only a weak pointer to the PD
// it was delegated into, and a local EC's attached portals are weak about
// their owning EC. The shape (an RWMutex-guarded struct with getter methods
// and a back-pointer to its owning service) follows state/container.go in
// the teacher.
package kobject

import (
	"context"
	"sync"

	"github.com/hedron-project/roottask/internal/domain"
	"github.com/hedron-project/roottask/internal/hv"
	"github.com/sirupsen/logrus"
)

// PD is a protection-domain handle: an address space plus a capability
// space (spec §3 "Protection Domain").
type PD struct {
	mu sync.RWMutex

	id      domain.ProcessID
	capSel  uint64
	parent  *PD // weak: the root PD has none
	kernel  hv.Kernel
	log     *logrus.Logger

	localECs  map[uint64]*EC
	globalEC  *EC
	sms       map[uint64]*SM
	portalsIn map[domain.PortalID]*PT // portals delegated INTO this PD

	closed bool
}

// NewRootPD mirrors the root task's own PD, which already exists in the
// capability space handed to the root task at boot — no hypervisor call is
// needed to "create" it (spec §4.2: "a pure constructor"). It still needs
// the kernel transport, since the root PD goes on to create children.
func NewRootPD(capSel uint64, kernel hv.Kernel, log *logrus.Logger) *PD {
	return newPD(domain.ProcessID(0), capSel, nil, kernel, log)
}

// CreatePD issues the hypervisor create-PD call and wraps the result in a
// PD owned (strongly) by the parent's process-manager bookkeeping. Callers
// are responsible for registering the returned PD with the process manager.
func (parent *PD) CreatePD(ctx context.Context, id domain.ProcessID, capSel uint64) (*PD, error) {
	parent.mu.RLock()
	closed := parent.closed
	kernel := parent.kernel
	parent.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	resp, err := kernel.Call(ctx, hv.Request{Op: hv.OpCreatePD, Args: [5]uint64{capSel}})
	if err != nil {
		return nil, err
	}
	_ = resp

	return newPD(id, capSel, parent, kernel, parent.log), nil
}

func newPD(id domain.ProcessID, capSel uint64, parent *PD, kernel hv.Kernel, log *logrus.Logger) *PD {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PD{
		id:        id,
		capSel:    capSel,
		parent:    parent,
		kernel:    kernel,
		log:       log,
		localECs:  make(map[uint64]*EC),
		sms:       make(map[uint64]*SM),
		portalsIn: make(map[domain.PortalID]*PT),
	}
}

// ID returns the process identity this PD represents.
func (pd *PD) ID() domain.ProcessID { return pd.id }

// CapSelector returns the selector this PD occupies within its parent's
// capability space (0 for the root PD, which has no parent).
func (pd *PD) CapSelector() uint64 {
	pd.mu.RLock()
	defer pd.mu.RUnlock()
	return pd.capSel
}

// Parent returns the weak parent reference, or (nil, false) for the root PD
// (spec §3 invariant: "the root PD has none").
func (pd *PD) Parent() (domain.PDHandle, bool) {
	pd.mu.RLock()
	defer pd.mu.RUnlock()
	if pd.parent == nil {
		return nil, false
	}
	return pd.parent, true
}

// adoptLocalEC registers a strongly-owned local EC. Called by EC
// constructors, not directly by users.
func (pd *PD) adoptLocalEC(ec *EC) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.localECs[ec.capSel] = ec
}

// adoptGlobalEC registers the (at most one) strongly-owned global EC.
func (pd *PD) adoptGlobalEC(ec *EC) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.globalEC = ec
}

// GlobalEC returns the PD's global EC, if any.
func (pd *PD) GlobalEC() (*EC, bool) {
	pd.mu.RLock()
	defer pd.mu.RUnlock()
	return pd.globalEC, pd.globalEC != nil
}

// adoptSM registers a strongly-owned semaphore.
func (pd *PD) adoptSM(sm *SM) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.sms[sm.capSel] = sm
}

// receiveDelegatedPortal records a strong reference to a portal delegated
// into this PD. Called by PT.DelegateTo, which also sets the portal's weak
// delegatedTo pointer.
func (pd *PD) receiveDelegatedPortal(pt *PT) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.portalsIn[pt.id] = pt
}

// LookupDelegatedPortal finds a portal previously delegated into this PD by
// its userland-assigned ID (spec §4.5: the dispatcher resolves the calling
// PD via "the portal's delegated_to_pd weak link").
func (pd *PD) LookupDelegatedPortal(id domain.PortalID) (*PT, bool) {
	pd.mu.RLock()
	defer pd.mu.RUnlock()
	pt, ok := pd.portalsIn[id]
	return pt, ok
}

// Close tears down the PD. Per spec §4.2, capability revocation is
// currently unimplemented on handle destruction — this merely logs the
// fact and releases the in-process bookkeeping (child ECs' and portals'
// Go objects become unreachable and are collected normally; no dangling
// kernel-side capability is reclaimed).
func (pd *PD) Close() {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.closed {
		return
	}
	pd.closed = true
	pd.log.WithField("pid", pd.id).Warn("kobject: capability revocation on PD teardown is not implemented")
}

// Closed reports whether Close has been called.
func (pd *PD) Closed() bool {
	pd.mu.RLock()
	defer pd.mu.RUnlock()
	return pd.closed
}

var _ domain.PDHandle = (*PD)(nil)
