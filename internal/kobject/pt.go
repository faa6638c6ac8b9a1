package kobject

import (
	"context"
	"sync"

	"github.com/hedron-project/roottask/internal/domain"
	"github.com/hedron-project/roottask/internal/hv"
)

// PT is a portal handle: a synchronous cross-domain call gate bound to a
// local EC and tagged with a context identifying its handler (spec §3
// "Portal", §9).
type PT struct {
	mu sync.RWMutex

	id     domain.PortalID
	capSel uint64
	ec     *EC // weak: the EC owns the portal, not the reverse
	tag    domain.ContextTag
	kernel hv.Kernel

	delegatedTo *PD // weak: set once, by DelegateTo
}

// CreatePortal issues the hypervisor create-PT call, attaches the portal to
// the given local EC (the EC gains a strong reference), and tags it with
// the context the dispatcher will use to route calls (spec §4.5).
func (pd *PD) CreatePortal(ctx context.Context, id domain.PortalID, capSel uint64, ec *EC, tag domain.ContextTag) (*PT, error) {
	if ec.Kind() != ECLocal {
		return nil, ErrNotGlobal
	}

	pd.mu.RLock()
	kernel := pd.kernel
	closed := pd.closed
	pd.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	if _, err := kernel.Call(ctx, hv.Request{
		Op:   hv.OpCreatePT,
		Args: [5]uint64{capSel, ec.CapSelector(), uint64(tag.Kind), uint64(tag.ExceptionIndex)},
	}); err != nil {
		return nil, err
	}

	pt := &PT{id: id, capSel: capSel, ec: ec, tag: tag, kernel: kernel}
	ec.adoptPortal(pt)
	return pt, nil
}

// ID returns the portal's userland-assigned identity.
func (pt *PT) ID() domain.PortalID {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.id
}

// CapSelector returns the portal's selector within its owning EC's PD.
func (pt *PT) CapSelector() uint64 {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.capSel
}

// EC returns the (weak) local EC this portal is attached to.
func (pt *PT) EC() *EC {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.ec
}

// Tag returns the portal's immutable dispatch context.
func (pt *PT) Tag() domain.ContextTag {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.tag
}

// DelegateTo performs the hypervisor capability-delegation call moving this
// portal's selector into dst's capability space, and installs the
// bidirectional link described in spec §4.2: the portal records a weak
// delegatedTo pointer, and dst gains a strong reference via
// receiveDelegatedPortal. A portal may be delegated at most once.
func (pt *PT) DelegateTo(ctx context.Context, dst *PD, dstSel uint64) error {
	pt.mu.Lock()
	if pt.delegatedTo != nil {
		pt.mu.Unlock()
		return ErrAlreadyDelegated
	}
	kernel := pt.kernel
	srcSel := pt.capSel
	pt.mu.Unlock()

	if _, err := kernel.Call(ctx, hv.Request{
		Op:   hv.OpPTCtrl,
		Args: [5]uint64{srcSel, dstSel, dst.CapSelector()},
	}); err != nil {
		return err
	}

	pt.mu.Lock()
	if pt.delegatedTo != nil {
		pt.mu.Unlock()
		return ErrAlreadyDelegated
	}
	pt.delegatedTo = dst
	pt.mu.Unlock()

	dst.receiveDelegatedPortal(pt)
	return nil
}

// DelegatedTo returns the PD this portal was delegated into, if any.
func (pt *PT) DelegatedTo() (domain.PDHandle, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	if pt.delegatedTo == nil {
		return nil, false
	}
	return pt.delegatedTo, true
}

var _ domain.PTHandle = (*PT)(nil)
