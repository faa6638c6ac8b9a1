package kobject

import (
	"context"
	"errors"
	"sync"

	"github.com/hedron-project/roottask/internal/domain"
	"github.com/hedron-project/roottask/internal/hv"
)

// ECKind distinguishes the two EC variants (spec §3 "Execution Context").
type ECKind uint8

const (
	ECLocal ECKind = iota
	ECGlobal
)

var ErrBadUTCB = errors.New("kobject: UTCB address must be page-aligned and non-null")
var ErrBadStack = errors.New("kobject: local EC handler stack top must be non-null")

// EC is an execution-context handle. Local ECs serve only as portal-handler
// dispatch targets; global ECs are schedulable and may carry an attached SC.
type EC struct {
	mu sync.RWMutex

	kind   ECKind
	pd     *PD // weak: EC does not own its PD
	capSel uint64
	kernel hv.Kernel

	utcbAddr uint64

	// Local-EC-only fields.
	handlerStackTop uint64
	portals         map[domain.PortalID]*PT // strong: EC owns its attached portals

	// Global-EC-only fields.
	sc *SC // strong: a global EC owns at most one SC
}

// CreateLocalEC issues the hypervisor create-EC(local) call, registers the
// handle with its owning PD, and validates the invariants from spec §3:
// UTCB page-aligned and non-null, stack top non-null.
func (pd *PD) CreateLocalEC(ctx context.Context, capSel uint64, utcbAddr, handlerStackTop, pageSize uint64) (*EC, error) {
	if utcbAddr == 0 || utcbAddr%pageSize != 0 {
		return nil, ErrBadUTCB
	}
	if handlerStackTop == 0 {
		return nil, ErrBadStack
	}

	pd.mu.RLock()
	kernel := pd.kernel
	closed := pd.closed
	pd.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	if _, err := kernel.Call(ctx, hv.Request{Op: hv.OpCreateEC, SubFn: uint8(ECLocal), Args: [5]uint64{capSel, utcbAddr}}); err != nil {
		return nil, err
	}

	ec := &EC{
		kind:            ECLocal,
		pd:              pd,
		capSel:          capSel,
		kernel:          kernel,
		utcbAddr:        utcbAddr,
		handlerStackTop: handlerStackTop,
		portals:         make(map[domain.PortalID]*PT),
	}
	pd.adoptLocalEC(ec)
	return ec, nil
}

// CreateGlobalEC issues the hypervisor create-EC(global) call and registers
// the handle as the PD's (sole) global EC.
func (pd *PD) CreateGlobalEC(ctx context.Context, capSel uint64, utcbAddr, pageSize uint64) (*EC, error) {
	if utcbAddr == 0 || utcbAddr%pageSize != 0 {
		return nil, ErrBadUTCB
	}

	pd.mu.RLock()
	kernel := pd.kernel
	closed := pd.closed
	pd.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	if _, err := kernel.Call(ctx, hv.Request{Op: hv.OpCreateEC, SubFn: uint8(ECGlobal), Args: [5]uint64{capSel, utcbAddr}}); err != nil {
		return nil, err
	}

	ec := &EC{
		kind:     ECGlobal,
		pd:       pd,
		capSel:   capSel,
		kernel:   kernel,
		utcbAddr: utcbAddr,
	}
	pd.adoptGlobalEC(ec)
	return ec, nil
}

// Kind reports whether the EC is local or global.
func (ec *EC) Kind() ECKind {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.kind
}

// PD returns the (weak) owning protection domain.
func (ec *EC) PD() *PD {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.pd
}

// CapSelector returns the EC's selector within its PD's capability space.
func (ec *EC) CapSelector() uint64 {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.capSel
}

// UTCBAddr returns the EC's UTCB virtual address.
func (ec *EC) UTCBAddr() uint64 {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.utcbAddr
}

// HandlerStackTop returns the local EC's guarded handler stack top. Panics
// if called on a global EC — a programming error, not a runtime condition.
func (ec *EC) HandlerStackTop() uint64 {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	if ec.kind != ECLocal {
		panic("kobject: HandlerStackTop called on a non-local EC")
	}
	return ec.handlerStackTop
}

// adoptPortal registers a strongly-owned portal attached to this local EC.
func (ec *EC) adoptPortal(pt *PT) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.portals[pt.id] = pt
}

// LookupPortal finds a portal attached to this local EC by its ID.
func (ec *EC) LookupPortal(id domain.PortalID) (*PT, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	pt, ok := ec.portals[id]
	return pt, ok
}

// AttachSC installs the global EC's (sole) scheduling context. Creating the
// SC schedules the EC (spec §4.4 step 7: "Creating the SC makes the EC
// schedulable... it MUST be created only after all exception portals are in
// place").
func (ec *EC) AttachSC(sc *SC) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.kind != ECGlobal {
		return ErrNotGlobal
	}
	if ec.sc != nil {
		return ErrSCAlreadyAttached
	}
	ec.sc = sc
	sc.ec = ec
	return nil
}

// SC returns the global EC's attached scheduling context, if any.
func (ec *EC) SC() (*SC, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.sc, ec.sc != nil
}
