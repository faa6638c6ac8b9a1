// Package procmgr is the root task's process-wide singleton registry (spec
// §9 "Process-wide global state"): process table and portal table behind
// one lock, plus monotonic portal/process-ID counters advanced with atomic
// increments outside that lock. The module is
// lazily initialized once via New and threaded explicitly into every
// subsystem that needs it — no package-level global, so tests can run
// several independent managers in parallel.
package procmgr

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-immutable-radix"
	"github.com/hedron-project/roottask/internal/domain"
)

// Manager is the process manager described in spec §9: a single lock
// guarding the process table, the portal table, and a secondary
// selector-range index used to resolve which PD owns a bulk-delegated
// capability range (spec §4.5 dispatcher lookup).
type Manager struct {
	mu sync.RWMutex

	processes map[domain.ProcessID]domain.PDHandle
	portals   map[domain.PortalID]domain.PTHandle

	// selByRange indexes capability-selector range bases (big-endian uint64
	// keys, per the go-immutable-radix convention used for ordered numeric
	// keys) to the owning PD, so the dispatcher can resolve "which PD does
	// this selector belong to" in O(log n) for ranges installed by bulk
	// delegation instead of scanning every process.
	selByRange *iradix.Tree

	nextPortalID  uint64
	nextProcessID uint64
}

// New constructs an empty process manager. Per spec §9 this must be called
// exactly once, before any portal handler runs; callers are responsible for
// that single-init discipline (the boot entrypoint performs it).
func New() *Manager {
	return &Manager{
		processes:  make(map[domain.ProcessID]domain.PDHandle),
		portals:    make(map[domain.PortalID]domain.PTHandle),
		selByRange: iradix.New(),
		// Process 0 is the root task itself (kobject.NewRootPD); new
		// processes are assigned starting at 1.
		nextProcessID: 1,
		// Portal identifier 0 is reserved (GLOSSARY: "0 is never a valid
		// portal identifier"), so the counter starts at 1.
		nextPortalID: 1,
	}
}

// RegisterProcess records a PD under its process identity. Overwriting an
// existing entry is a programming error and panics, since PIDs are assigned
// by NextProcessID and never reused.
func (m *Manager) RegisterProcess(pd domain.PDHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.processes[pd.ID()]; exists {
		panic(fmt.Sprintf("procmgr: process %d already registered", pd.ID()))
	}
	m.processes[pd.ID()] = pd
}

// LookupProcess resolves a PID to its PD handle.
func (m *Manager) LookupProcess(pid domain.ProcessID) (domain.PDHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pd, ok := m.processes[pid]
	return pd, ok
}

// ListProcessIDs returns every registered process identifier, in no
// particular order. Used by the operator-facing control surface (spec
// §3.15's ListProcesses) — nothing in the guest-facing ABI needs this.
func (m *Manager) ListProcessIDs() []domain.ProcessID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]domain.ProcessID, 0, len(m.processes))
	for id := range m.processes {
		ids = append(ids, id)
	}
	return ids
}

// RegisterPortal records a portal under its process-wide unique identifier
// (spec §3 "Portal": "the portal identifier is unique process-wide and
// used as the sole handler argument on invocation").
func (m *Manager) RegisterPortal(pt domain.PTHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.portals[pt.ID()]; exists {
		panic(fmt.Sprintf("procmgr: portal %d already registered", pt.ID()))
	}
	m.portals[pt.ID()] = pt
}

// LookupPortal resolves a portal identifier to its handle — the first step
// of the dispatcher's lookup chain (spec §4.5).
func (m *Manager) LookupPortal(id domain.PortalID) (domain.PTHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pt, ok := m.portals[id]
	return pt, ok
}

// ResolvingPD finds the PD that is the caller of a portal invocation: the
// portal's delegated_to_pd weak link if it has been delegated, falling back
// to its owning EC's PD otherwise (spec §4.5: "looks up the portal in a
// process manager, finds the calling PD via the portal's delegated_to_pd
// weak link or the owning EC's PD").
func ResolvingPD(pt domain.PTHandle, ecPD domain.PDHandle) domain.PDHandle {
	if dst, ok := pt.DelegatedTo(); ok {
		return dst
	}
	return ecPD
}

// IndexSelectorRange records that the capability-selector range [base,
// base+count) was bulk-delegated to dst, so the dispatcher can resolve a
// caller's PD from a selector inside a bulk range without a table entry per
// selector.
func (m *Manager) IndexSelectorRange(base uint64, dst domain.PDHandle) {
	key := beKey(base)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selByRange, _, _ = m.selByRange.Insert(key, dst)
}

// LookupSelectorRange returns the PD registered for the greatest indexed
// range base at or below sel. go-immutable-radix exposes prefix and exact
// lookups but no floor query, so this walks the (small, O(number of
// bulk-delegated ranges)) tree keeping the closest base not exceeding sel —
// still backed by the radix tree for ordered, allocation-free iteration
// rather than a separately maintained sorted slice.
func (m *Manager) LookupSelectorRange(sel uint64) (domain.PDHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		best   uint64
		bestPD domain.PDHandle
		found  bool
	)
	m.selByRange.Root().Walk(func(k []byte, v interface{}) bool {
		base := beDecode(k)
		if base <= sel && (!found || base > best) {
			base, pd := base, v.(domain.PDHandle)
			best, bestPD, found = base, pd, true
		}
		return false
	})
	return bestPD, found
}

// NextPortalID returns a fresh, process-wide unique portal identifier
// (spec §9: "Portal identifiers... are generated from monotonic counters
// with atomic increment").
func (m *Manager) NextPortalID() domain.PortalID {
	return domain.PortalID(atomic.AddUint64(&m.nextPortalID, 1) - 1)
}

// NextProcessID returns a fresh process identifier.
func (m *Manager) NextProcessID() domain.ProcessID {
	return domain.ProcessID(atomic.AddUint64(&m.nextProcessID, 1) - 1)
}

// beKey renders v as a big-endian byte slice, the ordering-preserving key
// shape go-immutable-radix expects for numeric range lookups (mirrors the
// convention used for handler/handlerDB.go's range keys in the teacher).
func beKey(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func beDecode(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
