package main

import "sync"

// capSelAllocator is the root task's own bump allocator over its
// capability-selector space — a distinct numeric space from virtual
// addresses (internal/vaddr) or process/portal identifiers (internal/
// procmgr). Selector assignment is a boot-time bookkeeping concern the
// entrypoint owns directly (internal/loader's own doc comment: "selector
// allocation is a capability-space concern the boot entrypoint owns").
type capSelAllocator struct {
	mu   sync.Mutex
	next uint64
}

// newCapSelAllocator starts handing out selectors at 1; selector 0 is the
// null capability (hv.Simulated reserves it the same way).
func newCapSelAllocator() *capSelAllocator {
	return &capSelAllocator{next: 1}
}

// reserve returns the first of n contiguous, never-reused selectors.
func (a *capSelAllocator) reserve(n uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	base := a.next
	a.next += n
	return base
}
