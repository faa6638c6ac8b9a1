// Package vaddr is the root task's virtual-address allocator (spec §4.3): a
// single global, monotonic, non-reclaiming cursor handing out page-aligned
// ranges within the root task's own address space, with a reverse index
// (range base → region) for bounds-checked address translation.
package vaddr

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/hashicorp/go-immutable-radix"
)

var (
	// ErrNotPageAligned is returned when a caller supplies an address or
	// size that is not a multiple of the allocator's page size.
	ErrNotPageAligned = errors.New("vaddr: address is not page-aligned")

	// ErrZeroPages is returned when page_count < 1 (spec §4.3 precondition).
	ErrZeroPages = errors.New("vaddr: page_count must be >= 1")

	// ErrOutOfRange is returned when a translated address falls outside any
	// allocated region.
	ErrOutOfRange = errors.New("vaddr: address is outside any allocated region")
)

// Region describes one allocation handed out by the allocator.
type Region struct {
	Base      uint64
	PageCount uint64
	PageSize  uint64
}

func (r Region) size() uint64 { return r.PageCount * r.PageSize }
func (r Region) end() uint64  { return r.Base + r.size() }

// Allocator is the process-wide v-addr allocator described in spec §4.3 and
// §9 ("a single global with a monotonic cursor; it never reclaims").
type Allocator struct {
	mu       sync.Mutex
	pageSize uint64
	cursor   uint64
	index    *iradix.Tree // base (big-endian uint64 key) -> Region
}

// New constructs an allocator that begins handing out ranges at base
// (already page-aligned by the caller — the root task's boot code reserves
// the low part of the address space for the program image before this
// range starts).
func New(base, pageSize uint64) *Allocator {
	return &Allocator{pageSize: pageSize, cursor: base, index: iradix.New()}
}

// Alloc hands out pageCount pages aligned to the next power of two at or
// above the mapping size, "maximizing the planner's step merging" per spec
// §4.3. The cursor only ever advances.
func (a *Allocator) Alloc(pageCount uint64) (Region, error) {
	if pageCount < 1 {
		return Region{}, ErrZeroPages
	}

	size := pageCount * a.pageSize
	order := bits.Len64(size - 1) // smallest order with 1<<order >= size
	align := uint64(1) << uint(order)

	a.mu.Lock()
	defer a.mu.Unlock()

	base := alignUp(a.cursor, align)
	region := Region{Base: base, PageCount: pageCount, PageSize: a.pageSize}
	a.cursor = region.end()
	a.index, _, _ = a.index.Insert(beKey(base), region)
	return region, nil
}

// Lookup finds the region that contains addr (spec §4.3). It walks every
// indexed region; MappedMemory.OldToNewAddr does its own bounds check and
// does not call it.
func (a *Allocator) Lookup(addr uint64) (Region, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		best  Region
		found bool
	)
	a.index.Root().Walk(func(k []byte, v interface{}) bool {
		r := v.(Region)
		if r.Base <= addr && addr < r.end() && (!found || r.Base > best.Base) {
			best, found = r, true
		}
		return false
	})
	return best, found
}

// PageSize returns the allocator's fixed page size.
func (a *Allocator) PageSize() uint64 { return a.pageSize }

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func beKey(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// CheckPageAligned validates that addr is a multiple of pageSize, returning
// a wrapped ErrNotPageAligned naming the offending value for diagnostics.
func CheckPageAligned(addr, pageSize uint64) error {
	if addr%pageSize != 0 {
		return fmt.Errorf("%w: %#x", ErrNotPageAligned, addr)
	}
	return nil
}
