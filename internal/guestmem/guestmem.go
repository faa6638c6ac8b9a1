// Package guestmem adapts the loader's per-process memory map onto
// internal/fsyscall's MemoryView interface: translating a guest virtual
// address into one of the regions internal/memmap established for that
// process (stack, program-image segments) and slicing its backing bytes.
//
// Only regions the loader mapped at process-start are visible here. The
// foreign-syscall translator's brk/mmap emulation hands back addresses
// without ever backing them with real memory (spec §4.7, §9 — the same
// non-reclaiming, address-only bump allocator original_source's own mmap
// implementation uses), so guest reads/writes against freshly "mmapped" or
// grown-heap addresses are out of scope by construction, not by omission.
package guestmem

import (
	"fmt"
	"sync"

	"github.com/hedron-project/roottask/internal/domain"
	"github.com/hedron-project/roottask/internal/memmap"
)

// Region is the subset of *memmap.MappedMemory the index needs: enough to
// translate an address into the mapping and slice its backing bytes.
type Region interface {
	Bytes(off, n uint64) ([]byte, error)
}

type region struct {
	base  uint64
	size  uint64
	bytes Region
}

// Index resolves guest virtual addresses to mapped region bytes, one
// region list per process.
type Index struct {
	mu      sync.RWMutex
	regions map[domain.ProcessID][]region
}

// New constructs an empty Index.
func New() *Index {
	return &Index{regions: make(map[domain.ProcessID][]region)}
}

// AddRegion records a mapped region for pid, given its guest-side base
// address, span (pageCount*pageSize), and the backing view. Called once
// per region the loader establishes (the stack and each ELF segment).
func (idx *Index) AddRegion(pid domain.ProcessID, base, size uint64, bytes Region) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.regions[pid] = append(idx.regions[pid], region{base: base, size: size, bytes: bytes})
}

// AddMapped is a convenience wrapper around AddRegion for a
// *memmap.MappedMemory result straight out of the loader.
func (idx *Index) AddMapped(pid domain.ProcessID, mm *memmap.MappedMemory) {
	idx.AddRegion(pid, mm.DstAddr, mm.PageCount*mm.PageSize, mm)
}

func (idx *Index) find(pid domain.ProcessID, addr uint64, n int) (region, uint64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, r := range idx.regions[pid] {
		if addr >= r.base && addr+uint64(n) <= r.base+r.size {
			return r, addr - r.base, nil
		}
	}
	return region{}, 0, fmt.Errorf("guestmem: pid %d has no mapped region covering [%#x, %#x)", pid, addr, addr+uint64(n))
}

// ReadBytes implements fsyscall.MemoryView.
func (idx *Index) ReadBytes(pid domain.ProcessID, addr uint64, n int) ([]byte, error) {
	r, off, err := idx.find(pid, addr, n)
	if err != nil {
		return nil, err
	}
	src, err := r.bytes.Bytes(off, uint64(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, src)
	return out, nil
}

// WriteBytes implements fsyscall.MemoryView.
func (idx *Index) WriteBytes(pid domain.ProcessID, addr uint64, data []byte) error {
	r, off, err := idx.find(pid, addr, len(data))
	if err != nil {
		return err
	}
	dst, err := r.bytes.Bytes(off, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}
