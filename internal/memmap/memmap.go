// Package memmap implements the memory mapper (spec §4.3): plans and
// executes intra-PD and cross-PD page mappings, delegating through
// internal/delegate for the minimal hypervisor call sequence and applying
// the RWX-self-map-then-downgrade workaround from spec §9 when the final
// permissions are narrower than what the root task needs to populate the
// region with.
package memmap

import (
	"context"
	"errors"
	"fmt"

	"github.com/hedron-project/roottask/internal/captypes"
	"github.com/hedron-project/roottask/internal/delegate"
	"github.com/hedron-project/roottask/internal/domain"
	"github.com/hedron-project/roottask/internal/hv"
	"github.com/hedron-project/roottask/internal/vaddr"
)

var (
	// ErrNotPageAligned mirrors vaddr's alignment error for mapper inputs.
	ErrNotPageAligned = vaddr.ErrNotPageAligned

	// ErrZeroPages is returned when page_count < 1 (spec §4.3 precondition).
	ErrZeroPages = vaddr.ErrZeroPages

	// ErrSameAddress is returned for an intra-PD map whose destination
	// equals its source — Hedron forbids in-place rights upgrade, so an
	// intra-PD map must always move to a different address (spec §4.3).
	ErrSameAddress = errors.New("memmap: intra-PD mapping destination must differ from source")

	// ErrOutOfRange is returned by OldToNewAddr / views whose offset falls
	// outside the mapped region.
	ErrOutOfRange = errors.New("memmap: address or offset outside mapped region")
)

// MappedMemory is the result of a mmap call: the (src, dst) address pair,
// page count, and permissions, plus the destination's backing bytes — the
// root task's own view onto the memory it just mapped (spec §4.3).
type MappedMemory struct {
	SrcAddr   uint64
	DstAddr   uint64
	PageCount uint64
	PageSize  uint64
	Perms     captypes.Permission

	backing []byte
}

func (m *MappedMemory) size() uint64 { return m.PageCount * m.PageSize }

// OldToNewAddr translates an address in the source range to the
// corresponding mapped address, bounds-checked (spec §4.3).
func (m *MappedMemory) OldToNewAddr(a uint64) (uint64, error) {
	if a < m.SrcAddr || a >= m.SrcAddr+m.size() {
		return 0, fmt.Errorf("%w: %#x not in source range [%#x, %#x)", ErrOutOfRange, a, m.SrcAddr, m.SrcAddr+m.size())
	}
	return m.DstAddr + (a - m.SrcAddr), nil
}

// Bytes returns a bounds-checked slice view of length n starting at byte
// offset off within the mapped region.
func (m *MappedMemory) Bytes(off, n uint64) ([]byte, error) {
	if off+n > m.size() || off+n < off {
		return nil, fmt.Errorf("%w: offset %#x length %#x exceeds region size %#x", ErrOutOfRange, off, n, m.size())
	}
	return m.backing[off : off+n], nil
}

// Value copies n bytes at offset off into dst, a convenience wrapper around
// Bytes for fixed-size value reads (spec §4.3 "typed views interpreting the
// mapped region as a slice or as a value of a given size and offset").
func (m *MappedMemory) Value(off uint64, dst []byte) error {
	src, err := m.Bytes(off, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// Mapper ties together the allocator, the delegation planner, and the
// hypervisor transport to implement the mmap contract.
type Mapper struct {
	kernel hv.Kernel
	alloc  *vaddr.Allocator
}

// New constructs a Mapper over the process-wide allocator and kernel
// transport.
func New(kernel hv.Kernel, alloc *vaddr.Allocator) *Mapper {
	return &Mapper{kernel: kernel, alloc: alloc}
}

// Map implements spec §4.3's mmap contract. preferredDstAddr may be nil, in
// which case the v-addr allocator supplies a destination range. Map issues
// a single delegation with perms and does not self-map first; callers that
// need to populate a region before delegating it with narrower permissions
// use MapRWXThenDowngrade (spec §9).
func (mp *Mapper) Map(ctx context.Context, srcPD, dstPD domain.PDHandle, srcAddr uint64, preferredDstAddr *uint64, pageCount uint64, perms captypes.Permission) (*MappedMemory, error) {
	pageSize := mp.alloc.PageSize()

	if err := vaddr.CheckPageAligned(srcAddr, pageSize); err != nil {
		return nil, err
	}
	if pageCount < 1 {
		return nil, ErrZeroPages
	}

	var dstAddr uint64
	if preferredDstAddr != nil {
		if err := vaddr.CheckPageAligned(*preferredDstAddr, pageSize); err != nil {
			return nil, err
		}
		dstAddr = *preferredDstAddr
		if srcPD.ID() == dstPD.ID() && dstAddr == srcAddr {
			return nil, ErrSameAddress
		}
	} else {
		region, err := mp.alloc.Alloc(pageCount)
		if err != nil {
			return nil, err
		}
		dstAddr = region.Base
		if srcPD.ID() == dstPD.ID() && dstAddr == srcAddr {
			// Vanishingly unlikely given a monotonic allocator over a
			// distinct range, but still forbidden by the precondition.
			return nil, ErrSameAddress
		}
	}

	plan := delegate.New(srcAddr/pageSize, dstAddr/pageSize, pageCount)
	for {
		step, ok := plan.Next()
		if !ok {
			break
		}
		if _, err := mp.kernel.Call(ctx, hv.Request{
			Op:   hv.OpPDCtrl,
			Args: [5]uint64{step.SrcBase * pageSize, step.DstBase * pageSize, uint64(step.Order), uint64(perms), dstPD.CapSelector()},
		}); err != nil {
			return nil, fmt.Errorf("memmap: delegation step (src=%#x dst=%#x order=%d) failed: %w", step.SrcBase*pageSize, step.DstBase*pageSize, step.Order, err)
		}
	}

	return &MappedMemory{
		SrcAddr:   srcAddr,
		DstAddr:   dstAddr,
		PageCount: pageCount,
		PageSize:  pageSize,
		Perms:     perms,
		backing:   make([]byte, pageCount*pageSize),
	}, nil
}

// MapRWXThenDowngrade performs the self-map workaround from spec §9: maps
// the region into the root task itself at RWX so the caller can populate
// it (e.g. writing ELF segment bytes), then maps the same content onward
// to dstPD with the final, narrower permissions at preferredFinalDstAddr
// (nil lets the allocator choose, e.g. for the stack; a load segment must
// pass its own ELF virtual address here so the guest finds it where its
// own program headers say it lives).
func (mp *Mapper) MapRWXThenDowngrade(ctx context.Context, rootPD, dstPD domain.PDHandle, srcAddr uint64, preferredFinalDstAddr *uint64, pageCount uint64, finalPerms captypes.Permission) (self, final *MappedMemory, err error) {
	self, err = mp.Map(ctx, rootPD, rootPD, srcAddr, nil, pageCount, captypes.PermRead|captypes.PermWrite|captypes.PermExecute)
	if err != nil {
		return nil, nil, fmt.Errorf("memmap: self-map step: %w", err)
	}

	final, err = mp.Map(ctx, rootPD, dstPD, self.DstAddr, preferredFinalDstAddr, pageCount, finalPerms)
	if err != nil {
		return nil, nil, fmt.Errorf("memmap: downgraded delegation step: %w", err)
	}
	// Delegation retargets page-table entries onto the same physical frames;
	// it never copies bytes. Map allocates a fresh backing buffer per call
	// since most mappings have no prior sibling to share with, but here
	// self and final name the same frames, so final must see what the root
	// task writes into self (e.g. the ELF segment bytes copied in by the
	// loader) rather than its own independently zeroed buffer.
	final.backing = self.backing
	return self, final, nil
}
