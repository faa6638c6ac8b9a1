// Package loader implements the process loader (spec §4.4): given an ELF
// image, build a PD, a global EC, exception portals, the process memory
// map (stack/program image/program-break heap/mmap region), delegate
// service portals, and create the SC last so the new EC can't be
// scheduled before its startup-exception handler is installed.
package loader

import (
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"fmt"

	"github.com/hedron-project/roottask/internal/captypes"
	"github.com/hedron-project/roottask/internal/domain"
	"github.com/hedron-project/roottask/internal/kobject"
	"github.com/hedron-project/roottask/internal/memmap"
	"github.com/hedron-project/roottask/internal/procmgr"
	"github.com/hedron-project/roottask/internal/vaddr"
)

// NumExceptions is the number of architectural exception vectors the root
// task installs a portal for on every process (spec §4.4 step 3, §4.6).
// x86_64 defines 32 architectural exception/interrupt vectors.
const NumExceptions = 32

// StackSize is the fixed user-stack size (spec §4.4 step 4: "typically
// 128 KiB").
const StackSize = 128 * 1024

var (
	// ErrNoLoadSegments is returned when an ELF image has no PT_LOAD
	// segments to build a process memory map from.
	ErrNoLoadSegments = errors.New("loader: ELF image has no loadable segments")
	// ErrBadABI is returned when an ELF image isn't a supported x86_64
	// executable.
	ErrBadABI = errors.New("loader: unsupported ELF class/machine")
)

// ABI distinguishes a native-ABI process from one running under the
// emulated foreign (Linux) ABI (spec §4.4, §4.7).
type ABI uint8

const (
	ABINative ABI = iota
	ABIForeign
)

// ProcessMemoryMap is the set of regions the loader establishes for a new
// process (spec §3 "Process memory map"): exactly one stack region, a
// program-image region made of load segments, and a heap region split into
// a program-break area and an mmap area.
type ProcessMemoryMap struct {
	Stack        *memmap.MappedMemory
	Segments     []*memmap.MappedMemory
	BreakBegin   uint64 // first page strictly above the highest segment VA
	BreakCurrent uint64
	MmapBase     uint64 // fixed high address; the foreign-syscall translator bump-allocates upward from it
}

// LoadSegment is one ELF PT_LOAD segment with the page-rounded layout the
// loader needs, decoupled from debug/elf's raw Prog so callers (and tests)
// can construct one without a real ELF file.
type LoadSegment struct {
	VAddr uint64
	Data  []byte // the filesz bytes read from the image
	MemSz uint64 // memsz >= len(Data); the remainder is zero-filled (bss)
	Perm  captypes.Permission
}

// ParseELF reads an x86_64 ELF executable's PT_LOAD segments and entry
// point. ELF parsing uses the standard library's debug/elf: no ELF-parsing
// library appears anywhere in the example pack, so this is the deliberate
// exception to "never fall back to stdlib" — documented in DESIGN.md.
func ParseELF(image []byte) (entry uint64, segments []LoadSegment, err error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return 0, nil, fmt.Errorf("loader: parse ELF: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return 0, nil, ErrBadABI
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return 0, nil, fmt.Errorf("loader: read segment at %#x: %w", prog.Vaddr, err)
		}
		segments = append(segments, LoadSegment{
			VAddr: prog.Vaddr,
			Data:  data,
			MemSz: prog.Memsz,
			Perm:  elfPermToPerm(prog.Flags),
		})
	}
	if len(segments) == 0 {
		return 0, nil, ErrNoLoadSegments
	}
	return f.Entry, segments, nil
}

func elfPermToPerm(flags elf.ProgFlag) captypes.Permission {
	var p captypes.Permission
	if flags&elf.PF_R != 0 {
		p |= captypes.PermRead
	}
	if flags&elf.PF_W != 0 {
		p |= captypes.PermWrite
	}
	if flags&elf.PF_X != 0 {
		p |= captypes.PermExecute
	}
	return p
}

// Loader ties the kernel-object graph, memory mapper, and process manager
// together to implement spec §4.4's start_process contract.
type Loader struct {
	mapper   *memmap.Mapper
	procs    *procmgr.Manager
	alloc    *vaddr.Allocator
	pageSize uint64
}

// New constructs a Loader.
func New(mapper *memmap.Mapper, procs *procmgr.Manager, alloc *vaddr.Allocator, pageSize uint64) *Loader {
	return &Loader{mapper: mapper, procs: procs, alloc: alloc, pageSize: pageSize}
}

// StartProcessArgs is the input to StartProcess. Caps (the capability
// selectors for the new PD, its global EC, its exception
// portals and SC) are supplied by the caller rather than invented here,
// since selector allocation is a capability-space concern the boot
// entrypoint owns.
type StartProcessArgs struct {
	ParentPD      *kobject.PD
	ID            domain.ProcessID
	PDCapSel      uint64
	ECCapSel      uint64
	SCCapSel      uint64
	UTCBAddr      uint64
	ExceptionEC   *kobject.EC // the root task's shared exception-handling local EC
	ExcPortalBase uint64      // first capability selector for the NUM_EXC portals
	ABI           ABI
	Image         []byte
}

// StartProcessResult is everything start_process hands back to the caller
// — notably the entry point and initial RSP the startup-exception
// specialization will need (spec §4.4 "First scheduling raises a startup
// exception").
type StartProcessResult struct {
	PD      *kobject.PD
	EC      *kobject.EC
	Memory  *ProcessMemoryMap
	Entry   uint64
	InitRSP uint64
}

// StartProcess performs steps 1-5 of spec §4.4 (PD, global EC, exception
// portals, memory map, segment load); step 6 (service portal delegation)
// and step 7 (SC creation) are left to the caller because they depend on
// the service catalogue (internal/service) and the final readiness of
// every prior step, matching the ordering invariant in the spec ("Creating
// the SC makes the EC schedulable... MUST be created only after all
// exception portals are in place").
func (l *Loader) StartProcess(ctx context.Context, args StartProcessArgs) (*StartProcessResult, error) {
	entry, segments, err := ParseELF(args.Image)
	if err != nil {
		return nil, err
	}

	// Step 1: create PD.
	pd, err := args.ParentPD.CreatePD(ctx, args.ID, args.PDCapSel)
	if err != nil {
		return nil, fmt.Errorf("loader: create PD: %w", err)
	}
	l.procs.RegisterProcess(pd)

	// Step 2: create global EC. No stack pointer is set on it here; the
	// initial RSP computed below is returned in the result instead.
	ec, err := pd.CreateGlobalEC(ctx, args.ECCapSel, args.UTCBAddr, l.pageSize)
	if err != nil {
		return nil, fmt.Errorf("loader: create global EC: %w", err)
	}

	// Step 3: install exception portals bound to the shared exception EC,
	// delegated into the new PD at its exception-event base.
	for e := uint8(0); e < NumExceptions; e++ {
		portalID := l.procs.NextPortalID()
		pt, err := args.ParentPD.CreatePortal(ctx, portalID, args.ExcPortalBase+uint64(e), args.ExceptionEC, domain.ExceptionTag(e))
		if err != nil {
			return nil, fmt.Errorf("loader: create exception portal %d: %w", e, err)
		}
		l.procs.RegisterPortal(pt)
		if err := pt.DelegateTo(ctx, pd, args.ExcPortalBase+uint64(e)); err != nil {
			return nil, fmt.Errorf("loader: delegate exception portal %d: %w", e, err)
		}
	}

	// Step 4: build the memory map (stack first).
	stackRegion, err := l.alloc.Alloc(StackSize / l.pageSize)
	if err != nil {
		return nil, fmt.Errorf("loader: allocate stack: %w", err)
	}
	stack, err := l.mapper.Map(ctx, args.ParentPD, pd, stackRegion.Base, nil, stackRegion.PageCount, captypes.PermRead|captypes.PermWrite)
	if err != nil {
		return nil, fmt.Errorf("loader: map stack: %w", err)
	}

	var highestVA uint64
	for _, seg := range segments {
		if end := seg.VAddr + seg.MemSz; end > highestVA {
			highestVA = end
		}
	}
	breakBegin := alignUp(highestVA, l.pageSize)

	memory := &ProcessMemoryMap{
		Stack:        stack,
		BreakBegin:   breakBegin,
		BreakCurrent: breakBegin,
		MmapBase:     0x7f00_0000_0000, // fixed high address per spec §4.4/§9
	}

	// Step 5: load segments.
	for _, seg := range segments {
		pageCount := (seg.MemSz + l.pageSize - 1) / l.pageSize
		if pageCount < 1 {
			pageCount = 1
		}

		// Whether filesz == memsz or filesz < memsz (a bss tail), the
		// sequence is the same: self-map RWX so the root task can write
		// the segment's file bytes (the self-map's backing is
		// zero-filled on allocation, covering the bss case for free),
		// then delegate onward with the segment's final permissions
		// (spec §4.4 step 5, §9 RWX-self-map-then-downgrade workaround).
		dstVAddr := seg.VAddr
		self, final, err := l.mapper.MapRWXThenDowngrade(ctx, args.ParentPD, pd, seg.VAddr, &dstVAddr, pageCount, seg.Perm)
		if err != nil {
			return nil, fmt.Errorf("loader: map segment %#x: %w", seg.VAddr, err)
		}
		dst, err := self.Bytes(0, uint64(len(seg.Data)))
		if err != nil {
			return nil, fmt.Errorf("loader: segment %#x exceeds its own mapped region: %w", seg.VAddr, err)
		}
		copy(dst, seg.Data)
		memory.Segments = append(memory.Segments, final)
	}

	initRSP := stack.DstAddr + uint64(stack.PageCount)*l.pageSize
	if args.ABI == ABIForeign {
		phoff, phentsize, phnum, err := elfProgramHeaderInfo(args.Image)
		if err != nil {
			return nil, err
		}
		lowestVA := segments[0].VAddr
		for _, seg := range segments[1:] {
			if seg.VAddr < lowestVA {
				lowestVA = seg.VAddr
			}
		}
		initRSP, err = buildForeignInitStack(stack, lowestVA+phoff, phentsize, phnum)
		if err != nil {
			return nil, fmt.Errorf("loader: building foreign-ABI initial stack: %w", err)
		}
	}

	return &StartProcessResult{
		PD:      pd,
		EC:      ec,
		Memory:  memory,
		Entry:   entry,
		InitRSP: initRSP,
	}, nil
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
