package loader

import (
	"encoding/binary"
	"fmt"

	"github.com/hedron-project/roottask/internal/memmap"
)

// Auxiliary-vector entry types a musl/glibc-style foreign-ABI process
// expects on its initial stack (see https://lwn.net/Articles/631631/).
const (
	atNull     = 0
	atPhdr     = 3
	atPhent    = 4
	atPhnum    = 5
	atPagesz   = 6
	atPlatform = 15
	atExecfn   = 31
)

// execPath and platform are the fixed argv[0]/AT_EXECFN and AT_PLATFORM
// values every emulated process is started with — there is no real argv
// to forward, since the boot module table names an archive entry, not a
// shell command line (spec §6).
const (
	execPath = "./executable"
	platform = "x86_64"
)

// elfProgramHeaderInfo reads e_phoff/e_phentsize/e_phnum straight out of the
// ELF64 header (offsets 0x20/0x36/0x38), since debug/elf's File doesn't
// expose them: ParseELF already validated class/machine via debug/elf, so
// this only needs to re-read three fixed-offset fields.
func elfProgramHeaderInfo(image []byte) (phoff uint64, phentsize, phnum uint16, err error) {
	const (
		phoffOffset     = 32
		phentsizeOffset = 54
		phnumOffset     = 56
	)
	if len(image) < 64 {
		return 0, 0, 0, fmt.Errorf("loader: image too short for an ELF64 header")
	}
	phoff = binary.LittleEndian.Uint64(image[phoffOffset : phoffOffset+8])
	phentsize = binary.LittleEndian.Uint16(image[phentsizeOffset : phentsizeOffset+2])
	phnum = binary.LittleEndian.Uint16(image[phnumOffset : phnumOffset+2])
	return phoff, phentsize, phnum, nil
}

// buildForeignInitStack lays out the argv/envp/auxv block a foreign-ABI
// (Linux) process's crt0 expects at _start (spec §4.4/§6), writing it into
// the top of the already-mapped stack region and returning the resulting
// initial RSP. Mirrors original_source's init_stack_libc_aux_vector: a
// fixed argv[0]="./executable", an envp carrying LINUX_UNDER_HEDRON=true so
// the guest can detect it's running under this root task rather than Linux,
// and an auxv with Phdr/Phent/Phnum/Pagesz/Platform/Execfn — libc startup
// code (at least musl) requires these to be present.
func buildForeignInitStack(stack *memmap.MappedMemory, phdrAddr uint64, phentsize, phnum uint16) (uint64, error) {
	argv := []string{execPath}
	envp := []string{"LINUX_UNDER_HEDRON=true"}

	var blob []byte
	putString := func(s string) uint64 {
		off := uint64(len(blob))
		blob = append(blob, s...)
		blob = append(blob, 0)
		return off
	}

	argvOff := make([]uint64, len(argv))
	for i, s := range argv {
		argvOff[i] = putString(s)
	}
	envpOff := make([]uint64, len(envp))
	for i, s := range envp {
		envpOff[i] = putString(s)
	}
	platformOff := putString(platform)
	execfnOff := putString(execPath)

	auxPairs := []struct{ typ, val uint64 }{
		{atPhdr, phdrAddr},
		{atPhent, uint64(phentsize)},
		{atPhnum, uint64(phnum)},
		{atPagesz, stack.PageSize},
	}

	// argc + argv pointers + NULL + envp pointers + NULL + auxv pairs
	// (fixed four, plus Platform/Execfn/AT_NULL) — each auxv entry is a
	// (type, value) pair, 16 bytes.
	tableSize := 8 + uint64(len(argv)+1)*8 + uint64(len(envp)+1)*8 + uint64(len(auxPairs)+3)*16
	regionSize := tableSize + uint64(len(blob))
	if rem := regionSize % 16; rem != 0 {
		regionSize += 16 - rem
	}

	top := stack.PageCount * stack.PageSize
	if regionSize > top {
		return 0, fmt.Errorf("loader: initial stack layout (%d bytes) exceeds stack size (%d bytes)", regionSize, top)
	}
	startOffset := top - regionSize

	buf, err := stack.Bytes(startOffset, regionSize)
	if err != nil {
		return 0, fmt.Errorf("loader: writing initial stack layout: %w", err)
	}

	blobBase := stack.DstAddr + startOffset + tableSize
	w := 0
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[w:w+8], v)
		w += 8
	}

	putU64(uint64(len(argv)))
	for _, off := range argvOff {
		putU64(blobBase + off)
	}
	putU64(0)
	for _, off := range envpOff {
		putU64(blobBase + off)
	}
	putU64(0)
	for _, a := range auxPairs {
		putU64(a.typ)
		putU64(a.val)
	}
	putU64(atPlatform)
	putU64(blobBase + platformOff)
	putU64(atExecfn)
	putU64(blobBase + execfnOff)
	putU64(atNull)
	putU64(0)

	copy(buf[w:], blob)

	return stack.DstAddr + startOffset, nil
}
