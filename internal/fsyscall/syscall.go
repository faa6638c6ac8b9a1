// Package fsyscall implements the foreign-system-call translator (spec
// §4.7): decode a trapped Linux syscall from the UTCB's register
// snapshot, dispatch to an in-tree implementation, write the return value
// back, and restore the guest's return RIP/RSP exactly as the x86 syscall
// contract requires.
package fsyscall

import (
	"fmt"

	"github.com/hedron-project/roottask/internal/portal"
)

// Num is a Linux x86_64 syscall number (spec §4.7 step 1: "decode syscall
// number from RAX"). Values match the upstream x86_64 syscall table —
// recovered from original_source's LinuxSyscallNum enum and extended only
// with the concrete numbers the spec's supplemental set names.
type Num uint64

const (
	Read        Num = 0
	Write       Num = 1
	Open        Num = 2
	Close       Num = 3
	Fstat       Num = 5
	MMap        Num = 9
	MUnmap      Num = 11
	Brk         Num = 12
	Lseek       Num = 8
	WriteV      Num = 20
	Clone       Num = 56
	Exit        Num = 60
	ArchPrctl   Num = 158
	ExitGroup   Num = 231
	OpenAt      Num = 257
)

func (n Num) String() string {
	names := map[Num]string{
		Read: "read", Write: "write", Open: "open", Close: "close",
		Fstat: "fstat", MMap: "mmap", MUnmap: "munmap", Brk: "brk",
		Lseek: "lseek", WriteV: "writev", Clone: "clone", Exit: "exit",
		ArchPrctl: "arch_prctl", ExitGroup: "exit_group", OpenAt: "openat",
	}
	if s, ok := names[n]; ok {
		return s
	}
	return fmt.Sprintf("syscall(%d)", uint64(n))
}

// Args is the per-number strongly-typed argument record projected from the
// guest's RDI/RSI/RDX/R10/R8/R9 registers (spec §4.7 step 2). Every
// handler reads only the fields its syscall defines; the rest are along
// for the ride rather than validated.
type Args struct {
	Num Num
	A0  uint64 // RDI
	A1  uint64 // RSI
	A2  uint64 // RDX
	A3  uint64 // R10
	A4  uint64 // R8
	A5  uint64 // R9
}

// Decode projects the guest's register snapshot into an Args record (spec
// §4.7 steps 1-2).
func Decode(regs *portal.Registers) Args {
	return Args{
		Num: Num(regs.RAX),
		A0:  regs.RDI,
		A1:  regs.RSI,
		A2:  regs.RDX,
		A3:  regs.R10,
		A4:  regs.R8,
		A5:  regs.R9,
	}
}

// Linux-ABI negative-errno constants the translator's return values are
// expressed in (spec §7 "User-visible behavior": "failures surface as the
// guest-ABI's conventional negative-errno return convention").
const (
	EBADF  = -9
	ENOMEM = -12
	EACCES = -13
	EEXIST = -17
	EINVAL = -22
	ENOSYS = -38
)
