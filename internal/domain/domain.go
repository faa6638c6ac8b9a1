// Package domain collects the interfaces shared across the root task's
// subsystems, the way the teacher's own `domain` package lets `state`,
// `handler`, `fuse`, and `seccomp` refer to each other's types without an
// import cycle. Concrete implementations live in `kobject`, `procmgr`,
// `fs`, and friends; callers that only need to consult a handle (not build
// one) depend on this package alone.
package domain

import "github.com/hedron-project/roottask/internal/captypes"

// ProcessID identifies a process (and, by extension, its PD) for the
// lifetime of the root task. It is the PID the hypervisor-facing code uses
// to key the open-file table and the process manager (spec §3 "Open-file
// handle", keyed by (process identity, fd)).
type ProcessID uint64

// PortalID is the userland-assigned tag delivered to a portal's handler on
// every invocation (spec §3 "Portal", "Portal identifier" in the GLOSSARY).
type PortalID uint64

// Inode is the persistent identity of an in-memory file (spec §3 "Inode").
type Inode uint64

// ContextTag is the immutable classification attached to a portal at
// creation time (spec §3 "Portal"): it is either an exception index, a
// named service, or the foreign-syscall trap.
type ContextTag struct {
	Kind           ContextKind
	ExceptionIndex uint8  // valid iff Kind == ContextException
	ServiceName    string // valid iff Kind == ContextService
}

type ContextKind uint8

const (
	ContextException ContextKind = iota
	ContextService
	ContextForeignSyscall
)

func ExceptionTag(idx uint8) ContextTag {
	return ContextTag{Kind: ContextException, ExceptionIndex: idx}
}

func ServiceTag(name string) ContextTag {
	return ContextTag{Kind: ContextService, ServiceName: name}
}

func ForeignSyscallTag() ContextTag {
	return ContextTag{Kind: ContextForeignSyscall}
}

// PDHandle is the subset of a protection-domain handle's surface that other
// packages need without depending on kobject's concrete struct.
type PDHandle interface {
	ID() ProcessID
	CapSelector() uint64
	Parent() (PDHandle, bool)
}

// PTHandle is the subset of a portal handle's surface needed for dispatch
// routing (spec §4.5).
type PTHandle interface {
	ID() PortalID
	CapSelector() uint64
	Tag() ContextTag
	DelegatedTo() (PDHandle, bool)
}

// MapPermissions is the read/write/execute permission bit set a memory
// mapping carries beyond address + page count (spec §4.3).
type MapPermissions = captypes.Permission
