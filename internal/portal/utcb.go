// Package portal implements the per-EC message buffer (UTCB) and the
// service-portal dispatcher (spec §4.5, §6 "UTCB layout (consumed)").
package portal

import "encoding/binary"

// Size is the UTCB's fixed page size (spec §6: "a single page mapped into
// both sender and receiver").
const Size = 0x1000

// ExceptionHeaderSize is the fixed-width architectural register snapshot
// at the front of every UTCB (spec §6: "the first 256 bytes hold a fixed
// architectural register snapshot plus a message-transfer descriptor
// bitmask").
const ExceptionHeaderSize = 256

// MTD is the message-transfer descriptor bitmask: which fields of the
// register snapshot the kernel actually commits on reply (spec §4.6
// "sets message-transfer bits RIP | RSP").
type MTD uint32

const (
	MTDRIP MTD = 1 << iota
	MTDRSP
	MTDRFLAGS
	MTDGPR // RAX, RBX, RCX, RDX, RSI, RDI, RBP, R8-R15
)

// Registers is the architectural register snapshot the hypervisor commits
// into (or reads out of) the exception header.
type Registers struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RBP, RSP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// UTCB is the Go rendering of the per-EC message page: a fixed-size
// register header plus a tail region for untyped data-message payloads
// (spec §6). It is not safe for concurrent use by multiple goroutines —
// exactly one portal call is in flight on a given EC at a time (spec §5
// "Calls into the same portal are serialized by the hypervisor").
type UTCB struct {
	Regs Registers
	MTD  MTD

	tail []byte
}

// New constructs a zeroed UTCB with a Size-ExceptionHeaderSize tail.
func New() *UTCB {
	return &UTCB{tail: make([]byte, Size-ExceptionHeaderSize)}
}

// SetReply fills RIP/RSP and marks them for commit — the startup
// specialization's exact action (spec §4.6).
func (u *UTCB) SetReply(rip, rsp uint64) {
	u.Regs.RIP = rip
	u.Regs.RSP = rsp
	u.MTD |= MTDRIP | MTDRSP
}

// PutUint64 writes v at byte offset off in the tail data region.
func (u *UTCB) PutUint64(off int, v uint64) {
	binary.LittleEndian.PutUint64(u.tail[off:off+8], v)
}

// GetUint64 reads a uint64 at byte offset off in the tail data region.
func (u *UTCB) GetUint64(off int) uint64 {
	return binary.LittleEndian.Uint64(u.tail[off : off+8])
}

// PutBytes copies data into the tail region starting at off.
func (u *UTCB) PutBytes(off int, data []byte) {
	copy(u.tail[off:], data)
}

// GetBytes returns a copy of n bytes from the tail region starting at off.
func (u *UTCB) GetBytes(off, n int) []byte {
	out := make([]byte, n)
	copy(out, u.tail[off:off+n])
	return out
}

// TailLen returns the usable size of the data-payload tail.
func (u *UTCB) TailLen() int { return len(u.tail) }
