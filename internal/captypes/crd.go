// Package captypes implements the capability-range-descriptor (Crd) encoding
// consumed by the hypervisor ABI (spec §3, §6). A Crd is a 64-bit value
// naming a range of 2^order capabilities starting at a base, together with
// the kind of range (memory page, I/O port, or kernel object) and a set of
// kind-specific permission bits.
package captypes

import (
	"errors"
	"fmt"
)

// Kind is the first two bits of a Crd.
type Kind uint8

const (
	KindNull Kind = iota
	KindMemory
	KindPortIO
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindMemory:
		return "memory"
	case KindPortIO:
		return "port-io"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ObjectKind further refines a KindObject Crd; the hypervisor ABI derives it
// from the syscall context rather than from bits inside the Crd itself.
type ObjectKind uint8

const (
	ObjectPD ObjectKind = iota
	ObjectEC
	ObjectSC
	ObjectPT
	ObjectSM
)

func (ok ObjectKind) String() string {
	switch ok {
	case ObjectPD:
		return "PD"
	case ObjectEC:
		return "EC"
	case ObjectSC:
		return "SC"
	case ObjectPT:
		return "PT"
	case ObjectSM:
		return "SM"
	default:
		return fmt.Sprintf("object(%d)", uint8(ok))
	}
}

// Field widths, matching the hypervisor's CRD layout.
const (
	MaxOrder uint8  = 0x1f       // 5 bits
	MaxBase  uint64 = 0xf_ffff_ffff_ffff // 52 bits
)

var (
	// ErrBaseTooLarge is returned when a base exceeds the 52-bit field.
	ErrBaseTooLarge = errors.New("captypes: base exceeds 52 bits")
	// ErrOrderTooLarge is returned when an order exceeds the 5-bit field.
	ErrOrderTooLarge = errors.New("captypes: order exceeds 5 bits")
	// ErrMisaligned is returned when base is not a multiple of 2^order.
	ErrMisaligned = errors.New("captypes: base is not aligned to 2^order")
)

// Permission is a kind-specific permission bit set. Its meaning depends on
// the Crd's Kind (and, for KindObject, its ObjectKind).
type Permission uint8

// Memory permissions.
const (
	PermRead Permission = 1 << iota
	PermWrite
	PermExecute
)

// Port-IO permission.
const (
	PermPortRW Permission = 1 << iota
)

// PD permissions.
const (
	PermPDCreatePD Permission = 1 << iota
	PermPDCreateEC
	PermPDCreateSC
	PermPDCreatePT
	PermPDCreateSM
)

// EC permissions.
const (
	PermECCtrl Permission = 1 << iota
	PermECCreateSC
	PermECCreatePT
)

// SC permissions.
const (
	PermSCCtrl Permission = 1 << iota
)

// PT permissions.
const (
	PermPTCtrl Permission = 1 << iota
	PermPTCall
)

// SM permissions.
const (
	PermSMUp Permission = 1 << iota
	PermSMDown
)

// Crd is a capability range descriptor: (kind, base, order, permissions).
type Crd struct {
	Kind  Kind
	Base  uint64
	Order uint8
	Perm  Permission
}

// New validates and constructs a Crd. Returns an error rather than panicking
// because Crd values can be built from untrusted delegation-planner output
// as well as from hard-coded call sites; a malformed request must be
// reportable (spec §7, "Argument errors").
func New(kind Kind, base uint64, order uint8, perm Permission) (Crd, error) {
	if order > MaxOrder {
		return Crd{}, ErrOrderTooLarge
	}
	if base > MaxBase {
		return Crd{}, ErrBaseTooLarge
	}
	if !aligned(base, order) {
		return Crd{}, fmt.Errorf("%w: base=%d order=%d", ErrMisaligned, base, order)
	}
	return Crd{Kind: kind, Base: base, Order: order, Perm: perm}, nil
}

// MustNew is New but panics on error; reserved for compile-time-constant call
// sites (e.g. the root task's own well-known selectors) where an error would
// indicate a programming bug, not a runtime condition.
func MustNew(kind Kind, base uint64, order uint8, perm Permission) Crd {
	c, err := New(kind, base, order, perm)
	if err != nil {
		panic(err)
	}
	return c
}

func aligned(base uint64, order uint8) bool {
	if order == 0 {
		return true
	}
	mask := (uint64(1) << order) - 1
	return base&mask == 0
}

// Count returns 2^Order, the number of capabilities this Crd refers to.
func (c Crd) Count() uint64 {
	return uint64(1) << c.Order
}

// End returns the exclusive end of the range [Base, Base+Count).
func (c Crd) End() uint64 {
	return c.Base + c.Count()
}

// Downgrade reports whether `to` is a valid downgrade of `c`: same kind,
// same or narrower range, and a permission subset. Delegation can only
// narrow rights (spec §3 "Permissions can only be downgraded on
// delegation"); callers needing an upgrade must re-map from an
// authoritative source instead.
func (c Crd) Downgrade(to Crd) bool {
	if c.Kind != to.Kind {
		return false
	}
	if to.Base < c.Base || to.End() > c.End() {
		return false
	}
	return to.Perm&^c.Perm == 0
}

func (c Crd) String() string {
	return fmt.Sprintf("Crd{kind=%s base=%#x order=%d perm=%#x}", c.Kind, c.Base, c.Order, uint8(c.Perm))
}
