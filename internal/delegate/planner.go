// Package delegate implements the bulk-delegation planner (spec §4.1): given
// a (srcBase, dstBase, count) triple, it produces the minimal sequence of
// power-of-two-aligned delegation steps that together cover `count` items.
package delegate

import "math/bits"

// Step is one emitted delegation: delegate 2^Order items from SrcBase to
// DstBase. Processed is the count of items already consumed by earlier
// steps (useful for progress reporting and for the test cases in spec §8).
type Step struct {
	SrcBase   uint64
	DstBase   uint64
	Order     uint8
	Processed uint64
}

// Count returns 2^Order, the number of items this step covers.
func (s Step) Count() uint64 {
	return uint64(1) << s.Order
}

// Planner is a stateful cursor that yields the optimal step sequence for a
// (srcBase, dstBase, count) triple. It is re-entrant-safe to construct many
// times over the same inputs — Plan on the same triple is deterministic
// (spec §8, "Planner: re-running the planner... yields the same sequence").
type Planner struct {
	srcBase   uint64
	dstBase   uint64
	count     uint64
	processed uint64
}

// New constructs a Planner for the given triple. count == 0 is valid and
// yields an immediately-exhausted planner (spec §4.1 edge case).
func New(srcBase, dstBase, count uint64) *Planner {
	return &Planner{srcBase: srcBase, dstBase: dstBase, count: count}
}

// Next returns the next step and true, or a zero Step and false once the
// full count has been consumed.
func (p *Planner) Next() (Step, bool) {
	remaining := p.count - p.processed
	if remaining == 0 {
		return Step{}, false
	}

	src := p.srcBase + p.processed
	dst := p.dstBase + p.processed

	orderCount := orderForCount(remaining)
	orderSrc := highestAlignedOrder(src)
	orderDst := highestAlignedOrder(dst)

	order := minOrder(orderCount, orderSrc, orderDst)

	step := Step{
		SrcBase:   src,
		DstBase:   dst,
		Order:     order,
		Processed: p.processed,
	}
	p.processed += step.Count()
	return step, true
}

// Plan drains a fresh Planner for (srcBase, dstBase, count) into a slice.
// Convenience for call sites and tests that don't need streaming.
func Plan(srcBase, dstBase, count uint64) []Step {
	p := New(srcBase, dstBase, count)
	var steps []Step
	for {
		s, ok := p.Next()
		if !ok {
			break
		}
		steps = append(steps, s)
	}
	return steps
}

// orderForCount returns floor(log2(n)) for n >= 1, capped so 2^order never
// exceeds n. For n == 0 the caller never reaches here (Next returns early).
func orderForCount(n uint64) uint8 {
	return uint8(bits.Len64(n) - 1)
}

// highestAlignedOrder returns the largest order such that base is a
// multiple of 2^order, capped at 63 (base == 0 is aligned to any order, so
// it returns 63 as the practical ceiling — any real step will be limited
// well below that by orderForCount or the other base's alignment).
func highestAlignedOrder(base uint64) uint8 {
	if base == 0 {
		return 63
	}
	return uint8(bits.TrailingZeros64(base))
}

func minOrder(a, b, c uint8) uint8 {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
