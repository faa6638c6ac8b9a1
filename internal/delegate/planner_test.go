package delegate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmpty(t *testing.T) {
	steps := Plan(0, 0, 0)
	require.Empty(t, steps)
}

func TestSingleItem(t *testing.T) {
	steps := Plan(0, 0, 1)
	require.Len(t, steps, 1)
	require.Equal(t, uint8(0), steps[0].Order)
	require.Equal(t, uint64(1), steps[0].Count())
	require.Equal(t, uint64(0), steps[0].Processed)
}

func TestNineItemsFromZero(t *testing.T) {
	steps := Plan(0, 0, 9)
	require.Len(t, steps, 2)

	require.Equal(t, uint8(3), steps[0].Order)
	require.Equal(t, uint64(8), steps[0].Count())
	require.Equal(t, uint64(0), steps[0].Processed)

	require.Equal(t, uint8(0), steps[1].Order)
	require.Equal(t, uint64(1), steps[1].Count())
	require.Equal(t, uint64(8), steps[1].Processed)
}

// TestTwentyThreeFromZero mirrors the worked example in spec §8 scenario 4
// (the simpler (0,0,23) case) and the original Rust test suite.
func TestTwentyThreeFromZero(t *testing.T) {
	steps := Plan(0, 0, 23)
	require.Len(t, steps, 4)

	wantOrders := []uint8{4, 2, 1, 0}
	wantProcessed := []uint64{0, 16, 20, 22}

	for i, s := range steps {
		require.Equalf(t, wantOrders[i], s.Order, "step %d order", i)
		require.Equalf(t, wantProcessed[i], s.Processed, "step %d processed", i)
	}

	var total uint64
	for _, s := range steps {
		total += s.Count()
	}
	require.Equal(t, uint64(23), total)
}

// TestSrc16Dst4Count32 mirrors spec §8 scenario 4, the (src=16, dst=4,
// count=32) case: every emitted order sums (as 2^order) to 32, and every
// base is aligned to its own order.
func TestSrc16Dst4Count32(t *testing.T) {
	steps := Plan(16, 4, 32)
	require.NotEmpty(t, steps)

	var total uint64
	for _, s := range steps {
		total += s.Count()
		require.Zerof(t, s.SrcBase%s.Count(), "src base %d not aligned to order %d", s.SrcBase, s.Order)
		require.Zerof(t, s.DstBase%s.Count(), "dst base %d not aligned to order %d", s.DstBase, s.Order)
	}
	require.Equal(t, uint64(32), total)
}

func TestAlignedPowerOfTwoIsSingleStep(t *testing.T) {
	steps := Plan(128, 256, 64)
	require.Len(t, steps, 1)
	require.Equal(t, uint8(6), steps[0].Order)
}

func TestDeterminism(t *testing.T) {
	a := Plan(7, 100, 123)
	b := Plan(7, 100, 123)
	require.Equal(t, a, b)
}

// TestReplanFromEmittedBases checks that re-running the planner on the bases
// emitted by a prior run (each step's own src/dst, count = that step's
// count) reproduces that single step — i.e. the planner is locally
// idempotent once alignment is already optimal.
func TestReplanFromEmittedBases(t *testing.T) {
	steps := Plan(0, 0, 23)
	for _, s := range steps {
		again := Plan(s.SrcBase, s.DstBase, s.Count())
		require.Len(t, again, 1)
		require.Equal(t, s.Order, again[0].Order)
	}
}
