package memmap

import (
	"context"
	"testing"

	"github.com/hedron-project/roottask/internal/captypes"
	"github.com/hedron-project/roottask/internal/domain"
	"github.com/hedron-project/roottask/internal/hv"
	"github.com/hedron-project/roottask/internal/vaddr"
	"github.com/stretchr/testify/require"
)

type fakePD struct{ id domain.ProcessID }

func (f *fakePD) ID() domain.ProcessID           { return f.id }
func (f *fakePD) CapSelector() uint64            { return uint64(f.id) }
func (f *fakePD) Parent() (domain.PDHandle, bool) { return nil, false }

func newMapper(t *testing.T) (*Mapper, *hv.Simulated) {
	t.Helper()
	k := hv.NewSimulated(nil)
	t.Cleanup(k.Close)
	return New(k, vaddr.New(0x4000_0000, 0x1000)), k
}

func TestMapAllocatesDestinationWhenNoneGiven(t *testing.T) {
	mp, _ := newMapper(t)
	root := &fakePD{id: 0}
	child := &fakePD{id: 1}

	mm, err := mp.Map(context.Background(), root, child, 0x1000, nil, 4, captypes.PermRead)
	require.NoError(t, err)
	require.NotZero(t, mm.DstAddr)
	require.Equal(t, uint64(4), mm.PageCount)
}

func TestMapRejectsUnalignedSrc(t *testing.T) {
	mp, _ := newMapper(t)
	root := &fakePD{id: 0}
	child := &fakePD{id: 1}

	_, err := mp.Map(context.Background(), root, child, 0x1001, nil, 1, captypes.PermRead)
	require.ErrorIs(t, err, ErrNotPageAligned)
}

func TestMapRejectsSameAddressIntraPD(t *testing.T) {
	mp, _ := newMapper(t)
	root := &fakePD{id: 0}
	dst := uint64(0x1000)

	_, err := mp.Map(context.Background(), root, root, 0x1000, &dst, 1, captypes.PermRead)
	require.ErrorIs(t, err, ErrSameAddress)
}

func TestOldToNewAddrTranslatesAndBoundsChecks(t *testing.T) {
	mp, _ := newMapper(t)
	root := &fakePD{id: 0}
	child := &fakePD{id: 1}

	mm, err := mp.Map(context.Background(), root, child, 0x2000, nil, 2, captypes.PermRead|captypes.PermWrite)
	require.NoError(t, err)

	got, err := mm.OldToNewAddr(0x2000 + 0x10)
	require.NoError(t, err)
	require.Equal(t, mm.DstAddr+0x10, got)

	_, err = mm.OldToNewAddr(0x2000 + 0x3000)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestBytesViewBoundsCheck(t *testing.T) {
	mp, _ := newMapper(t)
	root := &fakePD{id: 0}
	child := &fakePD{id: 1}

	mm, err := mp.Map(context.Background(), root, child, 0x5000, nil, 1, captypes.PermRead|captypes.PermWrite)
	require.NoError(t, err)

	b, err := mm.Bytes(0, 0x1000)
	require.NoError(t, err)
	require.Len(t, b, 0x1000)

	_, err = mm.Bytes(0x800, 0x1000)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestMapRWXThenDowngrade(t *testing.T) {
	mp, _ := newMapper(t)
	root := &fakePD{id: 0}
	child := &fakePD{id: 1}

	self, final, err := mp.MapRWXThenDowngrade(context.Background(), root, child, 0x6000, nil, 1, captypes.PermRead|captypes.PermExecute)
	require.NoError(t, err)
	require.Equal(t, captypes.PermRead|captypes.PermWrite|captypes.PermExecute, self.Perms)
	require.Equal(t, captypes.PermRead|captypes.PermExecute, final.Perms)
	require.Equal(t, self.DstAddr, final.SrcAddr)
}

func TestMapRWXThenDowngradeHonorsPreferredFinalDstAddr(t *testing.T) {
	mp, _ := newMapper(t)
	root := &fakePD{id: 0}
	child := &fakePD{id: 1}

	const elfVAddr = 0x400000
	preferred := uint64(elfVAddr)
	self, final, err := mp.MapRWXThenDowngrade(context.Background(), root, child, 0x6000, &preferred, 1, captypes.PermRead|captypes.PermExecute)
	require.NoError(t, err)
	require.Equal(t, uint64(elfVAddr), final.DstAddr)
	require.NotEqual(t, self.DstAddr, final.DstAddr)
}
