package fsyscall

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/hedron-project/roottask/internal/domain"
	"github.com/hedron-project/roottask/internal/fs"
	"github.com/hedron-project/roottask/internal/portal"
	"github.com/stretchr/testify/require"
)

// fakeMemory models one flat guest address space per pid, growing on
// demand so tests don't need to pre-size anything.
type fakeMemory struct {
	spaces map[domain.ProcessID]map[uint64]byte
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{spaces: make(map[domain.ProcessID]map[uint64]byte)}
}

func (m *fakeMemory) space(pid domain.ProcessID) map[uint64]byte {
	sp, ok := m.spaces[pid]
	if !ok {
		sp = make(map[uint64]byte)
		m.spaces[pid] = sp
	}
	return sp
}

func (m *fakeMemory) ReadBytes(pid domain.ProcessID, addr uint64, n int) ([]byte, error) {
	sp := m.space(pid)
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = sp[addr+uint64(i)]
	}
	return out, nil
}

func (m *fakeMemory) WriteBytes(pid domain.ProcessID, addr uint64, data []byte) error {
	sp := m.space(pid)
	for i, b := range data {
		sp[addr+uint64(i)] = b
	}
	return nil
}

func (m *fakeMemory) putString(pid domain.ProcessID, addr uint64, s string) {
	_ = m.WriteBytes(pid, addr, append([]byte(s), 0))
}

type fakeEcho struct{ calls int }

func (f *fakeEcho) Echo(ctx context.Context) error {
	f.calls++
	return nil
}

const testPID = domain.ProcessID(1)

func newTestTranslator() (*Translator, *fakeMemory) {
	mem := newFakeMemory()
	tr := NewTranslator(fs.New(), mem, nil)
	tr.RegisterProcess(testPID, 0x500000, 0x700000)
	return tr, mem
}

func utcbForSyscall(num Num, a0, a1, a2, a3 uint64) *portal.UTCB {
	u := portal.New()
	u.Regs.RAX = uint64(num)
	u.Regs.RDI = a0
	u.Regs.RSI = a1
	u.Regs.RDX = a2
	u.Regs.R10 = a3
	u.Regs.RCX = 0x401000
	u.Regs.R11 = 0x7fff_1000
	return u
}

func TestHandleRestoresReturnRIPAndRSP(t *testing.T) {
	tr, mem := newTestTranslator()
	u := utcbForSyscall(Brk, 0, 0, 0, 0)
	exited, err := tr.Handle(context.Background(), testPID, u)
	require.NoError(t, err)
	require.False(t, exited)
	require.Equal(t, uint64(0x401000), u.Regs.RIP)
	require.Equal(t, uint64(0x7fff_1000), u.Regs.RSP)
	require.NotZero(t, u.MTD&portal.MTDRIP)
	require.NotZero(t, u.MTD&portal.MTDRSP)
	require.NotZero(t, u.MTD&portal.MTDGPR)
	_ = mem
}

func TestHandleRunsEchoCalibrationWhenWired(t *testing.T) {
	mem := newFakeMemory()
	echo := &fakeEcho{}
	tr := NewTranslator(fs.New(), mem, echo)
	tr.RegisterProcess(testPID, 0x500000, 0x700000)

	u := utcbForSyscall(Brk, 0, 0, 0, 0)
	_, err := tr.Handle(context.Background(), testPID, u)
	require.NoError(t, err)
	require.Equal(t, 1, echo.calls)
}

func TestExitSignalsExited(t *testing.T) {
	tr, _ := newTestTranslator()
	u := utcbForSyscall(Exit, 0, 0, 0, 0)
	exited, err := tr.Handle(context.Background(), testPID, u)
	require.NoError(t, err)
	require.True(t, exited)
}

func TestOpenWriteReadCloseRoundTrip(t *testing.T) {
	tr, mem := newTestTranslator()
	const pathAddr = 0x600000
	mem.putString(testPID, pathAddr, "/greeting")

	const oCreatRDWR = 0o100 | 0x2
	uOpen := utcbForSyscall(Open, pathAddr, oCreatRDWR, 0o644, 0)
	_, err := tr.Handle(context.Background(), testPID, uOpen)
	require.NoError(t, err)
	fd := int64(uOpen.Regs.RAX)
	require.GreaterOrEqual(t, fd, int64(3))

	const bufAddr = 0x601000
	mem.putString(testPID, bufAddr, "hello")
	uWrite := utcbForSyscall(Write, uint64(fd), bufAddr, 5, 0)
	_, err = tr.Handle(context.Background(), testPID, uWrite)
	require.NoError(t, err)
	require.Equal(t, int64(5), int64(uWrite.Regs.RAX))

	uSeek := utcbForSyscall(Lseek, uint64(fd), 0, 0, 0)
	_, err = tr.Handle(context.Background(), testPID, uSeek)
	require.NoError(t, err)
	require.Zero(t, int64(uSeek.Regs.RAX))

	const readAddr = 0x602000
	uRead := utcbForSyscall(Read, uint64(fd), readAddr, 5, 0)
	_, err = tr.Handle(context.Background(), testPID, uRead)
	require.NoError(t, err)
	require.Equal(t, int64(5), int64(uRead.Regs.RAX))
	got, _ := mem.ReadBytes(testPID, readAddr, 5)
	require.Equal(t, "hello", string(got))

	uClose := utcbForSyscall(Close, uint64(fd), 0, 0, 0)
	_, err = tr.Handle(context.Background(), testPID, uClose)
	require.NoError(t, err)
	require.Zero(t, int64(uClose.Regs.RAX))
}

func TestOpenWithoutCreateOnMissingPathReturnsENOENT(t *testing.T) {
	tr, mem := newTestTranslator()
	const pathAddr = 0x600000
	mem.putString(testPID, pathAddr, "/does-not-exist")

	u := utcbForSyscall(Open, pathAddr, uint64(fs.ORDONLY|fs.OAPPEND), 0, 0)
	_, err := tr.Handle(context.Background(), testPID, u)
	require.NoError(t, err)
	require.Equal(t, int64(ENOENT), int64(u.Regs.RAX))
}

func TestReadOnBadFdReturnsEBADF(t *testing.T) {
	tr, _ := newTestTranslator()
	u := utcbForSyscall(Read, 99, 0x600000, 10, 0)
	_, err := tr.Handle(context.Background(), testPID, u)
	require.NoError(t, err)
	require.Equal(t, int64(EBADF), int64(u.Regs.RAX))
}

func TestWriteVAccumulatesAcrossIovecs(t *testing.T) {
	tr, mem := newTestTranslator()
	const pathAddr = 0x600000
	mem.putString(testPID, pathAddr, "/writev-target")
	const oCreatRDWR = 0o100 | 0x2
	uOpen := utcbForSyscall(Open, pathAddr, oCreatRDWR, 0o644, 0)
	_, err := tr.Handle(context.Background(), testPID, uOpen)
	require.NoError(t, err)
	fd := uOpen.Regs.RAX

	mem.putString(testPID, 0x610000, "abc")
	mem.putString(testPID, 0x611000, "de")

	const iovAddr = 0x612000
	iov := make([]byte, 32)
	binary.LittleEndian.PutUint64(iov[0:8], 0x610000)
	binary.LittleEndian.PutUint64(iov[8:16], 3)
	binary.LittleEndian.PutUint64(iov[16:24], 0x611000)
	binary.LittleEndian.PutUint64(iov[24:32], 2)
	require.NoError(t, mem.WriteBytes(testPID, iovAddr, iov))

	u := utcbForSyscall(WriteV, fd, iovAddr, 2, 0)
	_, err = tr.Handle(context.Background(), testPID, u)
	require.NoError(t, err)
	require.Equal(t, int64(5), int64(u.Regs.RAX))
}

func TestFstatWritesInodeSizeAndMode(t *testing.T) {
	tr, mem := newTestTranslator()
	const pathAddr = 0x600000
	mem.putString(testPID, pathAddr, "/stat-me")
	const oCreatRDWR = 0o100 | 0x2
	uOpen := utcbForSyscall(Open, pathAddr, oCreatRDWR, 0o600, 0)
	_, err := tr.Handle(context.Background(), testPID, uOpen)
	require.NoError(t, err)
	fd := uOpen.Regs.RAX

	mem.putString(testPID, 0x620000, "1234")
	uWrite := utcbForSyscall(Write, fd, 0x620000, 4, 0)
	_, err = tr.Handle(context.Background(), testPID, uWrite)
	require.NoError(t, err)

	const statAddr = 0x621000
	uStat := utcbForSyscall(Fstat, fd, statAddr, 0, 0)
	_, err = tr.Handle(context.Background(), testPID, uStat)
	require.NoError(t, err)
	require.Zero(t, int64(uStat.Regs.RAX))

	buf, _ := mem.ReadBytes(testPID, statAddr, statBufSize)
	require.Equal(t, uint64(4), binary.LittleEndian.Uint64(buf[48:56]))
}

func TestMmapBumpAllocatesDistinctRegions(t *testing.T) {
	tr, _ := newTestTranslator()
	u1 := utcbForSyscall(MMap, 0, 4096, 0, 0)
	_, err := tr.Handle(context.Background(), testPID, u1)
	require.NoError(t, err)

	u2 := utcbForSyscall(MMap, 0, 4096, 0, 0)
	_, err = tr.Handle(context.Background(), testPID, u2)
	require.NoError(t, err)

	require.NotEqual(t, u1.Regs.RAX, u2.Regs.RAX)
	require.Equal(t, u1.Regs.RAX+4096, u2.Regs.RAX)
}

func TestMmapZeroLengthReturnsEINVAL(t *testing.T) {
	tr, _ := newTestTranslator()
	u := utcbForSyscall(MMap, 0, 0, 0, 0)
	_, err := tr.Handle(context.Background(), testPID, u)
	require.NoError(t, err)
	require.Equal(t, int64(EINVAL), int64(u.Regs.RAX))
}

func TestBrkQueryThenGrow(t *testing.T) {
	tr, _ := newTestTranslator()
	uQuery := utcbForSyscall(Brk, 0, 0, 0, 0)
	_, err := tr.Handle(context.Background(), testPID, uQuery)
	require.NoError(t, err)
	require.Equal(t, uint64(0x500000), uQuery.Regs.RAX)

	uGrow := utcbForSyscall(Brk, 0x510000, 0, 0, 0)
	_, err = tr.Handle(context.Background(), testPID, uGrow)
	require.NoError(t, err)
	require.Equal(t, uint64(0x510000), uGrow.Regs.RAX)

	uBelow := utcbForSyscall(Brk, 0x100, 0, 0, 0)
	_, err = tr.Handle(context.Background(), testPID, uBelow)
	require.NoError(t, err)
	require.Equal(t, uint64(0x510000), uBelow.Regs.RAX)
}

func TestArchPrctlSetFSAcknowledgedAsNoop(t *testing.T) {
	tr, _ := newTestTranslator()
	u := utcbForSyscall(ArchPrctl, archSetFS, 0x650000, 0, 0)
	_, err := tr.Handle(context.Background(), testPID, u)
	require.NoError(t, err)
	require.Zero(t, int64(u.Regs.RAX))
}

func TestUnsupportedSyscallPanics(t *testing.T) {
	tr, _ := newTestTranslator()
	u := utcbForSyscall(Num(9999), 0, 0, 0, 0)
	require.Panics(t, func() {
		_, _ = tr.Handle(context.Background(), testPID, u)
	})
}

func TestBrkAndMmapWithoutRegisteredProcessReturnENOMEM(t *testing.T) {
	mem := newFakeMemory()
	tr := NewTranslator(fs.New(), mem, nil)

	u := utcbForSyscall(Brk, 0, 0, 0, 0)
	_, err := tr.Handle(context.Background(), domain.ProcessID(404), u)
	require.NoError(t, err)
	require.Equal(t, int64(ENOMEM), int64(u.Regs.RAX))

	uMmap := utcbForSyscall(MMap, 0, 4096, 0, 0)
	_, err = tr.Handle(context.Background(), domain.ProcessID(404), uMmap)
	require.NoError(t, err)
	require.Equal(t, int64(ENOMEM), int64(uMmap.Regs.RAX))
}

type fakePD struct{ id domain.ProcessID }

func (f *fakePD) ID() domain.ProcessID            { return f.id }
func (f *fakePD) CapSelector() uint64             { return uint64(f.id) }
func (f *fakePD) Parent() (domain.PDHandle, bool) { return nil, false }

type fakePT struct {
	tag         domain.ContextTag
	delegatedTo domain.PDHandle
}

func (p *fakePT) ID() domain.PortalID  { return 1 }
func (p *fakePT) CapSelector() uint64  { return 1 }
func (p *fakePT) Tag() domain.ContextTag { return p.tag }
func (p *fakePT) DelegatedTo() (domain.PDHandle, bool) {
	if p.delegatedTo == nil {
		return nil, false
	}
	return p.delegatedTo, true
}

type fakeReplier struct{ calls int }

func (r *fakeReplier) Reply(ctx context.Context, utcb *portal.UTCB) error {
	r.calls++
	return nil
}

func TestDispatchRoutesThroughHandleAndReplies(t *testing.T) {
	tr, mem := newTestTranslator()
	pathAddr := uint64(0x640000)
	mem.putString(testPID, pathAddr, "/dispatch-me")

	pt := &fakePT{tag: domain.ForeignSyscallTag(), delegatedTo: &fakePD{id: testPID}}
	rep := &fakeReplier{}

	u := utcbForSyscall(Open, pathAddr, uint64(fs.OCREAT|fs.OWRONLY), 0o644, 0)
	exited, err := tr.Dispatch(context.Background(), pt, &fakePD{id: 0}, u, rep)
	require.NoError(t, err)
	require.False(t, exited)
	require.Equal(t, 1, rep.calls)
	require.GreaterOrEqual(t, int64(u.Regs.RAX), int64(0))
}

func TestDispatchRejectsNonForeignSyscallTag(t *testing.T) {
	tr, _ := newTestTranslator()
	pt := &fakePT{tag: domain.ServiceTag("stdout")}
	u := utcbForSyscall(Brk, 0, 0, 0, 0)
	_, err := tr.Dispatch(context.Background(), pt, &fakePD{id: testPID}, u, &fakeReplier{})
	require.Error(t, err)
}
