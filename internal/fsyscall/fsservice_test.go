package fsyscall

import (
	"context"
	"testing"

	"github.com/hedron-project/roottask/internal/domain"
	"github.com/hedron-project/roottask/internal/portal"
	"github.com/stretchr/testify/require"
)

func fsRequest(op FSOp, a0, a1 uint64, payload []byte) *portal.UTCB {
	u := portal.New()
	u.PutUint64(fsOpOff, uint64(op))
	u.PutUint64(fsArg0Off, a0)
	u.PutUint64(fsArg1Off, a1)
	if payload != nil {
		u.PutUint64(fsDataLenOff, uint64(len(payload)))
		u.PutBytes(fsDataInlineOff, payload)
	}
	return u
}

func TestFSHandlerOpenWriteReadCloseRoundTrip(t *testing.T) {
	tr, _ := newTestTranslator()
	h := tr.FSHandler()
	caller := &fakePDHandle{id: testPID}

	const oCreatRDWR = 0o100 | 0x2
	uOpen := fsRequest(FSOpen, oCreatRDWR, 0o644, []byte("/svc-greeting"))
	reply, err := h(context.Background(), caller, uOpen)
	require.NoError(t, err)
	require.True(t, reply)
	require.Zero(t, int64(uOpen.GetUint64(fsRetOff)))
	fd := uOpen.GetUint64(fsValueOff)
	require.GreaterOrEqual(t, fd, uint64(3))

	uWrite := fsRequest(FSWrite, fd, 5, []byte("hello"))
	_, err = h(context.Background(), caller, uWrite)
	require.NoError(t, err)
	require.Zero(t, int64(uWrite.GetUint64(fsRetOff)))
	require.Equal(t, uint64(5), uWrite.GetUint64(fsValueOff))

	uLseek := fsRequest(FSLseek, fd, 0, nil)
	_, err = h(context.Background(), caller, uLseek)
	require.NoError(t, err)
	require.Zero(t, uLseek.GetUint64(fsValueOff))

	uRead := fsRequest(FSRead, fd, 5, nil)
	_, err = h(context.Background(), caller, uRead)
	require.NoError(t, err)
	n := uRead.GetUint64(fsRespLenOff)
	require.Equal(t, uint64(5), n)
	require.Equal(t, "hello", string(uRead.GetBytes(fsRespDataOff, int(n))))

	uClose := fsRequest(FSClose, fd, 0, nil)
	_, err = h(context.Background(), caller, uClose)
	require.NoError(t, err)
	require.Zero(t, int64(uClose.GetUint64(fsRetOff)))
}

func TestFSHandlerOpenMissingWithoutCreateReturnsENOENT(t *testing.T) {
	tr, _ := newTestTranslator()
	h := tr.FSHandler()
	caller := &fakePDHandle{id: testPID}

	u := fsRequest(FSOpen, 0o2000, 0, []byte("/svc-missing"))
	_, err := h(context.Background(), caller, u)
	require.NoError(t, err)
	require.Equal(t, int64(ENOENT), int64(u.GetUint64(fsRetOff)))
}

func TestFSHandlerFstatReportsWrittenSize(t *testing.T) {
	tr, _ := newTestTranslator()
	h := tr.FSHandler()
	caller := &fakePDHandle{id: testPID}

	const oCreatRDWR = 0o100 | 0x2
	uOpen := fsRequest(FSOpen, oCreatRDWR, 0o600, []byte("/svc-stat"))
	_, err := h(context.Background(), caller, uOpen)
	require.NoError(t, err)
	fd := uOpen.GetUint64(fsValueOff)

	uWrite := fsRequest(FSWrite, fd, 4, []byte("abcd"))
	_, err = h(context.Background(), caller, uWrite)
	require.NoError(t, err)

	uStat := fsRequest(FSFstat, fd, 0, nil)
	_, err = h(context.Background(), caller, uStat)
	require.NoError(t, err)
	require.Zero(t, int64(uStat.GetUint64(fsRetOff)))
	buf := uStat.GetBytes(fsRespDataOff, fstatRespSize)
	size := uint64(buf[8]) | uint64(buf[9])<<8 | uint64(buf[10])<<16 | uint64(buf[11])<<24 |
		uint64(buf[12])<<32 | uint64(buf[13])<<40 | uint64(buf[14])<<48 | uint64(buf[15])<<56
	require.Equal(t, uint64(4), size)
}

type fakePDHandle struct{ id domain.ProcessID }

func (f *fakePDHandle) ID() domain.ProcessID            { return f.id }
func (f *fakePDHandle) CapSelector() uint64              { return uint64(f.id) }
func (f *fakePDHandle) Parent() (domain.PDHandle, bool) { return nil, false }
