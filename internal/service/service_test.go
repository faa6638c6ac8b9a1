package service

import (
	"bytes"
	"context"
	"testing"

	"github.com/hedron-project/roottask/internal/domain"
	"github.com/hedron-project/roottask/internal/hv"
	"github.com/hedron-project/roottask/internal/memmap"
	"github.com/hedron-project/roottask/internal/portal"
	"github.com/hedron-project/roottask/internal/vaddr"
	"github.com/stretchr/testify/require"
)

type fakePD struct{ id domain.ProcessID }

func (f *fakePD) ID() domain.ProcessID            { return f.id }
func (f *fakePD) CapSelector() uint64              { return uint64(f.id) }
func (f *fakePD) Parent() (domain.PDHandle, bool)  { return nil, false }

func TestStdoutHandlerWritesInlineText(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	h := StdoutHandler(w)

	u := portal.New()
	msg := []byte("hello from child")
	u.PutUint64(textLenOff, uint64(len(msg)))
	u.PutBytes(textInlineOff, msg)

	reply, err := h(context.Background(), &fakePD{id: 1}, u)
	require.NoError(t, err)
	require.True(t, reply)
	require.Equal(t, "hello from child", buf.String())
}

func TestEchoHandlerAlwaysReplies(t *testing.T) {
	h := EchoHandler()
	reply, err := h(context.Background(), &fakePD{id: 1}, portal.New())
	require.NoError(t, err)
	require.True(t, reply)
}

func TestAllocatorHandlerWritesUserVA(t *testing.T) {
	k := hv.NewSimulated(nil)
	defer k.Close()
	alloc := vaddr.New(0x5000_0000, 0x1000)
	mapper := memmap.New(k, alloc)

	root := &fakePD{id: 0}
	child := &fakePD{id: 1}
	svc := NewAllocator(mapper, root, 0x1000_0000, 0x1000)

	u := portal.New()
	u.PutUint64(allocSizeOff, 0x2000)
	u.PutUint64(allocAlignOff, 0x1000)

	reply, err := svc.Handler()(context.Background(), child, u)
	require.NoError(t, err)
	require.True(t, reply)
	require.NotZero(t, u.GetUint64(allocRespVAOff))
}

func TestAllocatorBumpsSourceCursor(t *testing.T) {
	k := hv.NewSimulated(nil)
	defer k.Close()
	mapper := memmap.New(k, vaddr.New(0x6000_0000, 0x1000))
	root := &fakePD{id: 0}
	child := &fakePD{id: 1}
	svc := NewAllocator(mapper, root, 0x2000_0000, 0x1000)

	first := 0x2000_0000
	require.Equal(t, uint64(first), svc.nextAddr)

	u := portal.New()
	u.PutUint64(allocSizeOff, 0x1000)
	u.PutUint64(allocAlignOff, 0x1000)
	_, err := svc.Handler()(context.Background(), child, u)
	require.NoError(t, err)
	require.Equal(t, uint64(first+0x1000), svc.nextAddr)
}

type rawEchoRecorder struct{ calls int }

func (r *rawEchoRecorder) Reply(ctx context.Context, utcb *portal.UTCB) error {
	r.calls++
	return nil
}

func TestRawEchoRepliesImmediately(t *testing.T) {
	rep := &rawEchoRecorder{}
	err := RawEcho(context.Background(), rep, portal.New())
	require.NoError(t, err)
	require.Equal(t, 1, rep.calls)
}
