package fsview

import (
	"context"
	"testing"

	"bazil.org/fuse"
	"github.com/hedron-project/roottask/internal/fs"
	"github.com/stretchr/testify/require"
)

func TestEntryNameStripsLeadingSlash(t *testing.T) {
	require.Equal(t, "greeting", entryName("/greeting"))
}

func TestOpenFlagsTranslation(t *testing.T) {
	require.Equal(t, fs.ORDONLY|fs.OAPPEND, openFlags(fuse.OpenReadOnly))
	require.Equal(t, fs.OWRONLY|fs.OCREAT, openFlags(fuse.OpenWriteOnly))
	require.Equal(t, fs.ORDWR|fs.OCREAT, openFlags(fuse.OpenReadWrite))
}

func TestRootDirLookupAndReadDirAll(t *testing.T) {
	fsvc := fs.New()
	fd, err := fsvc.Open(viewerPID, "/hello", fs.OCREAT|fs.OWRONLY, 0o644)
	require.NoError(t, err)
	_, err = fsvc.Write(viewerPID, fd, []byte("hi"))
	require.NoError(t, err)
	require.NoError(t, fsvc.Close(viewerPID, fd))

	d := &rootDir{fsvc: fsvc}
	entries, err := d.ReadDirAll(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "hello", entries[0].Name)

	node, err := d.Lookup(context.Background(), "hello")
	require.NoError(t, err)
	vf, ok := node.(*viewFile)
	require.True(t, ok)
	require.Equal(t, uint64(2), vf.size)

	_, err = d.Lookup(context.Background(), "missing")
	require.Equal(t, fuse.ENOENT, err)
}

func TestFileHandleReadWriteRoundTrip(t *testing.T) {
	fsvc := fs.New()
	vf := &viewFile{fsvc: fsvc, path: "/roundtrip"}

	req := &fuse.OpenRequest{Flags: fuse.OpenReadWrite}
	resp := &fuse.OpenResponse{}
	h, err := vf.Open(context.Background(), req, resp)
	require.NoError(t, err)
	fh := h.(*fileHandle)

	wreq := &fuse.WriteRequest{Data: []byte("payload"), Offset: 0}
	wresp := &fuse.WriteResponse{}
	require.NoError(t, fh.Write(context.Background(), wreq, wresp))
	require.Equal(t, 7, wresp.Size)

	rreq := &fuse.ReadRequest{Offset: 0, Size: 7}
	rresp := &fuse.ReadResponse{}
	require.NoError(t, fh.Read(context.Background(), rreq, rresp))
	require.Equal(t, "payload", string(rresp.Data))

	require.NoError(t, fh.Release(context.Background(), &fuse.ReleaseRequest{}))
}
