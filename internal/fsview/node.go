package fsview

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"github.com/hedron-project/roottask/internal/fs"
)

// rootDir is the mount's single directory: internal/fs has no directory
// hierarchy of its own (spec §4.8's store is inode-keyed, flat by path
// string), so every bound path is surfaced as one entry directly under
// the mountpoint, slashes and all — a debugging convenience, not a
// faithful filesystem-tree reconstruction.
type rootDir struct {
	fsvc *fs.FileSystem
}

var _ fusefs.Node = (*rootDir)(nil)
var _ fusefs.HandleReadDirAller = (*rootDir)(nil)
var _ fusefs.NodeStringLookuper = (*rootDir)(nil)

func (d *rootDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0o755
	a.Valid = time.Duration(0)
	return nil
}

func (d *rootDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	paths := d.fsvc.ListPaths()
	entries := make([]fuse.Dirent, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, fuse.Dirent{Name: entryName(p), Type: fuse.DT_File})
	}
	return entries, nil
}

func (d *rootDir) Lookup(ctx context.Context, name string) (fusefs.Node, error) {
	path := "/" + name
	st, err := d.fsvc.StatPath(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotFound) {
			return nil, fuse.ENOENT
		}
		return nil, err
	}
	return &viewFile{fsvc: d.fsvc, path: path, size: uint64(st.Size), mode: st.Mode}, nil
}

// entryName strips the leading slash internal/fs always stores paths
// with (spec §4.8's paths are opaque strings, and this model only ever
// opens absolute ones).
func entryName(path string) string {
	return strings.TrimPrefix(path, "/")
}

// viewFile is one bound path, opened lazily per FUSE request and closed
// on Release — the same "no held fd between requests" approach the
// teacher's fuse/file.go documents (nothing is lost by reopening since
// this store has no expensive backing I/O per open).
type viewFile struct {
	fsvc *fs.FileSystem
	path string
	size uint64
	mode uint16
}

var _ fusefs.Node = (*viewFile)(nil)
var _ fusefs.NodeOpener = (*viewFile)(nil)

func (f *viewFile) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.FileMode(f.mode)
	a.Size = f.size
	a.Valid = time.Duration(0)
	return nil
}

// openFlags translates the FUSE client's requested access mode into this
// store's fs.OpenFlags, adding OCREAT for write-capable opens only so a
// write-opened path that doesn't exist yet gets created (spec §4.8's
// create-on-open path); read-only opens never create.
func openFlags(fl fuse.OpenFlags) fs.OpenFlags {
	var out fs.OpenFlags
	switch {
	case fl&fuse.OpenReadWrite != 0:
		out = fs.ORDWR
	case fl&fuse.OpenWriteOnly != 0:
		out = fs.OWRONLY
	default:
		// ORDONLY is 0 (it mirrors the Linux ABI), which Open's "flags
		// non-empty" precondition rejects outright; OAPPEND is inert
		// without OWRONLY/ORDWR, so it's a harmless way to keep this a
		// plain read.
		out = fs.ORDONLY | fs.OAPPEND
	}
	if fl&fuse.OpenReadWrite != 0 || fl&fuse.OpenWriteOnly != 0 {
		out |= fs.OCREAT
	}
	return out
}

func (f *viewFile) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	fd, err := f.fsvc.Open(viewerPID, f.path, openFlags(req.Flags), 0o644)
	if err != nil {
		return nil, err
	}
	resp.Flags |= fuse.OpenDirectIO
	return &fileHandle{fsvc: f.fsvc, fd: fd}, nil
}

type fileHandle struct {
	fsvc *fs.FileSystem
	fd   uint64
}

var _ fusefs.HandleReader = (*fileHandle)(nil)
var _ fusefs.HandleWriter = (*fileHandle)(nil)
var _ fusefs.HandleReleaser = (*fileHandle)(nil)

func (h *fileHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	if _, err := h.fsvc.Lseek(viewerPID, h.fd, req.Offset); err != nil {
		return err
	}
	data, err := h.fsvc.Read(viewerPID, h.fd, req.Size)
	if err != nil {
		return err
	}
	resp.Data = data
	return nil
}

func (h *fileHandle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	if _, err := h.fsvc.Lseek(viewerPID, h.fd, req.Offset); err != nil {
		return err
	}
	n, err := h.fsvc.Write(viewerPID, h.fd, req.Data)
	if err != nil {
		return err
	}
	resp.Size = n
	return nil
}

func (h *fileHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	return h.fsvc.Close(viewerPID, h.fd)
}
