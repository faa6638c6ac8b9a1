// Package fs implements the in-memory file service (spec §4.8): an
// inode-keyed file store plus a per-process open-file table, backed by
// afero's in-memory filesystem the way the teacher backs its virtualized
// I/O nodes (sysio/ionodeFile.go: afero.NewMemMapFs() for testing,
// afero.NewOsFs() for production — here afero.NewMemMapFs() is the only
// backing, since the spec's file service never touches the host disk).
package fs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hedron-project/roottask/internal/domain"
	"github.com/spf13/afero"
)

// osCreateWrite is the afero.OpenFile flag set used for every backing-file
// write: create it lazily on first write, open for read+write so a later
// Append lookup of its size (via Stat) works without a second open.
const osCreateWrite = os.O_CREATE | os.O_RDWR

// DefaultCapacity is the default reserve afero's backing file would need to
// grow to without reallocating for typical small-file workloads (spec
// §4.8/GLOSSARY "Inode / in-memory file": "default reserve of 64 KiB").
// afero's mem.File grows its buffer on demand, so this is advisory context
// for callers sizing their own request buffers rather than a pre-allocation
// knob this package exposes.
const DefaultCapacity = 0x10000

var (
	// ErrNotFound is returned when a path or (pid, fd) pair has no entry.
	ErrNotFound = errors.New("fs: not found")
	// ErrExists is returned by Open with O_CREAT|O_EXCL against an existing path.
	ErrExists = errors.New("fs: already exists")
	// ErrPermission is returned when an operation's access mode forbids it
	// (e.g. Write on a read-only handle).
	ErrPermission = errors.New("fs: permission denied")
	// ErrInvalidFlags is returned by Open when flags == 0 (spec §4.8
	// precondition "flags non-empty"; spec §8: "open with empty flags or
	// empty path returns the reserved error descriptor").
	ErrInvalidFlags = errors.New("fs: empty flags")
)

// Metadata is the file's owner/mode pair (spec GLOSSARY "Inode / in-memory
// file": "metadata {mode, owner}").
type Metadata struct {
	Mode  uint16
	Owner domain.ProcessID
}

// Stat is the result of Fstat.
type Stat struct {
	Inode domain.Inode
	Size  int64
	Mode  uint16
}

type fileRecord struct {
	inode domain.Inode
	path  string
	meta  Metadata
}

// openHandle is one (pid, fd)'s view onto an inode: its own cursor, opened
// with its own flags, independent of any other fd open on the same inode
// (spec §4.8: "read/write... offset advanced" is per open-file handle, not
// per inode).
type openHandle struct {
	inode  domain.Inode
	offset int64
	flags  OpenFlags
}

type openKey struct {
	pid domain.ProcessID
	fd  uint64
}

// FileSystem is the process-wide in-memory file service singleton (spec
// §9 "process-wide global state": "the file service... lazily-initialized
// global"). Its two tables share a single pair of locks, acquired in the
// fixed order "open-file table before filesystem" to avoid deadlocking
// against the unlink path (spec §4.8 "Concurrency").
type FileSystem struct {
	openMu sync.RWMutex
	open   map[openKey]*openHandle

	fsMu    sync.RWMutex
	byInode map[domain.Inode]*fileRecord
	byPath  map[string]domain.Inode

	backing   afero.Fs
	nextInode uint64
}

// New constructs an empty file service over an in-memory afero filesystem.
func New() *FileSystem {
	return &FileSystem{
		open:    make(map[openKey]*openHandle),
		byInode: make(map[domain.Inode]*fileRecord),
		byPath:  make(map[string]domain.Inode),
		backing: afero.NewMemMapFs(),
	}
}

func (fsvc *FileSystem) backingPath(inode domain.Inode) string {
	return fmt.Sprintf("/inode-%d.dat", inode)
}

// Open implements spec §4.8's open(pid, path, flags, mode): creates the
// file if missing and O_CREAT is set, otherwise resolves the existing
// path, then allocates a new per-process fd ≥ 3.
func (fsvc *FileSystem) Open(pid domain.ProcessID, path string, flags OpenFlags, mode uint16) (uint64, error) {
	if path == "" {
		return 0, fmt.Errorf("%w: empty path", ErrNotFound)
	}
	if flags == 0 {
		return 0, ErrInvalidFlags
	}

	fsvc.fsMu.Lock()
	inode, existed := fsvc.byPath[path]
	if existed && flags.Exclusive() && flags.CanCreate() {
		fsvc.fsMu.Unlock()
		return 0, ErrExists
	}
	if !existed {
		if !flags.CanCreate() {
			fsvc.fsMu.Unlock()
			return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		inode = domain.Inode(atomic.AddUint64(&fsvc.nextInode, 1) - 1)
		fsvc.byInode[inode] = &fileRecord{inode: inode, path: path, meta: Metadata{Mode: mode, Owner: pid}}
		fsvc.byPath[path] = inode
	}
	if flags.Truncate() {
		if err := fsvc.backing.Truncate(fsvc.backingPath(inode), 0); err != nil && !errors.Is(err, afero.ErrFileNotFound) {
			fsvc.fsMu.Unlock()
			return 0, err
		}
	}
	fsvc.fsMu.Unlock()

	fsvc.openMu.Lock()
	defer fsvc.openMu.Unlock()
	fd := fsvc.nextFDLocked(pid)
	fsvc.open[openKey{pid, fd}] = &openHandle{inode: inode, flags: flags}
	return fd, nil
}

// nextFDLocked returns the smallest fd >= 3 not currently in use by pid
// (spec §4.8: "smallest integer ≥ 3 not currently in use by that process").
// Callers must hold openMu.
func (fsvc *FileSystem) nextFDLocked(pid domain.ProcessID) uint64 {
	inUse := make(map[uint64]bool)
	for k := range fsvc.open {
		if k.pid == pid {
			inUse[k.fd] = true
		}
	}
	for fd := uint64(3); ; fd++ {
		if !inUse[fd] {
			return fd
		}
	}
}

func (fsvc *FileSystem) lookupOpen(pid domain.ProcessID, fd uint64) (*openHandle, error) {
	fsvc.openMu.RLock()
	defer fsvc.openMu.RUnlock()
	h, ok := fsvc.open[openKey{pid, fd}]
	if !ok {
		return nil, fmt.Errorf("%w: pid=%d fd=%d", ErrNotFound, pid, fd)
	}
	return h, nil
}

// Read implements spec §4.8's read: returns bytes [offset, min(len,
// offset+count)) and advances the handle's offset.
func (fsvc *FileSystem) Read(pid domain.ProcessID, fd uint64, count int) ([]byte, error) {
	h, err := fsvc.lookupOpen(pid, fd)
	if err != nil {
		return nil, err
	}
	if !h.flags.Readable() {
		return nil, fmt.Errorf("%w: fd %d is not open for reading", ErrPermission, fd)
	}

	fsvc.openMu.Lock()
	defer fsvc.openMu.Unlock()

	f, err := fsvc.backing.Open(fsvc.backingPath(h.inode))
	if err != nil {
		if errors.Is(err, afero.ErrFileNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(h.offset, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, count)
	n, err := f.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	h.offset += int64(n)
	return buf[:n], nil
}

// Write implements spec §4.8's write: extends the file as needed and
// advances the offset; an append-flagged handle always writes at the
// current end of file regardless of its tracked offset.
func (fsvc *FileSystem) Write(pid domain.ProcessID, fd uint64, data []byte) (int, error) {
	h, err := fsvc.lookupOpen(pid, fd)
	if err != nil {
		return 0, err
	}
	if !h.flags.Writable() {
		return 0, fmt.Errorf("%w: fd %d is not open for writing", ErrPermission, fd)
	}

	fsvc.openMu.Lock()
	defer fsvc.openMu.Unlock()

	path := fsvc.backingPath(h.inode)
	f, err := fsvc.backing.OpenFile(path, osCreateWrite, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	writeAt := h.offset
	if h.flags.Append() {
		info, err := f.Stat()
		if err != nil {
			return 0, err
		}
		writeAt = info.Size()
	}
	if _, err := f.Seek(writeAt, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := f.Write(data)
	if err != nil {
		return 0, err
	}
	h.offset = writeAt + int64(n)
	return n, nil
}

// Lseek implements spec §4.8's lseek: sets the handle's offset to off,
// clamped to [0, len(file)].
func (fsvc *FileSystem) Lseek(pid domain.ProcessID, fd uint64, off int64) (int64, error) {
	h, err := fsvc.lookupOpen(pid, fd)
	if err != nil {
		return 0, err
	}

	fsvc.openMu.Lock()
	defer fsvc.openMu.Unlock()

	size, err := fsvc.sizeOf(h.inode)
	if err != nil {
		return 0, err
	}
	clamped := off
	if clamped < 0 {
		clamped = 0
	}
	if clamped > size {
		clamped = size
	}
	h.offset = clamped
	return clamped, nil
}

// Fstat implements spec §4.8's fstat.
func (fsvc *FileSystem) Fstat(pid domain.ProcessID, fd uint64) (Stat, error) {
	h, err := fsvc.lookupOpen(pid, fd)
	if err != nil {
		return Stat{}, err
	}

	fsvc.fsMu.RLock()
	rec, ok := fsvc.byInode[h.inode]
	fsvc.fsMu.RUnlock()
	if !ok {
		return Stat{}, fmt.Errorf("%w: inode %d", ErrNotFound, h.inode)
	}

	fsvc.openMu.RLock()
	size, err := fsvc.sizeOf(h.inode)
	fsvc.openMu.RUnlock()
	if err != nil {
		return Stat{}, err
	}
	return Stat{Inode: h.inode, Size: size, Mode: rec.meta.Mode}, nil
}

// Close implements spec §4.8's close: removes the open-file handle.
func (fsvc *FileSystem) Close(pid domain.ProcessID, fd uint64) error {
	fsvc.openMu.Lock()
	defer fsvc.openMu.Unlock()
	key := openKey{pid, fd}
	if _, ok := fsvc.open[key]; !ok {
		return fmt.Errorf("%w: pid=%d fd=%d", ErrNotFound, pid, fd)
	}
	delete(fsvc.open, key)
	return nil
}

// ListPaths returns every path currently bound to an inode, in no
// particular order. Used by the debug fsview mount to enumerate a
// directory listing over the otherwise flat inode store.
func (fsvc *FileSystem) ListPaths() []string {
	fsvc.fsMu.RLock()
	defer fsvc.fsMu.RUnlock()
	paths := make([]string, 0, len(fsvc.byPath))
	for p := range fsvc.byPath {
		paths = append(paths, p)
	}
	return paths
}

// StatPath resolves path to its inode and reports its current metadata,
// without requiring an open file handle — the debug fsview and the
// control surface both need to stat a file they haven't opened themselves.
func (fsvc *FileSystem) StatPath(path string) (Stat, error) {
	fsvc.fsMu.RLock()
	inode, ok := fsvc.byPath[path]
	if !ok {
		fsvc.fsMu.RUnlock()
		return Stat{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	rec := fsvc.byInode[inode]
	fsvc.fsMu.RUnlock()

	fsvc.openMu.Lock()
	defer fsvc.openMu.Unlock()
	size, err := fsvc.sizeOf(inode)
	if err != nil {
		return Stat{}, err
	}
	return Stat{Inode: inode, Size: size, Mode: rec.meta.Mode}, nil
}

// Unlink implements spec §4.8's unlink: removes path from the directory
// index. Existing open handles keep working because they are keyed by
// inode, not path — only a future Open of the same path will fail or
// create a fresh file (spec §4.8: "path lookup no longer resolves, but
// inode-based I/O on existing fds succeeds").
func (fsvc *FileSystem) Unlink(path string) error {
	fsvc.fsMu.Lock()
	defer fsvc.fsMu.Unlock()
	inode, ok := fsvc.byPath[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	delete(fsvc.byPath, path)
	_ = inode // the inode record and its backing bytes are intentionally kept
	return nil
}

// sizeOf returns the backing file's current length; a never-written file
// (created but never flushed to the backing fs) has size zero. Callers
// must hold fsvc.openMu (read or write) — size queries race with writers
// otherwise.
func (fsvc *FileSystem) sizeOf(inode domain.Inode) (int64, error) {
	info, err := fsvc.backing.Stat(fsvc.backingPath(inode))
	if err != nil {
		if errors.Is(err, afero.ErrFileNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}
