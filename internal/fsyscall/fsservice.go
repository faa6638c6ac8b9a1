package fsyscall

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/hedron-project/roottask/internal/domain"
	"github.com/hedron-project/roottask/internal/fs"
	"github.com/hedron-project/roottask/internal/portal"
)

// FSOp identifies which internal/fs.FileSystem operation a "filesystem"
// service call is requesting (spec §4.5 catalogue entry "filesystem",
// spec §4.8's operation set).
type FSOp uint64

const (
	FSOpen FSOp = iota
	FSRead
	FSWrite
	FSLseek
	FSFstat
	FSClose
	FSUnlink
)

// UTCB tail layout for "filesystem" service calls, distinct from the
// foreign-syscall register projection (Decode in syscall.go) but built the same way: a
// fixed opcode plus up to three scalar arguments, with a single
// length-prefixed inline region for whichever one request carries a
// variable-length payload (a path string, or write data).
const (
	fsOpOff         = 0
	fsArg0Off       = 8
	fsArg1Off       = 16
	fsArg2Off       = 24
	fsDataLenOff    = 32
	fsDataInlineOff = 40

	// Response layout, written over the same UTCB once the call completes.
	fsRetOff       = 0
	fsValueOff     = 8
	fsRespLenOff   = 16
	fsRespDataOff  = 24
)

// fstatRespSize matches the three uint64 fields Fstat's response packs:
// inode, size, mode.
const fstatRespSize = 24

// FSHandler returns the portal.Handler bound to t's FileSystem, to be
// registered under the "filesystem" service name (spec §4.5).
func (t *Translator) FSHandler() portal.Handler {
	return func(ctx context.Context, caller domain.PDHandle, utcb *portal.UTCB) (bool, error) {
		pid := caller.ID()
		op := FSOp(utcb.GetUint64(fsOpOff))
		a0 := utcb.GetUint64(fsArg0Off)
		a1 := utcb.GetUint64(fsArg1Off)

		switch op {
		case FSOpen:
			path := readInlinePayload(utcb)
			fd, err := t.fsvc.Open(pid, string(path), fs.OpenFlags(a0), uint16(a1))
			writeFSResult(utcb, fsErrno(err), fd, nil)

		case FSRead:
			count := int(a1)
			if max := utcb.TailLen() - fsRespDataOff; count > max {
				count = max
			}
			data, err := t.fsvc.Read(pid, a0, count)
			writeFSResult(utcb, fsErrno(err), uint64(len(data)), data)

		case FSWrite:
			data := readInlinePayload(utcb)
			n, err := t.fsvc.Write(pid, a0, data)
			writeFSResult(utcb, fsErrno(err), uint64(n), nil)

		case FSLseek:
			off, err := t.fsvc.Lseek(pid, a0, int64(a1))
			writeFSResult(utcb, fsErrno(err), uint64(off), nil)

		case FSFstat:
			st, err := t.fsvc.Fstat(pid, a0)
			buf := make([]byte, fstatRespSize)
			binary.LittleEndian.PutUint64(buf[0:8], uint64(st.Inode))
			binary.LittleEndian.PutUint64(buf[8:16], uint64(st.Size))
			binary.LittleEndian.PutUint64(buf[16:24], uint64(st.Mode))
			writeFSResult(utcb, fsErrno(err), 0, buf)

		case FSClose:
			err := t.fsvc.Close(pid, a0)
			writeFSResult(utcb, fsErrno(err), 0, nil)

		case FSUnlink:
			path := readInlinePayload(utcb)
			err := t.fsvc.Unlink(string(path))
			writeFSResult(utcb, fsErrno(err), 0, nil)

		default:
			writeFSResult(utcb, EINVAL, 0, nil)
		}
		return true, nil
	}
}

// readInlinePayload reads the length-prefixed variable-length region a
// request uses for whichever argument doesn't fit in a fixed scalar slot.
func readInlinePayload(utcb *portal.UTCB) []byte {
	n := utcb.GetUint64(fsDataLenOff)
	return utcb.GetBytes(fsDataInlineOff, int(n))
}

// writeFSResult writes a "filesystem" service response: ret is 0 on
// success or a negative errno on failure (mirroring the foreign-syscall
// translator's own convention), value carries a single scalar result
// (an fd, a byte count, a seeked offset), and data — if non-nil — is
// copied into the length-prefixed inline region for multi-field or
// variable-length results (fstat's packed fields, a read's bytes).
func writeFSResult(utcb *portal.UTCB, ret int64, value uint64, data []byte) {
	utcb.PutUint64(fsRetOff, uint64(ret))
	utcb.PutUint64(fsValueOff, value)
	utcb.PutUint64(fsRespLenOff, uint64(len(data)))
	if len(data) > 0 {
		utcb.PutBytes(fsRespDataOff, data)
	}
}

// fsErrno maps an internal/fs error to the same negative-errno convention
// the foreign-syscall translator uses, so both surfaces agree on failure
// codes for the same underlying FileSystem errors.
func fsErrno(err error) int64 {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, fs.ErrNotFound):
		return ENOENT
	case errors.Is(err, fs.ErrExists):
		return EEXIST
	case errors.Is(err, fs.ErrPermission):
		return EACCES
	default:
		return EACCES
	}
}
