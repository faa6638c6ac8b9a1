package fsyscall

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/hedron-project/roottask/internal/domain"
	"github.com/hedron-project/roottask/internal/fs"
	"github.com/hedron-project/roottask/internal/portal"
)

// Negative-errno constants not already in syscall.go.
const (
	ENOENT = -2
	EFAULT = -14
)

// maxPathLen bounds ReadCString against a runaway or corrupted guest
// pointer that never hits a NUL byte.
const maxPathLen = 4096

// pageSize is the fixed page size the bump allocators below round to,
// matching the rest of this tree's fixed-page-size assumption.
const pageSize = 0x1000

// MemoryView is the guest-memory access the translator needs: reading
// syscall argument buffers (paths, iovecs, write sources) and writing
// syscall result buffers (read destinations, stat buffers) through a
// process's mapped regions. internal/memmap's MappedMemory satisfies the
// shape of this once wrapped by a per-process region lookup; kept as an
// interface here so this package doesn't depend on how regions are found.
type MemoryView interface {
	ReadBytes(pid domain.ProcessID, addr uint64, n int) ([]byte, error)
	WriteBytes(pid domain.ProcessID, addr uint64, data []byte) error
}

// EchoCalibrator performs the round-trip raw_echo call the spec inserts on
// every foreign syscall to model a mediator library's added IPC cost
// (spec §4.7, §9). Left nil, the calibration is skipped.
type EchoCalibrator interface {
	Echo(ctx context.Context) error
}

type procState struct {
	breakBegin   uint64
	breakCurrent uint64
	mmapNext     uint64
}

// Translator implements the foreign-syscall translation pipeline (spec
// §4.7). One instance serves every process under the emulated ABI; it is
// CPU-agnostic in this port since portal calls are already serialized per
// caller EC (spec §5) rather than per physical CPU.
type Translator struct {
	fsvc *fs.FileSystem
	mem  MemoryView
	echo EchoCalibrator

	mu    sync.Mutex
	procs map[domain.ProcessID]*procState
}

// NewTranslator constructs a Translator. echo may be nil to disable the
// mediator calibration call.
func NewTranslator(fsvc *fs.FileSystem, mem MemoryView, echo EchoCalibrator) *Translator {
	return &Translator{fsvc: fsvc, mem: mem, echo: echo, procs: make(map[domain.ProcessID]*procState)}
}

// RegisterProcess records the heap and mmap bases the loader computed for
// pid (spec §4.4 "program-break begin", "mmap region"), so brk/mmap have
// somewhere to bump-allocate from.
func (t *Translator) RegisterProcess(pid domain.ProcessID, breakBegin, mmapBase uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[pid] = &procState{breakBegin: breakBegin, breakCurrent: breakBegin, mmapNext: mmapBase}
}

func (t *Translator) state(pid domain.ProcessID) (*procState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.procs[pid]
	if !ok {
		return nil, fmt.Errorf("fsyscall: pid %d has no registered memory map", pid)
	}
	return st, nil
}

// Dispatch resolves a foreign-syscall portal invocation to its caller's PID
// and runs it through Handle, then replies — the same tag-check-then-call-
// then-reply shape as except.Table.Dispatch and internal/portal.Dispatcher,
// applied here to ContextForeignSyscall-tagged portals, the third of the
// three portal kinds spec §3 distinguishes. exited processes are not torn
// down here; the caller (the boot entrypoint) owns PD lifecycle.
func (t *Translator) Dispatch(ctx context.Context, pt domain.PTHandle, callerECPD domain.PDHandle, utcb *portal.UTCB, replier portal.Replier) (exited bool, err error) {
	tag := pt.Tag()
	if tag.Kind != domain.ContextForeignSyscall {
		return false, fmt.Errorf("fsyscall: dispatch invoked on a non-foreign-syscall portal (tag kind %v)", tag.Kind)
	}

	caller := callerECPD
	if dst, ok := pt.DelegatedTo(); ok {
		caller = dst
	}

	exited, err = t.Handle(ctx, caller.ID(), utcb)
	if err != nil {
		return exited, err
	}
	return exited, replier.Reply(ctx, utcb)
}

// Handle runs spec §4.7's five-step pipeline against one trapped syscall.
// exited reports whether the guest called exit/exit_group, signaling the
// caller (the process manager) to tear down the PD once the reply — which
// in this case is never actually meaningful to the guest — completes.
func (t *Translator) Handle(ctx context.Context, pid domain.ProcessID, utcb *portal.UTCB) (exited bool, err error) {
	// Steps 5 (restore) read these before any handler below can disturb
	// them; RCX holds the guest's return RIP and R11 its original RSP per
	// the x86 syscall instruction's own register contract.
	nextRIP := utcb.Regs.RCX
	originalRSP := utcb.Regs.R11

	if t.echo != nil {
		if cerr := t.echo.Echo(ctx); cerr != nil {
			return false, fmt.Errorf("fsyscall: mediator echo calibration call: %w", cerr)
		}
	}

	a := Decode(&utcb.Regs)
	var ret int64

	switch a.Num {
	case Read:
		ret = t.sysRead(pid, a)
	case Write:
		ret = t.sysWrite(pid, a)
	case WriteV:
		ret = t.sysWriteV(pid, a)
	case Open:
		ret = t.sysOpen(pid, a, false)
	case OpenAt:
		ret = t.sysOpen(pid, a, true)
	case Close:
		ret = t.sysClose(pid, a)
	case Lseek:
		ret = t.sysLseek(pid, a)
	case Fstat:
		ret = t.sysFstat(pid, a)
	case MMap:
		ret = t.sysMmap(pid, a)
	case MUnmap:
		// The mmap bump allocator never reclaims (same non-reclaiming
		// policy as internal/vaddr.Allocator), so there is nothing to
		// undo; munmap always succeeds.
		ret = 0
	case Brk:
		ret = t.sysBrk(pid, a)
	case ArchPrctl:
		ret = t.sysArchPrctl(a)
	case Clone:
		// Real thread/process creation under the emulated ABI is out of
		// this core's scope (no multi-core scheduling policy modeled);
		// report it as unsupported the conventional POSIX way rather
		// than treating it as fatal.
		ret = ENOSYS
	case Exit, ExitGroup:
		exited = true
	default:
		panic(fmt.Sprintf("fsyscall: unsupported syscall %s (num=%d) from pid %d", a.Num, uint64(a.Num), pid))
	}

	utcb.Regs.RAX = uint64(ret)
	utcb.Regs.RIP = nextRIP
	utcb.Regs.RSP = originalRSP
	utcb.MTD |= portal.MTDRIP | portal.MTDRSP | portal.MTDGPR
	return exited, nil
}

func (t *Translator) sysRead(pid domain.ProcessID, a Args) int64 {
	fd, bufAddr, count := a.A0, a.A1, a.A2
	data, err := t.fsvc.Read(pid, fd, int(count))
	if err != nil {
		return EBADF
	}
	if err := t.mem.WriteBytes(pid, bufAddr, data); err != nil {
		return EFAULT
	}
	return int64(len(data))
}

func (t *Translator) sysWrite(pid domain.ProcessID, a Args) int64 {
	fd, bufAddr, count := a.A0, a.A1, a.A2
	data, err := t.mem.ReadBytes(pid, bufAddr, int(count))
	if err != nil {
		return EFAULT
	}
	n, err := t.fsvc.Write(pid, fd, data)
	if err != nil {
		return EBADF
	}
	return int64(n)
}

// iovecSize matches the x86_64 ABI's struct iovec { void *iov_base; size_t
// iov_len; }.
const iovecSize = 16

func (t *Translator) sysWriteV(pid domain.ProcessID, a Args) int64 {
	fd, iovAddr, iovCnt := a.A0, a.A1, a.A2
	var total int64
	for i := uint64(0); i < iovCnt; i++ {
		raw, err := t.mem.ReadBytes(pid, iovAddr+i*iovecSize, iovecSize)
		if err != nil {
			return EFAULT
		}
		base := binary.LittleEndian.Uint64(raw[0:8])
		length := binary.LittleEndian.Uint64(raw[8:16])
		buf, err := t.mem.ReadBytes(pid, base, int(length))
		if err != nil {
			return EFAULT
		}
		n, err := t.fsvc.Write(pid, fd, buf)
		if err != nil {
			return EBADF
		}
		total += int64(n)
	}
	return total
}

func (t *Translator) sysOpen(pid domain.ProcessID, a Args, isAt bool) int64 {
	pathAddr, flagsArg, modeArg := a.A0, a.A1, a.A2
	if isAt {
		// openat(dirfd, path, flags, mode): dirfd is ignored since this
		// file service has a flat namespace with no per-directory fds.
		pathAddr, flagsArg, modeArg = a.A1, a.A2, a.A3
	}

	path, err := t.readCString(pid, pathAddr)
	if err != nil {
		return EFAULT
	}

	fd, err := t.fsvc.Open(pid, path, fs.OpenFlags(flagsArg), uint16(modeArg))
	if err != nil {
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
	return int64(fd)
}

func (t *Translator) sysClose(pid domain.ProcessID, a Args) int64 {
	if err := t.fsvc.Close(pid, a.A0); err != nil {
		return EBADF
	}
	return 0
}

func (t *Translator) sysLseek(pid domain.ProcessID, a Args) int64 {
	// whence (A2) is not modeled: fs.FileSystem.Lseek always treats its
	// offset argument as absolute (spec §4.8: "offset clamped to [0,
	// len]"), so SEEK_CUR/SEEK_END translation would need the current
	// offset/size fed back in, which no caller of this model currently
	// needs.
	res, err := t.fsvc.Lseek(pid, a.A0, int64(a.A1))
	if err != nil {
		return EBADF
	}
	return res
}

// statBufSize matches the x86_64 ABI's struct stat layout.
const statBufSize = 144

func (t *Translator) sysFstat(pid domain.ProcessID, a Args) int64 {
	fd, statAddr := a.A0, a.A1
	st, err := t.fsvc.Fstat(pid, fd)
	if err != nil {
		return EBADF
	}

	buf := make([]byte, statBufSize)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(st.Inode))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(st.Mode))
	binary.LittleEndian.PutUint64(buf[48:56], uint64(st.Size))
	if err := t.mem.WriteBytes(pid, statAddr, buf); err != nil {
		return EFAULT
	}
	return 0
}

func (t *Translator) sysMmap(pid domain.ProcessID, a Args) int64 {
	length := a.A1
	if length == 0 {
		return EINVAL
	}
	st, err := t.state(pid)
	if err != nil {
		return ENOMEM
	}

	pages := (length + pageSize - 1) / pageSize
	t.mu.Lock()
	addr := st.mmapNext
	st.mmapNext += pages * pageSize
	t.mu.Unlock()
	return int64(addr)
}

func (t *Translator) sysBrk(pid domain.ProcessID, a Args) int64 {
	st, err := t.state(pid)
	if err != nil {
		return ENOMEM
	}
	if a.A0 == 0 {
		t.mu.Lock()
		defer t.mu.Unlock()
		return int64(st.breakCurrent)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if a.A0 >= st.breakBegin {
		st.breakCurrent = a.A0
	}
	return int64(st.breakCurrent)
}

// arch_prctl codes (asm/prctl.h).
const (
	archSetGS = 0x1001
	archSetFS = 0x1002
	archGetFS = 0x1003
	archGetGS = 0x1004
)

// sysArchPrctl accepts ARCH_SET_FS/GS and ARCH_GET_FS/GS and acknowledges
// them without effect (the GET codes write nothing back; any other code is
// EINVAL): this port doesn't model a per-EC FS/GS base register (no field
// for it exists in portal.Registers), so TLS setup under the emulated ABI
// is accepted but not actually wired to anything a guest could observe.
func (t *Translator) sysArchPrctl(a Args) int64 {
	switch a.A0 {
	case archSetFS, archSetGS:
		return 0
	case archGetFS, archGetGS:
		return 0
	default:
		return EINVAL
	}
}

// readCString reads a NUL-terminated string out of guest memory one
// bounded chunk at a time, since paths are short and a single
// over-allocated read risks reading past an unmapped page.
func (t *Translator) readCString(pid domain.ProcessID, addr uint64) (string, error) {
	const chunk = 64
	var out []byte
	for len(out) < maxPathLen {
		b, err := t.mem.ReadBytes(pid, addr+uint64(len(out)), chunk)
		if err != nil {
			return "", err
		}
		if i := indexNUL(b); i >= 0 {
			out = append(out, b[:i]...)
			return string(out), nil
		}
		out = append(out, b...)
	}
	return "", fmt.Errorf("fsyscall: path at %#x exceeds %d bytes without a NUL terminator", addr, maxPathLen)
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
