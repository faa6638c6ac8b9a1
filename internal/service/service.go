// Package service implements the root task's fixed service-portal catalogue
// (spec §4.5): stdout, stderr, allocator, echo, and raw_echo. filesystem is
// implemented separately in internal/fsyscall/fsservice.go, since it shares
// the syscall-argument-record shape used by the foreign-syscall translator.
package service

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/hedron-project/roottask/internal/captypes"
	"github.com/hedron-project/roottask/internal/domain"
	"github.com/hedron-project/roottask/internal/memmap"
	"github.com/hedron-project/roottask/internal/portal"
)

// UTCB tail layout shared by stdout/stderr and allocator. Offsets are
// arbitrary but fixed, matching the "UTCB carries an embedded text slice"
// / "UTCB carries (size, alignment)" contracts in spec §4.5.
const (
	textLenOff   = 0
	textInlineOff = 8
	inlineBudget  = 960 // fits comfortably in a Size-ExceptionHeaderSize tail

	allocSizeOff  = 0
	allocAlignOff = 8
	allocRespVAOff = 16
)

// Writer is a line-synchronized sink (spec §5 "Writer sinks (stdout/stderr):
// each wraps a mutex so that concurrent service calls interleave at line
// granularity"), mirroring the teacher's own lock-around-a-shared-sink
// idiom in state/container.go.
type Writer struct {
	mu   sync.Mutex
	sink io.Writer
}

// NewWriter wraps sink (typically os.Stdout/os.Stderr, or a test buffer)
// with the service's serialization lock.
func NewWriter(sink io.Writer) *Writer {
	return &Writer{sink: sink}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sink.Write(p)
}

// StdoutHandler constructs the portal.Handler for the stdout/stderr
// service: read the inline text slice from the UTCB and write it to w.
func StdoutHandler(w *Writer) portal.Handler {
	return func(ctx context.Context, caller domain.PDHandle, utcb *portal.UTCB) (bool, error) {
		n := utcb.GetUint64(textLenOff)
		if n > inlineBudget {
			n = inlineBudget
		}
		text := utcb.GetBytes(textInlineOff, int(n))
		if _, err := w.Write(text); err != nil {
			return false, fmt.Errorf("service: stdout write: %w", err)
		}
		return true, nil
	}
}

// Allocator services the "allocator" portal: the UTCB carries (size,
// alignment); the handler allocates backing in the root task, delegates it
// to the caller, and writes the user VA back (spec §4.5).
type Allocator struct {
	mapper *memmap.Mapper
	rootPD domain.PDHandle
	// nextAddr is a plain bump cursor over the root task's own scratch
	// region used to back allocator-service requests before delegating
	// onward; real address selection is internal/vaddr's job, this is the
	// fixed source range the mapper copies from.
	mu       sync.Mutex
	nextAddr uint64
	pageSize uint64
}

// NewAllocator constructs the allocator service handler.
func NewAllocator(mapper *memmap.Mapper, rootPD domain.PDHandle, scratchBase, pageSize uint64) *Allocator {
	return &Allocator{mapper: mapper, rootPD: rootPD, nextAddr: scratchBase, pageSize: pageSize}
}

// Handler returns the portal.Handler bound to this allocator instance.
func (a *Allocator) Handler() portal.Handler {
	return func(ctx context.Context, caller domain.PDHandle, utcb *portal.UTCB) (bool, error) {
		size := utcb.GetUint64(allocSizeOff)
		align := utcb.GetUint64(allocAlignOff)
		if align == 0 {
			align = a.pageSize
		}
		pageCount := (size + a.pageSize - 1) / a.pageSize
		if pageCount < 1 {
			pageCount = 1
		}

		a.mu.Lock()
		srcAddr := alignUp(a.nextAddr, align)
		a.nextAddr = srcAddr + pageCount*a.pageSize
		a.mu.Unlock()

		mm, err := a.mapper.Map(ctx, a.rootPD, caller, srcAddr, nil, pageCount, captypes.PermRead|captypes.PermWrite)
		if err != nil {
			return false, fmt.Errorf("service: allocator map: %w", err)
		}
		utcb.PutUint64(allocRespVAOff, mm.DstAddr)
		return true, nil
	}
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// EchoHandler implements the "echo" service: replies empty (spec §4.5).
func EchoHandler() portal.Handler {
	return func(ctx context.Context, caller domain.PDHandle, utcb *portal.UTCB) (bool, error) {
		return true, nil
	}
}

// RawEcho is the raw_echo portal's dedicated entry point. It deliberately
// bypasses internal/portal.Dispatcher — "it has its own dedicated entry
// that replies immediately, for baseline measurement of portal-call cost"
// (spec §4.5). Replier is the same interface internal/portal.Dispatcher
// uses, kept structurally identical so both share a reply implementation.
func RawEcho(ctx context.Context, replier interface {
	Reply(ctx context.Context, utcb *portal.UTCB) error
}, utcb *portal.UTCB) error {
	return replier.Reply(ctx, utcb)
}
