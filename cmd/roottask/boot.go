package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/hedron-project/roottask/internal/bootinfo"
	"github.com/hedron-project/roottask/internal/control"
	"github.com/hedron-project/roottask/internal/domain"
	"github.com/hedron-project/roottask/internal/except"
	"github.com/hedron-project/roottask/internal/fs"
	"github.com/hedron-project/roottask/internal/fsview"
	"github.com/hedron-project/roottask/internal/fsyscall"
	"github.com/hedron-project/roottask/internal/guestmem"
	"github.com/hedron-project/roottask/internal/hv"
	"github.com/hedron-project/roottask/internal/kobject"
	"github.com/hedron-project/roottask/internal/loader"
	"github.com/hedron-project/roottask/internal/memmap"
	"github.com/hedron-project/roottask/internal/portal"
	"github.com/hedron-project/roottask/internal/procmgr"
	"github.com/hedron-project/roottask/internal/service"
	"github.com/hedron-project/roottask/internal/vaddr"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

// serviceCatalogue is the fixed set of service portals the loader delegates
// into every process (spec §4.5), in the order their capability selectors
// are reserved. raw_echo is created for capability-space completeness but
// deliberately never registered with the dispatcher below — it has its own
// dedicated, Dispatcher-bypassing reply path (internal/service.RawEcho).
var serviceCatalogue = []string{"stdout", "stderr", "allocator", "filesystem", "echo", "raw_echo"}

// allocatorScratchBase is the fixed high address the allocator service
// bump-allocates its own backing from — a range distinct from both the
// vaddr.Allocator's region (process stacks/segments) and the loader's own
// fixed mmap base (spec §4.4/§9), so the three independent bump cursors
// never hand out overlapping addresses.
const allocatorScratchBase = 0x6000_0000_0000

// Config is everything the boot entrypoint needs to bring the root task's
// userland up: where to find the boot modules and how to expose the
// optional debug/operator surfaces.
type Config struct {
	BootInfoPath    string
	BootArchivePath string
	PageSize        uint64
	VAddrBase       uint64
	RootCapSel      uint64

	DebugFSMount           string // empty disables the FUSE debug mount
	ControlSocket          string // empty disables the control gRPC server
	SyscallEchoCalibration bool

	SCPriority uint8
	SCQuantum  uint64
}

// startupRecord is what the startup-exception specialization needs per
// process: the entry point and initial stack pointer the loader computed.
type startupRecord struct {
	entry, rsp uint64
}

// Run parses the boot modules and starts one process per module, wiring
// each one's exception and service portals per spec §4.4-§4.6, then blocks
// serving the optional debug-fs and control surfaces until ctx is canceled.
func Run(ctx context.Context, log *logrus.Logger, cfg Config) error {
	page, err := os.ReadFile(cfg.BootInfoPath)
	if err != nil {
		return fmt.Errorf("roottask: reading boot info page: %w", err)
	}
	archive, err := os.ReadFile(cfg.BootArchivePath)
	if err != nil {
		return fmt.Errorf("roottask: reading boot archive: %w", err)
	}
	info, err := bootinfo.Parse(page, archive)
	if err != nil {
		return fmt.Errorf("roottask: parsing boot info: %w", err)
	}

	kernel := hv.NewSimulated(log)
	defer kernel.Close()

	rootPD := kobject.NewRootPD(cfg.RootCapSel, kernel, log)
	procs := procmgr.New()
	procs.RegisterProcess(rootPD)

	alloc := vaddr.New(cfg.VAddrBase, cfg.PageSize)
	mapper := memmap.New(kernel, alloc)
	fsvc := fs.New()
	gmem := guestmem.New()
	caps := newCapSelAllocator()

	var echoCal fsyscall.EchoCalibrator
	if cfg.SyscallEchoCalibration {
		echoCal = &echoCallCounter{}
	}
	translator := fsyscall.NewTranslator(fsvc, gmem, echoCal)

	stdoutW := service.NewWriter(os.Stdout)
	stderrW := service.NewWriter(os.Stderr)
	allocSvc := service.NewAllocator(mapper, rootPD, allocatorScratchBase, cfg.PageSize)

	dispatcher := portal.New(procs, &loggingReplier{log: log}, log)
	dispatcher.RegisterService("stdout", service.StdoutHandler(stdoutW))
	dispatcher.RegisterService("stderr", service.StdoutHandler(stderrW))
	dispatcher.RegisterService("allocator", allocSvc.Handler())
	dispatcher.RegisterService("filesystem", translator.FSHandler())
	dispatcher.RegisterService("echo", service.EchoHandler())

	// exceptTable's specialization lookup is exercised by tests; there is no
	// exception-portal call loop in this tree to drive it at boot (the
	// simulated kernel models the create calls below, not a guest trap).
	var startupMu sync.Mutex
	startup := make(map[domain.ProcessID]startupRecord)
	exceptTable := except.NewTable(log, &pdTerminator{procs: procs, log: log})
	if err := exceptTable.Register(except.StartupVector, except.StartupHandler(func(pid domain.ProcessID) (uint64, uint64, bool) {
		startupMu.Lock()
		defer startupMu.Unlock()
		rec, ok := startup[pid]
		return rec.entry, rec.rsp, ok
	})); err != nil {
		return fmt.Errorf("roottask: registering startup handler: %w", err)
	}

	excStack, err := alloc.Alloc(except.CallbackStackPages)
	if err != nil {
		return fmt.Errorf("roottask: allocating exception callback stack: %w", err)
	}
	excUTCB, err := alloc.Alloc(1)
	if err != nil {
		return fmt.Errorf("roottask: allocating exception EC UTCB: %w", err)
	}
	excEC, err := rootPD.CreateLocalEC(ctx, caps.reserve(1), excUTCB.Base, excStack.Base+excStack.PageCount*cfg.PageSize, cfg.PageSize)
	if err != nil {
		return fmt.Errorf("roottask: creating shared exception EC: %w", err)
	}

	svcUTCB, err := alloc.Alloc(1)
	if err != nil {
		return fmt.Errorf("roottask: allocating service EC UTCB: %w", err)
	}
	svcStack, err := alloc.Alloc(4)
	if err != nil {
		return fmt.Errorf("roottask: allocating service EC handler stack: %w", err)
	}
	svcEC, err := rootPD.CreateLocalEC(ctx, caps.reserve(1), svcUTCB.Base, svcStack.Base+svcStack.PageCount*cfg.PageSize, cfg.PageSize)
	if err != nil {
		return fmt.Errorf("roottask: creating shared service EC: %w", err)
	}

	ldr := loader.New(mapper, procs, alloc, cfg.PageSize)

	for _, mod := range info.Modules {
		abi := loader.ABINative
		if hasField(mod.CmdLine, "abi=foreign") {
			abi = loader.ABIForeign
		}
		image, err := mod.Image(info.Archive())
		if err != nil {
			return fmt.Errorf("roottask: module %q: %w", mod.CmdLine, err)
		}

		pid := procs.NextProcessID()
		utcbRegion, err := alloc.Alloc(1)
		if err != nil {
			return fmt.Errorf("roottask: module %q: allocating UTCB: %w", mod.CmdLine, err)
		}
		excPortalBase := caps.reserve(loader.NumExceptions)
		scCapSel := caps.reserve(1)

		result, err := ldr.StartProcess(ctx, loader.StartProcessArgs{
			ParentPD:      rootPD,
			ID:            pid,
			PDCapSel:      caps.reserve(1),
			ECCapSel:      caps.reserve(1),
			SCCapSel:      scCapSel,
			UTCBAddr:      utcbRegion.Base,
			ExceptionEC:   excEC,
			ExcPortalBase: excPortalBase,
			ABI:           abi,
			Image:         image,
		})
		if err != nil {
			return fmt.Errorf("roottask: starting module %q: %w", mod.CmdLine, err)
		}

		startupMu.Lock()
		startup[pid] = startupRecord{entry: result.Entry, rsp: result.InitRSP}
		startupMu.Unlock()

		gmem.AddMapped(pid, result.Memory.Stack)
		for _, seg := range result.Memory.Segments {
			gmem.AddMapped(pid, seg)
		}
		if abi == loader.ABIForeign {
			translator.RegisterProcess(pid, result.Memory.BreakBegin, result.Memory.MmapBase)

			syscallPortalSel := caps.reserve(1)
			syscallPortalID := procs.NextPortalID()
			syscallPT, err := rootPD.CreatePortal(ctx, syscallPortalID, syscallPortalSel, svcEC, domain.ForeignSyscallTag())
			if err != nil {
				return fmt.Errorf("roottask: module %q: creating foreign-syscall portal: %w", mod.CmdLine, err)
			}
			procs.RegisterPortal(syscallPT)
			if err := syscallPT.DelegateTo(ctx, result.PD, syscallPortalSel); err != nil {
				return fmt.Errorf("roottask: module %q: delegating foreign-syscall portal: %w", mod.CmdLine, err)
			}
		}

		svcPortalBase := caps.reserve(uint64(len(serviceCatalogue)))
		for i, name := range serviceCatalogue {
			portalID := procs.NextPortalID()
			pt, err := rootPD.CreatePortal(ctx, portalID, svcPortalBase+uint64(i), svcEC, domain.ServiceTag(name))
			if err != nil {
				return fmt.Errorf("roottask: module %q: creating %s portal: %w", mod.CmdLine, name, err)
			}
			procs.RegisterPortal(pt)
			if err := pt.DelegateTo(ctx, result.PD, svcPortalBase+uint64(i)); err != nil {
				return fmt.Errorf("roottask: module %q: delegating %s portal: %w", mod.CmdLine, name, err)
			}
		}

		if _, err := result.PD.CreateSC(ctx, scCapSel, result.EC, cfg.SCPriority, cfg.SCQuantum); err != nil {
			return fmt.Errorf("roottask: module %q: creating SC: %w", mod.CmdLine, err)
		}

		log.WithFields(logrus.Fields{"pid": pid, "module": mod.FirstWord(), "abi": abi}).Info("roottask: process started")
	}

	var fsviewSrv *fsview.Server
	if cfg.DebugFSMount != "" {
		fsviewSrv = fsview.New(fsvc, cfg.DebugFSMount, log)
		if err := fsviewSrv.Mount(ctx); err != nil {
			return fmt.Errorf("roottask: mounting debug fs view: %w", err)
		}
		log.WithField("mountpoint", cfg.DebugFSMount).Info("roottask: debug fs view mounted")
	}

	var grpcSrv *grpc.Server
	if cfg.ControlSocket != "" {
		lis, err := control.Listen(cfg.ControlSocket)
		if err != nil {
			return fmt.Errorf("roottask: listening on control socket: %w", err)
		}
		grpcSrv = control.NewGRPCServer(control.New(fsvc, procs))
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				log.WithError(err).Warn("roottask: control server stopped")
			}
		}()
		log.WithField("socket", cfg.ControlSocket).Info("roottask: control server listening")
	}

	<-ctx.Done()

	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if fsviewSrv != nil {
		if err := fsviewSrv.Unmount(); err != nil {
			log.WithError(err).Warn("roottask: unmounting debug fs view")
		}
	}
	return nil
}

func hasField(cmdline, field string) bool {
	for _, f := range splitFields(cmdline) {
		if f == field {
			return true
		}
	}
	return false
}

func splitFields(s string) []string {
	var fields []string
	start := -1
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != ' ' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			fields = append(fields, s[start:i])
			start = -1
		}
	}
	return fields
}
