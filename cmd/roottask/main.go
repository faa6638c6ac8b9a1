// Command roottask is the boot entrypoint: it parses the hypervisor boot
// modules, starts one process per module (spec §4.4), wires each process's
// exception and service portals (spec §4.5, §4.6), and optionally serves a
// debug FUSE view of the in-memory filesystem (spec §3.14) and an operator
// gRPC control surface (spec §3.15) until terminated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {
	cpuOn := ctx.Bool("cpu-profiling")
	memOn := ctx.Bool("memory-profiling")
	if cpuOn && memOn {
		return nil, fmt.Errorf("unsupported parameter combination: cpu and memory profiling")
	}
	if !cpuOn && !memOn {
		return nil, nil
	}
	if cpuOn {
		return profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
	}
	return profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
}

func exitHandler(signalChan chan os.Signal, cancel context.CancelFunc, prof interface{ Stop() }) {
	s := <-signalChan
	logrus.Warnf("roottask caught signal: %s", s)
	systemd.SdNotify(false, systemd.SdNotifyStopping)

	cancel()
	if prof != nil {
		prof.Stop()
	}
	// Give the debug-fs and control servers a moment to unwind their own
	// shutdown paths (unmount, GracefulStop) before this process vanishes.
	time.Sleep(2 * time.Second)
}

func main() {
	app := cli.NewApp()
	app.Name = "roottask"
	app.Usage = "capability-based microhypervisor root task"

	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "boot-info", Usage: "path to the hypervisor boot-information page"},
		cli.StringFlag{Name: "boot-archive", Usage: "path to the concatenated boot-module archive"},
		cli.Int64Flag{Name: "page-size", Value: 0x1000, Usage: "architectural page size in bytes"},
		cli.Int64Flag{Name: "vaddr-base", Value: 0x4000_0000_0000, Usage: "base address the root task's v-addr allocator starts handing out ranges from"},
		cli.Int64Flag{Name: "root-cap-sel", Value: 0, Usage: "capability selector of the root task's own PD"},
		cli.StringFlag{Name: "debug-fs-mount", Usage: "mount the in-memory filesystem read/write at this host path via FUSE (empty disables)"},
		cli.StringFlag{Name: "control-socket", Value: "/run/roottask/control.sock", Usage: "unix-domain socket for the operator gRPC control surface (empty disables)"},
		cli.BoolFlag{Name: "syscall-echo-calibration", Usage: "count one calibration echo before every emulated foreign syscall, modeling mediator-library overhead (no raw_echo round trip is issued in this simulated environment)"},
		cli.IntFlag{Name: "sc-priority", Value: 1, Usage: "scheduling-context priority assigned to every started process"},
		cli.Int64Flag{Name: "sc-quantum", Value: 10000, Usage: "scheduling-context time quantum (microseconds) assigned to every started process"},
		cli.StringFlag{Name: "log", Value: "", Usage: "log file path or empty string for stderr output"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "log level (debug, info, warning, error, fatal)"},
		cli.StringFlag{Name: "log-format", Value: "text", Usage: "log format; must be json or text"},
		cli.BoolFlag{Name: "cpu-profiling", Usage: "enable cpu-profiling data collection", Hidden: true},
		cli.BoolFlag{Name: "memory-profiling", Usage: "enable memory-profiling data collection", Hidden: true},
	}

	app.Before = func(ctx *cli.Context) error {
		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
			if err != nil {
				return fmt.Errorf("opening log file %s: %w", path, err)
			}
			logrus.SetOutput(f)
		} else {
			logrus.SetOutput(os.Stderr)
		}

		if ctx.GlobalString("log-format") == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
		} else {
			logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
		}

		level, err := logrus.ParseLevel(ctx.GlobalString("log-level"))
		if err != nil {
			return fmt.Errorf("log-level %q not recognized: %w", ctx.GlobalString("log-level"), err)
		}
		logrus.SetLevel(level)
		return nil
	}

	app.Action = func(ctx *cli.Context) error {
		if ctx.String("boot-info") == "" || ctx.String("boot-archive") == "" {
			return fmt.Errorf("--boot-info and --boot-archive are required")
		}

		prof, err := runProfiler(ctx)
		if err != nil {
			return err
		}

		log := logrus.StandardLogger()
		runCtx, cancel := context.WithCancel(context.Background())
		defer cancel()

		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
		go exitHandler(signalChan, cancel, prof)

		cfg := Config{
			BootInfoPath:           ctx.String("boot-info"),
			BootArchivePath:        ctx.String("boot-archive"),
			PageSize:               uint64(ctx.Int64("page-size")),
			VAddrBase:              uint64(ctx.Int64("vaddr-base")),
			RootCapSel:             uint64(ctx.Int64("root-cap-sel")),
			DebugFSMount:           ctx.String("debug-fs-mount"),
			ControlSocket:          ctx.String("control-socket"),
			SyscallEchoCalibration: ctx.Bool("syscall-echo-calibration"),
			SCPriority:             uint8(ctx.Int("sc-priority")),
			SCQuantum:              uint64(ctx.Int64("sc-quantum")),
		}

		systemd.SdNotify(false, systemd.SdNotifyReady)
		log.Info("roottask: ready")

		return Run(runCtx, log, cfg)
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
