package main

import (
	"context"
	"sync/atomic"

	"github.com/hedron-project/roottask/internal/domain"
	"github.com/hedron-project/roottask/internal/portal"
	"github.com/hedron-project/roottask/internal/procmgr"
	"github.com/sirupsen/logrus"
)

// loggingReplier satisfies portal.Replier (and, structurally, except.Table's
// own Replier parameter). internal/hv's simulated kernel models the create
// calls the boot sequence issues but has no transport for an actual
// synchronous portal-call round trip — nothing in this tree schedules a
// guest EC and traps back in. Closing that reply is therefore a log line
// rather than a hypercall; the invariant Dispatch and except.Table both
// rely on ("always call Reply, whether or not the handler wants one") is
// still upheld so their bookkeeping stays correct if a real transport is
// ever plugged in underneath.
type loggingReplier struct {
	log *logrus.Logger
}

func (r *loggingReplier) Reply(ctx context.Context, utcb *portal.UTCB) error {
	r.log.WithField("mtd", utcb.MTD).Debug("roottask: portal reply (no hypervisor transport to deliver it to)")
	return nil
}

var _ portal.Replier = (*loggingReplier)(nil)

// pdTerminator adapts internal/procmgr's process table to except.PDTerminator,
// tearing down exactly the offending PD rather than panicking the whole
// root task (spec's explicitly allowed alternative to a fatal panic).
type pdTerminator struct {
	procs *procmgr.Manager
	log   *logrus.Logger
}

// closer is the subset of *kobject.PD this package needs without importing
// kobject directly into this small adapter.
type closer interface {
	Close()
}

func (t *pdTerminator) TerminatePD(pid domain.ProcessID) {
	pd, ok := t.procs.LookupProcess(pid)
	if !ok {
		t.log.WithField("pid", pid).Warn("roottask: terminate requested for an unregistered pid")
		return
	}
	if c, ok := pd.(closer); ok {
		c.Close()
		return
	}
	t.log.WithField("pid", pid).Warn("roottask: PD handle does not support Close")
}

// echoCallCounter satisfies fsyscall.EchoCalibrator by counting calibration
// round trips rather than issuing one: like loggingReplier, there is no
// real raw_echo portal-call transport in this simulated environment for it
// to measure the cost of. Wired in only behind --syscall-echo-calibration,
// so its absence by default matches the spec's own "left nil, the
// calibration is skipped" default.
type echoCallCounter struct {
	calls uint64
}

func (e *echoCallCounter) Echo(ctx context.Context) error {
	atomic.AddUint64(&e.calls, 1)
	return nil
}

func (e *echoCallCounter) Calls() uint64 {
	return atomic.LoadUint64(&e.calls)
}
