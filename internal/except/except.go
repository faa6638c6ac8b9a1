// Package except implements the root task's exception-handling surface
// (spec §4.6): the shared exception local EC's portals are tagged
// Exception(e); a per-exception specialization table is consulted first,
// and anything unregistered falls through to a generic handler that logs
// the fault and panics (or, if a PDTerminator is wired in, tears down only
// the offending PD).
package except

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hedron-project/roottask/internal/domain"
	"github.com/hedron-project/roottask/internal/portal"
	"github.com/sirupsen/logrus"
)

// StartupVector is the architectural exception index Hedron raises the
// first time it schedules a global EC, before any guest instruction has
// executed. Recovered from original_source's
// ExceptionEventOffset::HedronGlobalEcStartup (= 30); the spec names the
// event ("startup exception") without assigning it a number.
const StartupVector uint8 = 30

// RecallVector is Hedron's asynchronous-recall exception — reserved, not
// specialized by this root task.
const RecallVector uint8 = 31

// CallbackStackPages is the guarded stack size for the shared exception
// local EC (spec §4.6: "16-page guarded callback stack").
const CallbackStackPages = 16

// ErrAlreadyRegistered is returned by Register for a vector that already
// has a specialization.
var ErrAlreadyRegistered = errors.New("except: a specialized handler is already registered for this exception")

// SpecializedHandler runs instead of the generic handler for one exception
// vector. It reports whether to reply, mirroring portal.Handler's shape
// (spec §4.6 step 2: "it runs and decides whether to reply").
type SpecializedHandler func(ctx context.Context, vector uint8, caller domain.PDHandle, utcb *portal.UTCB) (reply bool, err error)

// PDTerminator tears down a single faulted process's PD. When wired into
// a Table, the generic handler terminates only the offending PD instead
// of panicking the whole root task — the alternative the spec explicitly
// allows ("an implementer MAY instead terminate only the offending child
// PD"). Left nil, the default (and the spec's stated default) is to panic.
type PDTerminator interface {
	TerminatePD(pid domain.ProcessID)
}

// Table is the per-exception specialization lookup (spec §4.6 step 2).
type Table struct {
	mu         sync.RWMutex
	handlers   map[uint8]SpecializedHandler
	log        *logrus.Logger
	terminator PDTerminator
}

// NewTable constructs an empty specialization table. terminator may be
// nil, in which case an unhandled exception panics the root task.
func NewTable(log *logrus.Logger, terminator PDTerminator) *Table {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Table{handlers: make(map[uint8]SpecializedHandler), log: log, terminator: terminator}
}

// Register installs a specialized handler for vector. A second
// registration for the same vector is a typed error, not a panic — the
// same choice kobject.PT.DelegateTo makes for its own once-only
// invariant, so a setup-time bug can't crash the root task outright.
func (t *Table) Register(vector uint8, h SpecializedHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handlers[vector]; ok {
		return fmt.Errorf("%w: vector %d", ErrAlreadyRegistered, vector)
	}
	t.handlers[vector] = h
	return nil
}

// Dispatch implements spec §4.6's exception-handling sequence: identify
// the vector from the portal's context tag, consult the specialization
// table, and fall back to the generic fatal handler. Exception portals
// carry ContextException tags (spec §3), distinct from the ContextService
// tags internal/portal.Dispatcher routes, so they're demuxed here rather
// than through that dispatcher.
func (t *Table) Dispatch(ctx context.Context, pt domain.PTHandle, callerECPD domain.PDHandle, utcb *portal.UTCB, replier portal.Replier) error {
	tag := pt.Tag()
	if tag.Kind != domain.ContextException {
		return fmt.Errorf("except: dispatch invoked on a non-exception portal (tag kind %v)", tag.Kind)
	}
	vector := tag.ExceptionIndex

	caller := callerECPD
	if dst, ok := pt.DelegatedTo(); ok {
		caller = dst
	}

	t.mu.RLock()
	h, ok := t.handlers[vector]
	t.mu.RUnlock()

	if ok {
		reply, err := h(ctx, vector, caller, utcb)
		if err != nil {
			t.log.WithError(err).WithField("vector", vector).Error("except: specialized handler returned an error")
		}
		if !reply {
			return nil
		}
		return replier.Reply(ctx, utcb)
	}

	t.log.WithFields(logrus.Fields{"vector": vector, "pid": caller.ID()}).Error("except: unhandled exception")

	if t.terminator != nil {
		t.terminator.TerminatePD(caller.ID())
		return nil
	}
	panic(fmt.Sprintf("except: unrecoverable exception %d in pid %d", vector, caller.ID()))
}

// StartupHandler builds the startup-exception specialization (spec
// §4.4/§4.6): on a new global EC's first scheduling, write the entry
// point into RIP and the initial stack pointer into RSP, setting the
// MTD bits so the kernel commits them, then reply. lookup supplies the
// (entry, rsp) pair recorded for the process by the loader.
func StartupHandler(lookup func(pid domain.ProcessID) (entry, rsp uint64, ok bool)) SpecializedHandler {
	return func(ctx context.Context, vector uint8, caller domain.PDHandle, utcb *portal.UTCB) (bool, error) {
		entry, rsp, ok := lookup(caller.ID())
		if !ok {
			return false, fmt.Errorf("except: no recorded startup state for pid %d", caller.ID())
		}
		utcb.SetReply(entry, rsp)
		return true, nil
	}
}
