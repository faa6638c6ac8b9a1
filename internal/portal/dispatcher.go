package portal

import (
	"context"
	"errors"
	"fmt"

	"github.com/hedron-project/roottask/internal/domain"
	"github.com/sirupsen/logrus"
)

// ErrNoHandler is returned when a portal's context tag names a service
// with no registered handler.
var ErrNoHandler = errors.New("portal: no handler registered for service")

// ErrUnknownPortal is returned when the dispatcher can't resolve a portal
// identifier (spec §4.5 step 1).
var ErrUnknownPortal = errors.New("portal: unknown portal identifier")

// Handler services one portal invocation: read arguments from utcb,
// perform the work, optionally write a response, and report whether the
// dispatcher should reply (spec §4.5: "signals whether to reply").
type Handler func(ctx context.Context, caller domain.PDHandle, utcb *UTCB) (reply bool, err error)

// Registry resolves portal identifiers to PD/PT handles. internal/procmgr
// satisfies this with its LookupPortal/LookupProcess pair; kept as an
// interface here so the dispatcher doesn't import procmgr directly.
type Registry interface {
	LookupPortal(id domain.PortalID) (domain.PTHandle, bool)
}

// Replier issues the actual hypervisor reply once a handler has finished.
// Skipping it is a fatal programming error (spec §4.5: "the handler stack
// state would be corrupted"), so Dispatch always calls it on every path
// that successfully resolved a handler, whether or not the handler wants
// to write a response.
type Replier interface {
	Reply(ctx context.Context, utcb *UTCB) error
}

// Dispatcher is the single entry function shared by every service portal
// except raw_echo (spec §4.5).
type Dispatcher struct {
	registry Registry
	replier  Replier
	handlers map[string]Handler
	log      *logrus.Logger
}

// New constructs a Dispatcher over the process manager's portal registry.
func New(registry Registry, replier Replier, log *logrus.Logger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{registry: registry, replier: replier, handlers: make(map[string]Handler), log: log}
}

// RegisterService binds a handler to a named service (spec §4.5 catalogue:
// "stdout", "stderr", "allocator", "filesystem", "echo").
func (d *Dispatcher) RegisterService(name string, h Handler) {
	d.handlers[name] = h
}

// Dispatch runs the full lookup-and-call chain from spec §4.5: portal ID →
// process manager → calling PD → context tag → handler table → handler →
// reply.
func (d *Dispatcher) Dispatch(ctx context.Context, portalID domain.PortalID, callerECPD domain.PDHandle, utcb *UTCB) error {
	pt, ok := d.registry.LookupPortal(portalID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPortal, portalID)
	}

	caller := callerECPD
	if dst, ok := pt.DelegatedTo(); ok {
		caller = dst
	}

	tag := pt.Tag()
	if tag.Kind != domain.ContextService {
		return fmt.Errorf("portal: dispatcher invoked on a non-service portal (tag kind %v)", tag.Kind)
	}

	h, ok := d.handlers[tag.ServiceName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, tag.ServiceName)
	}

	reply, err := h(ctx, caller, utcb)
	if err != nil {
		d.log.WithError(err).WithField("service", tag.ServiceName).Error("portal: handler returned an error")
	}
	if !reply {
		d.log.WithField("service", tag.ServiceName).Error("portal: handler did not request a reply; replying anyway to avoid corrupting handler stack state")
	}
	return d.replier.Reply(ctx, utcb)
}
